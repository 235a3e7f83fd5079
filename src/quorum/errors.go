package quorum

import "errors"

var (
	// ErrNotMember is returned for votes or signatures from outside the
	// committee.
	ErrNotMember = errors.New("signer is not a committee member")
	// ErrBadSignature ...
	ErrBadSignature = errors.New("invalid signature")
	// ErrConflict is returned for votes on a block when another block is
	// already certified at the same height.
	ErrConflict = errors.New("conflicting block already certified")
	// ErrWrongShardGroup ...
	ErrWrongShardGroup = errors.New("vote for another shard group")
	// ErrNoQuorum is returned for certificates whose signers do not reach
	// the quorum threshold.
	ErrNoQuorum = errors.New("insufficient quorum")
	// ErrDuplicateSigner ...
	ErrDuplicateSigner = errors.New("duplicate signer")
)
