package chain

// ChainState holds the pointers that move as consensus progresses. It is
// written as a whole after every change.
type ChainState struct {
	// HighQC is the highest certificate seen.
	HighQC *QuorumCertificate
	// LockedQC is the certificate the node is locked on. Votes are only cast
	// for blocks justified at or above it.
	LockedQC *QuorumCertificate
	// Leaf is the highest block the node has voted for or created.
	Leaf BlockID
	// LeafHeight ...
	LeafHeight NodeHeight
	// LastVotedHeight is the height of the last vote cast.
	LastVotedHeight NodeHeight
	// LastVote is the last vote cast, sent along with NewView and sync
	// responses.
	LastVote *Vote `json:",omitempty"`
	// LastCommitted is the highest committed block.
	LastCommitted BlockID
	// LastCommittedHeight ...
	LastCommittedHeight NodeHeight
	// ForeignIndexes counts the committed foreign proposals by shard group.
	ForeignIndexes []ForeignIndex `json:",omitempty"`
}

// TransactionRecord is the stored form of a transaction and, once it has
// been finalised, its outcome.
type TransactionRecord struct {
	Transaction   *Transaction
	FinalDecision *Decision `json:",omitempty"`
	FinalizedIn   BlockID
}

// IsFinalized ...
func (r *TransactionRecord) IsFinalized() bool { return r.FinalDecision != nil }

// Store is an interface for backend stores. Implementations return
// common.StoreErr errors with KeyNotFound for missing items.
type Store interface {
	// CacheSize retrieves the cacheSize setting that determines the maximum
	// number of items that caches can contain.
	CacheSize() int
	// GetBlock returns a block by id.
	GetBlock(id BlockID) (*Block, error)
	// SetBlock inserts a block. Inserting the same block twice is a no-op.
	SetBlock(block *Block) error
	// GetCommittedBlock returns the block committed at a height.
	GetCommittedBlock(height NodeHeight) (*Block, error)
	// SetCommitted records a block as the committed block at its height.
	SetCommitted(block *Block) error
	// IsCommitted reports whether a block is committed.
	IsCommitted(id BlockID) bool
	// GetQC returns a certificate by id.
	GetQC(id Hash) (*QuorumCertificate, error)
	// GetQCForBlock returns the certificate over a block.
	GetQCForBlock(id BlockID) (*QuorumCertificate, error)
	// SetQC stores a certificate and indexes it by block.
	SetQC(qc *QuorumCertificate) error
	// GetChainState returns the chain pointers. It returns an Empty error
	// before genesis.
	GetChainState() (*ChainState, error)
	// SetChainState overwrites the chain pointers.
	SetChainState(state *ChainState) error
	// GetTransaction returns a transaction record.
	GetTransaction(id TransactionID) (*TransactionRecord, error)
	// SetTransaction inserts or updates a transaction record.
	SetTransaction(record *TransactionRecord) error
	// GetSubstate returns a substate version.
	GetSubstate(id SubstateID, version uint32) (*Substate, error)
	// GetLatestSubstate returns the highest version of a substate.
	GetLatestSubstate(id SubstateID) (*Substate, error)
	// SetSubstate inserts a new substate version. Versions are immutable:
	// writing a different substate at an existing version fails with
	// KeyAlreadyExists.
	SetSubstate(substate *Substate) error
	// DestroySubstate marks a substate version destroyed.
	DestroySubstate(id SubstateID, version uint32, by Provenance) error
	// GetForeignProposal returns a received foreign proposal by block id.
	GetForeignProposal(id BlockID) (*ForeignProposal, error)
	// SetForeignProposal stores a received foreign proposal.
	SetForeignProposal(fp *ForeignProposal) error
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database.
	StorePath() string
}
