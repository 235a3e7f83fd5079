package txpool

import (
	"errors"
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
)

// Stage is the position of a transaction in the stage lattice.
type Stage uint8

const (
	// New transactions have not been proposed yet.
	New Stage = iota
	// Prepared ...
	Prepared
	// LocalPrepared ...
	LocalPrepared
	// AllPrepared ...
	AllPrepared
	// SomePrepared ...
	SomePrepared
	// LocalAccepted ...
	LocalAccepted
	// AllAccepted ...
	AllAccepted
	// SomeAccepted ...
	SomeAccepted
)

// ErrStageRegression is returned when a record would move to a lower rank.
var ErrStageRegression = errors.New("stage regression")

// Rank orders stages. AllPrepared and SomePrepared share a rank, as do
// AllAccepted and SomeAccepted.
func (s Stage) Rank() int {
	switch s {
	case New:
		return 0
	case Prepared:
		return 1
	case LocalPrepared:
		return 2
	case AllPrepared, SomePrepared:
		return 3
	case LocalAccepted:
		return 4
	case AllAccepted, SomeAccepted:
		return 5
	}
	return -1
}

// String ...
func (s Stage) String() string {
	switch s {
	case New:
		return "New"
	case Prepared:
		return "Prepared"
	case LocalPrepared:
		return "LocalPrepared"
	case AllPrepared:
		return "AllPrepared"
	case SomePrepared:
		return "SomePrepared"
	case LocalAccepted:
		return "LocalAccepted"
	case AllAccepted:
		return "AllAccepted"
	case SomeAccepted:
		return "SomeAccepted"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Transition returns the stage a command moves a transaction to and whether
// the command finalises it.
func Transition(kind chain.CommandKind, localOnly bool) (Stage, bool) {
	switch kind {
	case chain.LocalOnly:
		return LocalAccepted, true
	case chain.Prepare:
		return Prepared, false
	case chain.LocalPrepare:
		return LocalPrepared, false
	case chain.AllPrepare:
		return AllPrepared, false
	case chain.SomePrepare:
		return SomePrepared, false
	case chain.LocalAccept:
		return LocalAccepted, localOnly
	case chain.AllAccept:
		return AllAccepted, true
	case chain.SomeAccept:
		return SomeAccepted, true
	}
	return New, false
}

// Allowed reports whether a command may follow a stage.
func Allowed(from Stage, kind chain.CommandKind, localOnly bool) bool {
	switch from {
	case New:
		return kind == chain.Prepare || (localOnly && kind == chain.LocalOnly)
	case Prepared:
		return kind == chain.LocalPrepare
	case LocalPrepared:
		if localOnly {
			return kind == chain.LocalAccept
		}
		return kind == chain.AllPrepare || kind == chain.SomePrepare
	case AllPrepared, SomePrepared:
		return !localOnly && kind == chain.LocalAccept
	case LocalAccepted:
		return !localOnly && (kind == chain.AllAccept || kind == chain.SomeAccept)
	}
	return false
}
