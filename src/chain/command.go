package chain

import "fmt"

// CommandKind tags the variant carried by a Command.
type CommandKind uint8

const (
	// LocalOnly finalises a transaction in a single step. It is used for
	// local transactions aborted before they are prepared.
	LocalOnly CommandKind = iota
	// Prepare locks the local inputs and outputs of a transaction.
	Prepare
	// LocalPrepare certifies the local prepare decision.
	LocalPrepare
	// AllPrepare records that every involved shard group prepared COMMIT.
	AllPrepare
	// SomePrepare records that at least one involved shard group decided to
	// ABORT.
	SomePrepare
	// LocalAccept certifies the local accept decision. It finalises
	// local-only transactions.
	LocalAccept
	// AllAccept finalises a committed multi shard group transaction.
	AllAccept
	// SomeAccept finalises an aborted multi shard group transaction.
	SomeAccept
	// ForeignProposalCmd records the inclusion of a foreign block.
	ForeignProposalCmd
	// MintConfidentialOutput ...
	MintConfidentialOutput
	// SuspendNode ...
	SuspendNode
	// ResumeNode ...
	ResumeNode
	// EndEpoch is the last command of an epoch.
	EndEpoch
)

// String ...
func (k CommandKind) String() string {
	switch k {
	case LocalOnly:
		return "LocalOnly"
	case Prepare:
		return "Prepare"
	case LocalPrepare:
		return "LocalPrepare"
	case AllPrepare:
		return "AllPrepare"
	case SomePrepare:
		return "SomePrepare"
	case LocalAccept:
		return "LocalAccept"
	case AllAccept:
		return "AllAccept"
	case SomeAccept:
		return "SomeAccept"
	case ForeignProposalCmd:
		return "ForeignProposal"
	case MintConfidentialOutput:
		return "MintConfidentialOutput"
	case SuspendNode:
		return "SuspendNode"
	case ResumeNode:
		return "ResumeNode"
	case EndEpoch:
		return "EndEpoch"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// IsTransaction reports whether the variant carries a TransactionAtom.
func (k CommandKind) IsTransaction() bool {
	return k <= SomeAccept
}

// ForeignProposalAtom references a foreign block included in this chain.
type ForeignProposalAtom struct {
	ShardGroup ShardGroup
	BlockID    BlockID
}

// MintConfidentialOutputAtom ...
type MintConfidentialOutputAtom struct {
	SubstateID SubstateID
}

// ValidatorAtom names a validator being suspended or resumed.
type ValidatorAtom struct {
	PublicKey PublicKey
}

// Command is one agreed step of a block. Exactly one payload matches Kind.
type Command struct {
	Kind            CommandKind
	Transaction     *TransactionAtom            `json:",omitempty"`
	ForeignProposal *ForeignProposalAtom        `json:",omitempty"`
	Mint            *MintConfidentialOutputAtom `json:",omitempty"`
	Validator       *ValidatorAtom              `json:",omitempty"`
}

// NewTransactionCommand ...
func NewTransactionCommand(kind CommandKind, atom TransactionAtom) Command {
	return Command{Kind: kind, Transaction: &atom}
}

// NewForeignProposalCommand ...
func NewForeignProposalCommand(sg ShardGroup, id BlockID) Command {
	return Command{Kind: ForeignProposalCmd, ForeignProposal: &ForeignProposalAtom{ShardGroup: sg, BlockID: id}}
}

// Validate checks that the payload matches the kind.
func (c Command) Validate() error {
	switch c.Kind {
	case LocalOnly, Prepare, LocalPrepare, AllPrepare, SomePrepare, LocalAccept, AllAccept, SomeAccept:
		if c.Transaction == nil {
			return fmt.Errorf("%s command without transaction", c.Kind)
		}
	case ForeignProposalCmd:
		if c.ForeignProposal == nil {
			return fmt.Errorf("%s command without foreign proposal", c.Kind)
		}
	case MintConfidentialOutput:
		if c.Mint == nil {
			return fmt.Errorf("%s command without output", c.Kind)
		}
	case SuspendNode, ResumeNode:
		if c.Validator == nil {
			return fmt.Errorf("%s command without validator", c.Kind)
		}
	case EndEpoch:
	default:
		return fmt.Errorf("unknown command kind %d", c.Kind)
	}
	return nil
}

// TransactionID returns the id of the transaction the command refers to, if
// any.
func (c Command) TransactionID() (TransactionID, bool) {
	if c.Kind.IsTransaction() && c.Transaction != nil {
		return c.Transaction.ID, true
	}
	return TransactionID{}, false
}

// sortKey orders commands within a block: foreign proposals first, then
// transaction commands by transaction id, then the remaining administrative
// commands.
func (c Command) sortKey() (int, []byte) {
	switch {
	case c.Kind == ForeignProposalCmd:
		return 0, append([]byte{byte(c.ForeignProposal.ShardGroup >> 24), byte(c.ForeignProposal.ShardGroup >> 16), byte(c.ForeignProposal.ShardGroup >> 8), byte(c.ForeignProposal.ShardGroup)}, c.ForeignProposal.BlockID[:]...)
	case c.Kind.IsTransaction():
		return 1, c.Transaction.ID[:]
	case c.Kind == MintConfidentialOutput:
		return 2, c.Mint.SubstateID[:]
	case c.Kind == SuspendNode || c.Kind == ResumeNode:
		return 3, c.Validator.PublicKey[:]
	default:
		return 4, nil
	}
}

// String ...
func (c Command) String() string {
	switch {
	case c.Kind.IsTransaction() && c.Transaction != nil:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.Transaction.ID.Short(), c.Transaction.Decision)
	case c.Kind == ForeignProposalCmd && c.ForeignProposal != nil:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.ForeignProposal.ShardGroup, c.ForeignProposal.BlockID.Short())
	default:
		return c.Kind.String()
	}
}
