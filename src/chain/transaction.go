package chain

import (
	"fmt"
	"sort"
)

// ExhaustDivisor is the share of the fee burnt as global exhaust: fee/20.
const ExhaustDivisor = 20

// TransactionInput declares a substate a transaction reads or writes.
type TransactionInput struct {
	ID      SubstateID
	Version uint32
	IsWrite bool
}

// Versioned ...
func (i TransactionInput) Versioned() VersionedSubstateID {
	return VersionedSubstateID{ID: i.ID, Version: i.Version}
}

// Transaction is the part of a transaction the consensus core needs: its
// declared inputs and outputs, the fee and an opaque payload for the
// executor.
type Transaction struct {
	Inputs  []TransactionInput
	Outputs []SubstateID
	Fee     uint64
	Payload []byte

	id TransactionID
}

// NewTransaction ...
func NewTransaction(inputs []TransactionInput, outputs []SubstateID, fee uint64, payload []byte) *Transaction {
	return &Transaction{
		Inputs:  inputs,
		Outputs: outputs,
		Fee:     fee,
		Payload: payload,
	}
}

// ID returns the content hash of the transaction.
func (t *Transaction) ID() TransactionID {
	if t.id.IsZero() {
		h, err := hashOf(struct {
			Inputs  []TransactionInput
			Outputs []SubstateID
			Fee     uint64
			Payload []byte
		}{t.Inputs, t.Outputs, t.Fee, t.Payload})
		if err != nil {
			panic(fmt.Sprintf("encoding transaction: %v", err))
		}
		t.id = TransactionID(h)
	}
	return t.id
}

// Validate checks the structural rules every transaction must follow.
func (t *Transaction) Validate() error {
	if len(t.Inputs) == 0 && len(t.Outputs) == 0 {
		return fmt.Errorf("transaction has no inputs or outputs")
	}
	seen := make(map[SubstateID]struct{}, len(t.Inputs)+len(t.Outputs))
	for _, in := range t.Inputs {
		if _, ok := seen[in.ID]; ok {
			return fmt.Errorf("substate %s declared twice", in.ID.Short())
		}
		seen[in.ID] = struct{}{}
	}
	for _, out := range t.Outputs {
		if _, ok := seen[out]; ok {
			return fmt.Errorf("substate %s declared twice", out.Short())
		}
		seen[out] = struct{}{}
	}
	return nil
}

// InvolvedShardGroups returns the shard groups owning any input or output.
func (t *Transaction) InvolvedShardGroups(groupOf func(SubstateID) ShardGroup) ShardGroupSet {
	var set ShardGroupSet
	for _, in := range t.Inputs {
		set = set.Add(groupOf(in.ID))
	}
	for _, out := range t.Outputs {
		set = set.Add(groupOf(out))
	}
	return set
}

// LeaderFee is the share of a transaction fee earned by the proposer of the
// block that finalises it.
type LeaderFee struct {
	Fee               uint64
	GlobalExhaustBurn uint64
}

// CalculateLeaderFee splits the fee of a transaction between the leader and
// the global exhaust burn. Only committed transactions pay a leader fee.
func CalculateLeaderFee(fee uint64) LeaderFee {
	burn := fee / ExhaustDivisor
	return LeaderFee{Fee: fee - burn, GlobalExhaustBurn: burn}
}

// TransactionAtom is the per-command view of a transaction: its identity and
// the decision and evidence the proposer claims at this point.
type TransactionAtom struct {
	ID        TransactionID
	Decision  Decision
	Evidence  Evidence
	Fee       uint64
	LeaderFee *LeaderFee `json:",omitempty"`
}

// InputEvidence ...
type InputEvidence struct {
	ID      SubstateID
	Version uint32
	IsWrite bool
}

// ShardGroupEvidence is what is known about one shard group's part in a
// transaction.
type ShardGroupEvidence struct {
	ShardGroup ShardGroup
	Inputs     []InputEvidence
	Outputs    []SubstateID
	PrepareQC  *Hash `json:",omitempty"`
	AcceptQC   *Hash `json:",omitempty"`
	Decision   Decision
}

// IsPrepared reports whether the shard group's LocalPrepare is certified.
func (e *ShardGroupEvidence) IsPrepared() bool { return e.PrepareQC != nil }

// IsAccepted reports whether the shard group's LocalAccept is certified.
func (e *ShardGroupEvidence) IsAccepted() bool { return e.AcceptQC != nil }

// Evidence is the list of shard group records of a transaction, sorted by
// shard group.
type Evidence []ShardGroupEvidence

// NewEvidence builds the initial evidence of a transaction from its declared
// inputs and outputs.
func NewEvidence(tx *Transaction, groupOf func(SubstateID) ShardGroup) Evidence {
	var ev Evidence
	for _, in := range tx.Inputs {
		e := ev.getOrAdd(groupOf(in.ID))
		e.Inputs = append(e.Inputs, InputEvidence{ID: in.ID, Version: in.Version, IsWrite: in.IsWrite})
	}
	for _, out := range tx.Outputs {
		e := ev.getOrAdd(groupOf(out))
		e.Outputs = append(e.Outputs, out)
	}
	for i := range ev {
		sort.Slice(ev[i].Inputs, func(a, b int) bool { return ev[i].Inputs[a].ID.Less(ev[i].Inputs[b].ID) })
		sort.Slice(ev[i].Outputs, func(a, b int) bool { return ev[i].Outputs[a].Less(ev[i].Outputs[b]) })
	}
	return ev
}

func (ev *Evidence) getOrAdd(sg ShardGroup) *ShardGroupEvidence {
	i := sort.Search(len(*ev), func(i int) bool { return (*ev)[i].ShardGroup >= sg })
	if i < len(*ev) && (*ev)[i].ShardGroup == sg {
		return &(*ev)[i]
	}
	*ev = append(*ev, ShardGroupEvidence{})
	copy((*ev)[i+1:], (*ev)[i:])
	(*ev)[i] = ShardGroupEvidence{ShardGroup: sg}
	return &(*ev)[i]
}

// Get returns the record of a shard group, or nil.
func (ev Evidence) Get(sg ShardGroup) *ShardGroupEvidence {
	for i := range ev {
		if ev[i].ShardGroup == sg {
			return &ev[i]
		}
	}
	return nil
}

// ShardGroups ...
func (ev Evidence) ShardGroups() ShardGroupSet {
	set := make(ShardGroupSet, 0, len(ev))
	for _, e := range ev {
		set = append(set, e.ShardGroup)
	}
	return set
}

// IsLocalOnly reports whether the local shard group is the only one involved.
func (ev Evidence) IsLocalOnly(local ShardGroup) bool {
	return len(ev) == 1 && ev[0].ShardGroup == local
}

// AllPrepared reports whether every shard group has a certified LocalPrepare.
func (ev Evidence) AllPrepared() bool {
	for _, e := range ev {
		if !e.IsPrepared() {
			return false
		}
	}
	return true
}

// AllAccepted reports whether every shard group has a certified LocalAccept.
func (ev Evidence) AllAccepted() bool {
	for _, e := range ev {
		if !e.IsAccepted() {
			return false
		}
	}
	return true
}

// ForeignAbort returns true if a shard group other than local pledged ABORT.
func (ev Evidence) ForeignAbort(local ShardGroup) bool {
	for _, e := range ev {
		if e.ShardGroup != local && e.Decision.IsAbort() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (ev Evidence) Clone() Evidence {
	res := make(Evidence, len(ev))
	for i, e := range ev {
		c := e
		c.Inputs = append([]InputEvidence(nil), e.Inputs...)
		c.Outputs = append([]SubstateID(nil), e.Outputs...)
		if e.PrepareQC != nil {
			h := *e.PrepareQC
			c.PrepareQC = &h
		}
		if e.AcceptQC != nil {
			h := *e.AcceptQC
			c.AcceptQC = &h
		}
		res[i] = c
	}
	return res
}
