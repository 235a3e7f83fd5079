package chain

import "fmt"

// ForeignProposal is a committed block of another shard group, together with
// the certificate that justifies it and the pledges it makes to the
// receiving shard group.
type ForeignProposal struct {
	ShardGroup  ShardGroup
	Block       *Block
	JustifyQC   *QuorumCertificate
	BlockPledge []TransactionPledge
}

// ID ...
func (fp *ForeignProposal) ID() BlockID {
	return fp.Block.ID()
}

// Pledges returns the pledges made for a transaction.
func (fp *ForeignProposal) Pledges(id TransactionID) []SubstatePledge {
	for _, tp := range fp.BlockPledge {
		if tp.TransactionID == id {
			return tp.Pledges
		}
	}
	return nil
}

// Validate checks the internal consistency of the proposal, not its
// certificate.
func (fp *ForeignProposal) Validate() error {
	if fp.Block == nil || fp.JustifyQC == nil {
		return fmt.Errorf("foreign proposal without block or certificate")
	}
	if fp.Block.ShardGroup() != fp.ShardGroup {
		return fmt.Errorf("foreign proposal from %s carries block of %s", fp.ShardGroup, fp.Block.ShardGroup())
	}
	if fp.JustifyQC.BlockID != fp.Block.ID() {
		return fmt.Errorf("foreign proposal certificate is for block %s, not %s", fp.JustifyQC.BlockID.Short(), fp.Block.ID().Short())
	}
	if fp.JustifyQC.ShardGroup != fp.ShardGroup || fp.JustifyQC.Epoch != fp.Block.Epoch() {
		return fmt.Errorf("foreign proposal certificate scope mismatch")
	}
	if fp.JustifyQC.Decision != Accept {
		return fmt.Errorf("foreign proposal certificate does not accept the block")
	}
	return fp.Block.VerifyCommands()
}

// String ...
func (fp *ForeignProposal) String() string {
	return fmt.Sprintf("ForeignProposal(%s, %s, %d pledges)", fp.ShardGroup, fp.Block, len(fp.BlockPledge))
}
