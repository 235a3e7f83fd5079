package chain

// LeaderFunc returns the leader of a height in the local committee.
type LeaderFunc func(height NodeHeight) PublicKey

// NewDummyBlock creates the placeholder block a failed leader would have
// proposed. It carries no commands or signature and inherits the state root,
// timestamp and base layer anchor of its parent.
func NewDummyBlock(network Network,
	parent BlockID,
	proposedBy PublicKey,
	height NodeHeight,
	justify *QuorumCertificate,
	epoch Epoch,
	sg ShardGroup,
	parentStateRoot Hash,
	parentTimestamp uint64,
	parentBaseLayerHeight uint64,
	parentBaseLayerHash Hash,
) *Block {
	b := NewBlock(network, parent, justify, height, epoch, sg, proposedBy, nil,
		parentStateRoot, 0, nil, parentTimestamp, parentBaseLayerHeight, parentBaseLayerHash)
	b.Header.IsDummy = true
	return b
}

// CalculateDummyBlocks returns the dummy blocks at heights
// justify.BlockHeight+1 through upTo, chained on top of justifyBlock. Every
// dummy is justified by the same certificate. The result is empty if upTo is
// not above the justified height.
func CalculateDummyBlocks(network Network,
	justifyBlock *Block,
	justify *QuorumCertificate,
	upTo NodeHeight,
	leader LeaderFunc,
) []*Block {
	var dummies []*Block
	parent := justify.BlockID
	for h := justify.BlockHeight + 1; h <= upTo; h++ {
		dummy := NewDummyBlock(network,
			parent,
			leader(h),
			h,
			justify,
			justifyBlock.Epoch(),
			justifyBlock.ShardGroup(),
			justifyBlock.Header.StateMerkleRoot,
			justifyBlock.Header.Timestamp,
			justifyBlock.Header.BaseLayerBlockHeight,
			justifyBlock.Header.BaseLayerBlockHash,
		)
		dummy.Header.ForeignIndexes = justifyBlock.Header.ForeignIndexes
		dummies = append(dummies, dummy)
		parent = dummy.ID()
	}
	return dummies
}
