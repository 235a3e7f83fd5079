package pacemaker

import (
	"encoding/binary"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/sirupsen/logrus"
)

// maxNewViewHeights bounds the heights for which NewView messages are kept.
const maxNewViewHeights = 16

// LeaderSeed is the deterministic seed of the leader of a height:
// SHA256(epoch || shard group || height), first 8 bytes, big endian.
func LeaderSeed(epoch chain.Epoch, sg chain.ShardGroup, height chain.NodeHeight) uint64 {
	data := make([]byte, 20)
	binary.BigEndian.PutUint64(data[0:8], uint64(epoch))
	binary.BigEndian.PutUint32(data[8:12], uint32(sg))
	binary.BigEndian.PutUint64(data[12:20], uint64(height))
	return binary.BigEndian.Uint64(crypto.SHA256(data)[:8])
}

// Leader returns the stake-weighted leader of a height. Every validator
// computes the same answer from the committee alone.
func Leader(committee *peers.PeerSet, height chain.NodeHeight) *peers.Peer {
	return committee.Leader(LeaderSeed(committee.Epoch, committee.ShardGroup, height))
}

// Pacemaker holds the view state of a node. It is driven by the consensus
// loop and is not safe for concurrent use, except for the timer.
type Pacemaker struct {
	currentHeight   chain.NodeHeight
	lastVotedHeight chain.NodeHeight
	lockedQC        *chain.QuorumCertificate

	timeout time.Duration
	timer   *ControlTimer
	rule    peers.QuorumRule

	newViews map[chain.NodeHeight]map[chain.PublicKey]*chain.QuorumCertificate
	fired    map[chain.NodeHeight]bool

	logger *logrus.Entry
}

// New returns a pacemaker resuming from persisted state.
func New(timeout time.Duration,
	rule peers.QuorumRule,
	lockedQC *chain.QuorumCertificate,
	lastVotedHeight chain.NodeHeight,
	currentHeight chain.NodeHeight,
	logger *logrus.Entry,
) *Pacemaker {
	return &Pacemaker{
		currentHeight:   currentHeight,
		lastVotedHeight: lastVotedHeight,
		lockedQC:        lockedQC,
		timeout:         timeout,
		timer:           NewLeaderTimer(),
		rule:            rule,
		newViews:        make(map[chain.NodeHeight]map[chain.PublicKey]*chain.QuorumCertificate),
		fired:           make(map[chain.NodeHeight]bool),
		logger:          logger.WithField("prefix", "pacemaker"),
	}
}

// Run runs the leader timer until Shutdown.
func (p *Pacemaker) Run() {
	p.timer.Run(p.timeout)
}

// Shutdown stops the leader timer.
func (p *Pacemaker) Shutdown() {
	p.timer.Shutdown()
}

// TimeoutCh fires when the leader of the current height failed to make
// progress in time.
func (p *Pacemaker) TimeoutCh() <-chan struct{} {
	return p.timer.TickCh()
}

// Timeout ...
func (p *Pacemaker) Timeout() time.Duration {
	return p.timeout
}

// CurrentHeight is the height the node expects the next proposal for.
func (p *Pacemaker) CurrentHeight() chain.NodeHeight {
	return p.currentHeight
}

// LastVotedHeight ...
func (p *Pacemaker) LastVotedHeight() chain.NodeHeight {
	return p.lastVotedHeight
}

// LockedQC ...
func (p *Pacemaker) LockedQC() *chain.QuorumCertificate {
	return p.lockedQC
}

// advance moves to height h if it is higher than the current one and resets
// the leader timer.
func (p *Pacemaker) advance(h chain.NodeHeight) bool {
	if h <= p.currentHeight {
		return false
	}
	p.currentHeight = h
	p.timer.Reset(p.timeout)
	p.logger.WithField("height", h).Debug("Advance")
	return true
}

// OnQC advances to the height following a valid certificate. The locked QC
// follows the highest certificate seen.
func (p *Pacemaker) OnQC(qc *chain.QuorumCertificate) bool {
	if qc.Decision == chain.Accept && (p.lockedQC == nil || qc.BlockHeight > p.lockedQC.BlockHeight) {
		p.lockedQC = qc
	}
	return p.advance(qc.BlockHeight + 1)
}

// OnBlock advances past the height of a block the node accepted.
func (p *Pacemaker) OnBlock(height chain.NodeHeight) bool {
	return p.advance(height + 1)
}

// OnTimeout skips the leader of the current height and returns the new
// current height.
func (p *Pacemaker) OnTimeout() chain.NodeHeight {
	p.currentHeight++
	p.timer.Reset(p.timeout)
	p.logger.WithField("height", p.currentHeight).Debug("Leader timeout")
	return p.currentHeight
}

// ResetTimer rearms the leader timer without changing height.
func (p *Pacemaker) ResetTimer() {
	p.timer.Reset(p.timeout)
}

// SafeToVote is the voting rule: the block must be above the last voted
// height and its justify QC must not be below the locked QC.
func (p *Pacemaker) SafeToVote(height chain.NodeHeight, justify *chain.QuorumCertificate) bool {
	if height <= p.lastVotedHeight {
		return false
	}
	if p.lockedQC != nil && justify.BlockHeight < p.lockedQC.BlockHeight {
		return false
	}
	return true
}

// RecordVote ...
func (p *Pacemaker) RecordVote(height chain.NodeHeight) {
	if height > p.lastVotedHeight {
		p.lastVotedHeight = height
	}
}

// OnNewView records a NewView from a committee member for a height and
// returns the highest certificate carried by the NewViews once they reach a
// quorum. It returns nil before that, and after the quorum was reported
// once.
func (p *Pacemaker) OnNewView(committee *peers.PeerSet,
	from chain.PublicKey,
	height chain.NodeHeight,
	highQC *chain.QuorumCertificate,
) *chain.QuorumCertificate {
	if !committee.Contains(from) || p.fired[height] || height+maxNewViewHeights < p.currentHeight {
		return nil
	}

	views, ok := p.newViews[height]
	if !ok {
		views = make(map[chain.PublicKey]*chain.QuorumCertificate)
		p.newViews[height] = views
		p.prune()
	}
	views[from] = highQC

	signers := make([]chain.PublicKey, 0, len(views))
	var best *chain.QuorumCertificate
	for pk, qc := range views {
		signers = append(signers, pk)
		if best == nil || qc.BlockHeight > best.BlockHeight {
			best = qc
		}
	}
	if !committee.HasQuorum(signers, p.rule) {
		return nil
	}

	p.fired[height] = true
	delete(p.newViews, height)
	p.logger.WithFields(logrus.Fields{
		"height":  height,
		"high_qc": best,
	}).Debug("NewView quorum")
	return best
}

func (p *Pacemaker) prune() {
	for len(p.newViews) > maxNewViewHeights {
		var lowest chain.NodeHeight
		first := true
		for h := range p.newViews {
			if first || h < lowest {
				lowest = h
				first = false
			}
		}
		delete(p.newViews, lowest)
	}
	for h := range p.fired {
		if h+maxNewViewHeights < p.currentHeight {
			delete(p.fired, h)
		}
	}
}
