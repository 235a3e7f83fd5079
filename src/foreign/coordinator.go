package foreign

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/pledge"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of Receive.
type Result uint8

const (
	// Accepted means the proposal was verified and merged.
	Accepted Result = iota
	// Buffered means the sending committee is not known yet.
	Buffered
	// Duplicate means the proposal was already merged.
	Duplicate
	// Rejected means the proposal or its certificate is invalid.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// QCValidator checks a certificate against the committee that signed it.
type QCValidator interface {
	ValidateQC(qc *chain.QuorumCertificate) error
}

// TransactionSource returns a transaction and its evidence.
type TransactionSource func(id chain.TransactionID) (*chain.Transaction, chain.Evidence, bool)

type bufferKey struct {
	epoch chain.Epoch
	sg    chain.ShardGroup
}

// Coordinator receives and builds foreign proposals for one shard group.
type Coordinator struct {
	sync.Mutex

	shardGroup chain.ShardGroup
	oracle     peers.EpochOracle
	validator  QCValidator
	store      chain.Store
	pledges    *pledge.Table
	pool       *txpool.Pool

	maxBuffered int
	buffered    map[bufferKey][]*chain.ForeignProposal
	numBuffered int

	// merged proposals not yet carried by a committed ForeignProposal command
	pending []*chain.ForeignProposal

	logger *logrus.Entry
}

// NewCoordinator ...
func NewCoordinator(sg chain.ShardGroup,
	oracle peers.EpochOracle,
	validator QCValidator,
	store chain.Store,
	pledges *pledge.Table,
	pool *txpool.Pool,
	maxBuffered int,
	logger *logrus.Entry,
) *Coordinator {
	return &Coordinator{
		shardGroup:  sg,
		oracle:      oracle,
		validator:   validator,
		store:       store,
		pledges:     pledges,
		pool:        pool,
		maxBuffered: maxBuffered,
		buffered:    make(map[bufferKey][]*chain.ForeignProposal),
		logger:      logger.WithField("prefix", "foreign"),
	}
}

// Receive verifies a foreign proposal and merges its pledges and evidence.
func (c *Coordinator) Receive(fp *chain.ForeignProposal) (Result, error) {
	c.Lock()
	defer c.Unlock()

	res, err := c.receive(fp)
	receivedCounter.WithLabelValues(res.String()).Inc()
	return res, err
}

func (c *Coordinator) receive(fp *chain.ForeignProposal) (Result, error) {
	if err := fp.Validate(); err != nil {
		return Rejected, err
	}
	if fp.ShardGroup == c.shardGroup {
		return Rejected, fmt.Errorf("foreign proposal from the local shard group")
	}

	epoch := fp.Block.Epoch()
	if !c.oracle.IsKnown(epoch, fp.ShardGroup) {
		c.buffer(bufferKey{epoch, fp.ShardGroup}, fp)
		return Buffered, nil
	}

	if err := c.validator.ValidateQC(fp.JustifyQC); err != nil {
		return Rejected, err
	}

	if _, err := c.store.GetForeignProposal(fp.ID()); err == nil {
		return Duplicate, nil
	} else if !common.IsStore(err, common.KeyNotFound) {
		return Rejected, err
	}

	if err := c.store.SetForeignProposal(fp); err != nil {
		return Rejected, err
	}

	merged := c.merge(fp)
	c.pending = append(c.pending, fp)

	c.logger.WithFields(logrus.Fields{
		"shard_group": fp.ShardGroup,
		"block":       fp.ID().Short(),
		"height":      fp.Block.Height(),
		"merged":      merged,
	}).Debug("Foreign proposal accepted")

	return Accepted, nil
}

// merge folds the pledges and certified stages of the local shard group's
// transactions into the pledge table and the pool.
func (c *Coordinator) merge(fp *chain.ForeignProposal) int {
	qc := fp.JustifyQC.ID()
	merged := 0
	for _, cmd := range fp.Block.Commands {
		if cmd.Kind != chain.LocalPrepare && cmd.Kind != chain.LocalAccept {
			continue
		}
		atom := cmd.Transaction
		if atom.Evidence.Get(c.shardGroup) == nil {
			continue
		}
		c.pledges.AddForeignPledges(atom.ID, fp.ShardGroup, fp.Pledges(atom.ID))
		c.pool.MergeForeign(atom.ID, txpool.ForeignEvidence{
			ShardGroup: fp.ShardGroup,
			Kind:       cmd.Kind,
			QC:         qc,
			Decision:   atom.Decision,
		})
		merged++
	}
	return merged
}

func (c *Coordinator) buffer(key bufferKey, fp *chain.ForeignProposal) {
	if c.maxBuffered > 0 && c.numBuffered >= c.maxBuffered {
		c.logger.WithFields(logrus.Fields{
			"shard_group": fp.ShardGroup,
			"epoch":       key.epoch,
		}).Warn("Foreign proposal buffer full, dropping proposal")
		return
	}
	c.buffered[key] = append(c.buffered[key], fp)
	c.numBuffered++
	bufferedGauge.Set(float64(c.numBuffered))
}

// Confirm replays the proposals buffered for a committee that the oracle now
// knows. It returns the number of proposals accepted.
func (c *Coordinator) Confirm(epoch chain.Epoch, sg chain.ShardGroup) int {
	c.Lock()
	defer c.Unlock()

	key := bufferKey{epoch, sg}
	fps := c.buffered[key]
	if len(fps) == 0 || !c.oracle.IsKnown(epoch, sg) {
		return 0
	}
	delete(c.buffered, key)
	c.numBuffered -= len(fps)
	bufferedGauge.Set(float64(c.numBuffered))

	accepted := 0
	for _, fp := range fps {
		res, err := c.receive(fp)
		receivedCounter.WithLabelValues(res.String()).Inc()
		if err != nil {
			c.logger.WithError(err).Debug("Buffered foreign proposal rejected")
		}
		if res == Accepted {
			accepted++
		}
	}
	return accepted
}

// Buffered returns the number of proposals waiting for their committee.
func (c *Coordinator) Buffered() int {
	c.Lock()
	defer c.Unlock()
	return c.numBuffered
}

// Pending returns the merged proposals not yet carried by a committed
// ForeignProposal command, in arrival order.
func (c *Coordinator) Pending() []*chain.ForeignProposal {
	c.Lock()
	defer c.Unlock()
	return append([]*chain.ForeignProposal(nil), c.pending...)
}

// Has reports whether a foreign proposal was received and merged.
func (c *Coordinator) Has(id chain.BlockID) bool {
	_, err := c.store.GetForeignProposal(id)
	return err == nil
}

// Reload merges a stored proposal again and marks it pending. It is used after
// a restart for proposals carried by uncommitted blocks.
func (c *Coordinator) Reload(id chain.BlockID) error {
	c.Lock()
	defer c.Unlock()
	fp, err := c.store.GetForeignProposal(id)
	if err != nil {
		return err
	}
	for _, p := range c.pending {
		if p.ID() == id {
			return nil
		}
	}
	c.merge(fp)
	c.pending = append(c.pending, fp)
	return nil
}

// IsPending reports whether a merged proposal still waits for a committed
// ForeignProposal command.
func (c *Coordinator) IsPending(id chain.BlockID) bool {
	c.Lock()
	defer c.Unlock()
	for _, fp := range c.pending {
		if fp.ID() == id {
			return true
		}
	}
	return false
}

// Committed removes a proposal from the pending list once a committed block
// carries it.
func (c *Coordinator) Committed(id chain.BlockID) {
	c.Lock()
	defer c.Unlock()
	for i, fp := range c.pending {
		if fp.ID() == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Build returns the proposals to send for a committed block, keyed by
// foreign shard group. Pledges carry the values of the local inputs read from
// r, and the outputs the local shard group will produce.
func (c *Coordinator) Build(block *chain.Block,
	qc *chain.QuorumCertificate,
	txs TransactionSource,
	r ledger.Reader,
) (map[chain.ShardGroup]*chain.ForeignProposal, error) {

	res := make(map[chain.ShardGroup]*chain.ForeignProposal)
	for _, cmd := range block.Commands {
		if cmd.Kind != chain.LocalPrepare && cmd.Kind != chain.LocalAccept {
			continue
		}
		atom := cmd.Transaction
		tx, evidence, ok := txs(atom.ID)
		if !ok {
			return nil, fmt.Errorf("transaction %s of committed block %s unknown", atom.ID.Short(), block.ID().Short())
		}
		if evidence.IsLocalOnly(c.shardGroup) {
			continue
		}

		pledges, err := c.localPledges(tx, evidence, r)
		if err != nil {
			return nil, err
		}

		for _, sg := range evidence.ShardGroups() {
			if sg == c.shardGroup {
				continue
			}
			fp, ok := res[sg]
			if !ok {
				fp = &chain.ForeignProposal{
					ShardGroup: c.shardGroup,
					Block:      block,
					JustifyQC:  qc,
				}
				res[sg] = fp
			}
			fp.BlockPledge = append(fp.BlockPledge, chain.TransactionPledge{
				TransactionID: atom.ID,
				Pledges:       pledges,
			})
		}
	}
	return res, nil
}

func (c *Coordinator) localPledges(tx *chain.Transaction, evidence chain.Evidence, r ledger.Reader) ([]chain.SubstatePledge, error) {
	local := evidence.Get(c.shardGroup)
	if local == nil {
		return nil, nil
	}

	var pledges []chain.SubstatePledge
	for _, in := range local.Inputs {
		p := chain.SubstatePledge{
			Kind:    chain.InputPledge,
			ID:      in.ID,
			Version: in.Version,
			IsWrite: in.IsWrite,
		}
		s, err := r.Get(in.ID, in.Version)
		switch {
		case err == nil:
			p.Value = s.Value
		case common.IsStore(err, common.KeyNotFound):
			// The transaction aborts with INPUT_NOT_FOUND; the pledge carries
			// no value.
		default:
			return nil, err
		}
		pledges = append(pledges, p)
	}
	for _, out := range local.Outputs {
		pledges = append(pledges, chain.SubstatePledge{
			Kind: chain.OutputPledge,
			ID:   out,
		})
	}
	sort.Slice(pledges, func(i, j int) bool { return pledges[i].ID.Less(pledges[j].ID) })
	return pledges, nil
}

// Targets returns the shard groups of a proposal map in ascending order.
func Targets(fps map[chain.ShardGroup]*chain.ForeignProposal) []chain.ShardGroup {
	sgs := make([]chain.ShardGroup, 0, len(fps))
	for sg := range fps {
		sgs = append(sgs, sg)
	}
	sort.Slice(sgs, func(i, j int) bool { return sgs[i] < sgs[j] })
	return sgs
}
