package node

import (
	"fmt"
	"sort"

	"github.com/mosaicnetworks/shardbft/src/catchup"
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/foreign"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/mosaicnetworks/shardbft/src/pacemaker"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/pledge"
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/mosaicnetworks/shardbft/src/quorum"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/sirupsen/logrus"
)

// maxDeferred bounds the number of parked proposals. The lowest are evicted.
const maxDeferred = 128

// Outbox delivers the messages produced by the core. Send must not block.
type Outbox interface {
	Send(to *peers.Peer, env *net.Envelope)
}

type deferredBlock struct {
	block     *chain.Block
	from      chain.PublicKey
	vote      bool
	requested bool
}

// idleSlot is a height the node leads but had nothing to propose for.
type idleSlot struct {
	height  chain.NodeHeight
	justify *chain.QuorumCertificate
}

// Core is the consensus state machine of one validator in one shard group.
// It is not safe for concurrent use: the node loop drives it from a single
// goroutine.
type Core struct {
	validator  *Validator
	pubKey     chain.PublicKey
	network    chain.Network
	epoch      chain.Epoch
	shardGroup chain.ShardGroup
	maxCmds    int

	oracle    peers.EpochOracle
	committee *peers.PeerSet
	store     chain.Store
	ledger    *ledger.View
	pledges   *pledge.Table
	pool      *txpool.Pool
	quorum    *quorum.Engine
	pacemaker *pacemaker.Pacemaker
	foreign   *foreign.Coordinator
	catchup   *catchup.Service
	executor  proxy.Executor
	outbox    Outbox

	state       *chain.ChainState
	blockDiffs  map[chain.BlockID][]appliedDiff
	uncommitted map[chain.NodeHeight][]chain.BlockID
	deferred    map[chain.BlockID]*deferredBlock
	idle        *idleSlot
	proposed    chain.NodeHeight
	needSync    bool
	syncing     bool
	requestID   uint32

	// administrative commands waiting for a proposal
	mints      []chain.SubstateID
	admin      []chain.Command
	suspended  map[chain.PublicKey]bool
	epochEnded bool

	committedTransactions int
	abortedTransactions   int

	loopback []*net.Envelope

	logger *logrus.Entry
}

// NewCore creates the core of a validator. The validator must belong to a
// committee of the configured epoch.
func NewCore(conf *config.Config,
	validator *Validator,
	oracle peers.EpochOracle,
	store chain.Store,
	outbox Outbox,
) (*Core, error) {
	network, err := conf.ChainNetwork()
	if err != nil {
		return nil, err
	}
	rule, err := conf.Rule()
	if err != nil {
		return nil, err
	}

	epoch := chain.Epoch(conf.Epoch)
	pk := validator.PublicKey()
	sg, ok := oracle.ShardGroupOf(epoch, pk)
	if !ok {
		return nil, fmt.Errorf("validator %s is not in any committee of epoch %d", pk.Short(), epoch)
	}
	committee, err := oracle.Committee(epoch, sg)
	if err != nil {
		return nil, err
	}

	logger := conf.Logger().WithFields(logrus.Fields{
		"sg":    sg,
		"this":  pk.Short(),
		"epoch": epoch,
	})

	core := &Core{
		validator:   validator,
		pubKey:      pk,
		network:     network,
		epoch:       epoch,
		shardGroup:  sg,
		maxCmds:     conf.MaxBlockCommands,
		oracle:      oracle,
		committee:   committee,
		store:       store,
		ledger:      ledger.NewView(store, sg, conf.NumPreshards),
		pledges:     pledge.NewTable(),
		pool:        txpool.NewPool(sg, logger),
		catchup:     catchup.NewService(store, conf.SyncLimit, logger),
		executor:    conf.Executor,
		outbox:      outbox,
		blockDiffs:  make(map[chain.BlockID][]appliedDiff),
		uncommitted: make(map[chain.NodeHeight][]chain.BlockID),
		deferred:    make(map[chain.BlockID]*deferredBlock),
		suspended:   make(map[chain.PublicKey]bool),
		logger:      logger,
	}

	if err := core.loadState(); err != nil {
		return nil, err
	}

	core.quorum = quorum.NewEngine(sg, oracle, keys.Secp256k1Verifier{}, rule,
		conf.MaxPendingVotes, conf.CacheSize, core.state.HighQC, logger)
	core.pacemaker = pacemaker.New(conf.LeaderTimeout, rule, core.state.LockedQC,
		core.state.LastVotedHeight, core.state.HighQC.BlockHeight+1, logger)
	core.foreign = foreign.NewCoordinator(sg, oracle, core.quorum, store, core.pledges,
		core.pool, conf.MaxForeignBuffered, logger)

	return core, nil
}

// loadState reads the chain pointers, writing the genesis block first if the
// store is empty.
func (c *Core) loadState() error {
	state, err := c.store.GetChainState()
	if err == nil {
		c.state = state
		c.logger.WithFields(logrus.Fields{
			"leaf":           state.LeafHeight,
			"last_committed": state.LastCommittedHeight,
		}).Debug("Loaded chain state")
		return nil
	}
	if !common.IsStore(err, common.Empty) {
		return err
	}

	genesis := chain.Genesis(c.network, c.epoch, c.shardGroup)
	if err := c.store.SetBlock(genesis); err != nil {
		return err
	}
	if err := c.store.SetCommitted(genesis); err != nil {
		return err
	}
	qc := chain.GenesisQC(genesis)
	if err := c.store.SetQC(qc); err != nil {
		return err
	}
	c.state = &chain.ChainState{
		HighQC:        qc,
		LockedQC:      qc,
		Leaf:          genesis.ID(),
		LastCommitted: genesis.ID(),
	}
	c.logger.WithField("genesis", genesis.ID().Short()).Debug("Bootstrap genesis")
	return c.store.SetChainState(c.state)
}

// Restore replays the blocks that were validated but not committed before a
// restart, so that their pending updates, locks and diffs are known again.
func (c *Core) Restore() error {
	var blocks []*chain.Block
	id := c.state.Leaf
	for !c.store.IsCommitted(id) {
		b, err := c.store.GetBlock(id)
		if err != nil {
			return fatalf(err, "loading uncommitted block %s", id.Short())
		}
		blocks = append(blocks, b)
		id = b.ParentID()
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.IsDummy() {
			c.trackUncommitted(b)
			continue
		}
		for _, txID := range b.TransactionIDs() {
			if rec, err := c.store.GetTransaction(txID); err == nil {
				c.addTransaction(rec.Transaction)
			}
		}
		for _, cmd := range b.Commands {
			if cmd.Kind != chain.ForeignProposalCmd {
				continue
			}
			if err := c.foreign.Reload(cmd.ForeignProposal.BlockID); err != nil {
				c.logger.WithError(err).Warn("Reloading foreign proposal")
			}
		}
		v, err := c.processBlock(b, chain.PublicKey{}, false, true)
		if err != nil {
			return err
		}
		if v.outcome != accept {
			c.logger.WithFields(logrus.Fields{
				"block":  b,
				"reason": v.reason,
			}).Warn("Uncommitted block not restored")
			break
		}
	}
	return nil
}

// Start proposes for the current height if this node leads it. With nothing
// to propose, the height is kept as an idle slot until work arrives.
func (c *Core) Start() error {
	h := c.pacemaker.CurrentHeight()
	if !c.isLeader(h) {
		return nil
	}
	return c.propose(h, c.quorum.HighQC(), false)
}

// PublicKey ...
func (c *Core) PublicKey() chain.PublicKey {
	return c.pubKey
}

// ShardGroup ...
func (c *Core) ShardGroup() chain.ShardGroup {
	return c.shardGroup
}

// Epoch ...
func (c *Core) Epoch() chain.Epoch {
	return c.epoch
}

// Committee ...
func (c *Core) Committee() *peers.PeerSet {
	return c.committee
}

// Pacemaker ...
func (c *Core) Pacemaker() *pacemaker.Pacemaker {
	return c.pacemaker
}

// Pool ...
func (c *Core) Pool() *txpool.Pool {
	return c.pool
}

// Store ...
func (c *Core) Store() chain.Store {
	return c.store
}

// ChainState returns a copy of the chain pointers.
func (c *Core) ChainState() chain.ChainState {
	return *c.state
}

// HighQC ...
func (c *Core) HighQC() *chain.QuorumCertificate {
	return c.quorum.HighQC()
}

// SyncQC returns the highest certificate whose block is stored locally. Sync
// requests ask for the blocks above it.
func (c *Core) SyncQC() *chain.QuorumCertificate {
	return c.state.HighQC
}

func (c *Core) leader(height chain.NodeHeight) *peers.Peer {
	return pacemaker.Leader(c.committee, height)
}

func (c *Core) leaderKey(height chain.NodeHeight) chain.PublicKey {
	return c.leader(height).PubKey()
}

func (c *Core) isLeader(height chain.NodeHeight) bool {
	return c.leaderKey(height) == c.pubKey
}

func (c *Core) saveState() error {
	if err := c.store.SetChainState(c.state); err != nil {
		return fatalf(err, "writing chain state")
	}
	heightGauge.WithLabelValues("leaf").Set(float64(c.state.LeafHeight))
	heightGauge.WithLabelValues("committed").Set(float64(c.state.LastCommittedHeight))
	heightGauge.WithLabelValues("high_qc").Set(float64(c.state.HighQC.BlockHeight))
	heightGauge.WithLabelValues("locked_qc").Set(float64(c.state.LockedQC.BlockHeight))
	return nil
}

// send routes a message to a validator. Messages for the local validator go
// through the loopback queue so that handlers never recurse.
func (c *Core) send(to *peers.Peer, env *net.Envelope) {
	env.From = c.pubKey
	if to.PubKey() == c.pubKey {
		c.loopback = append(c.loopback, env)
		return
	}
	c.outbox.Send(to, env)
}

// broadcast sends a message to every other member of a committee.
func (c *Core) broadcast(committee *peers.PeerSet, env *net.Envelope) {
	for _, p := range committee.Peers {
		if p.PubKey() == c.pubKey {
			continue
		}
		c.send(p, env)
	}
}

// SetSyncing stops votes while the node replays blocks from a peer.
func (c *Core) SetSyncing(syncing bool) {
	c.syncing = syncing
}

// TakeLoopback returns and clears the messages the core sent to itself.
func (c *Core) TakeLoopback() []*net.Envelope {
	res := c.loopback
	c.loopback = nil
	return res
}

// NeedSync reports, and clears, a request to sync from the committee.
func (c *Core) NeedSync() bool {
	res := c.needSync
	c.needSync = false
	return res
}

// SubmitTransaction adds a transaction submitted to this node and relays it to
// the committees of every shard group it involves.
func (c *Core) SubmitTransaction(tx *chain.Transaction) error {
	involved := tx.InvolvedShardGroups(c.groupOf)
	if len(involved) == 0 {
		return fmt.Errorf("transaction %s has no inputs or outputs", tx.ID().Short())
	}
	env := &net.Envelope{NewTransaction: &net.NewTransaction{Transaction: tx}}
	for _, sg := range involved {
		committee, err := c.oracle.Committee(c.epoch, sg)
		if err != nil {
			return err
		}
		c.broadcast(committee, env)
	}
	return c.OnTransaction(tx)
}

// OnTransaction adds a transaction relayed by another validator.
func (c *Core) OnTransaction(tx *chain.Transaction) error {
	if c.addTransaction(tx) {
		if err := c.retryDeferred(); err != nil {
			return err
		}
		return c.tryIdle()
	}
	return nil
}

func (c *Core) groupOf(id chain.SubstateID) chain.ShardGroup {
	return c.oracle.ShardGroupFor(c.epoch, id)
}

// addTransaction puts a transaction in the pool if it involves the local shard
// group and is not finalised yet. It returns true if the pool changed.
func (c *Core) addTransaction(tx *chain.Transaction) bool {
	id := tx.ID()
	if rec, err := c.store.GetTransaction(id); err == nil && rec.IsFinalized() {
		return false
	}
	evidence := chain.NewEvidence(tx, c.groupOf)
	if evidence.Get(c.shardGroup) == nil {
		return false
	}
	if _, added := c.pool.Add(tx, evidence); !added {
		return false
	}
	if err := c.store.SetTransaction(&chain.TransactionRecord{Transaction: tx}); err != nil {
		c.logger.WithError(err).Error("Storing transaction")
	}
	return true
}

// QueueMint schedules a MintConfidentialOutput command for a local substate.
func (c *Core) QueueMint(id chain.SubstateID) error {
	if !c.ledger.IsLocal(id) {
		return fmt.Errorf("substate %s does not belong to shard group %s", id.Short(), c.shardGroup)
	}
	c.mints = append(c.mints, id)
	return c.tryIdle()
}

// QueueSuspend schedules a SuspendNode or ResumeNode command.
func (c *Core) QueueSuspend(pk chain.PublicKey, suspend bool) error {
	if !c.committee.Contains(pk) {
		return fmt.Errorf("validator %s is not in the committee", pk.Short())
	}
	kind := chain.ResumeNode
	if suspend {
		kind = chain.SuspendNode
	}
	c.admin = append(c.admin, chain.Command{Kind: kind, Validator: &chain.ValidatorAtom{PublicKey: pk}})
	return c.tryIdle()
}

// QueueEndEpoch schedules an EndEpoch command.
func (c *Core) QueueEndEpoch() error {
	c.admin = append(c.admin, chain.Command{Kind: chain.EndEpoch})
	return c.tryIdle()
}

// Suspended returns the validators suspended by committed commands.
func (c *Core) Suspended() []chain.PublicKey {
	res := make([]chain.PublicKey, 0, len(c.suspended))
	for pk := range c.suspended {
		res = append(res, pk)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Less(res[j]) })
	return res
}

// EpochEnded reports whether an EndEpoch command was committed.
func (c *Core) EpochEnded() bool {
	return c.epochEnded
}

// Deferred returns the number of parked proposals.
func (c *Core) Deferred() int {
	return len(c.deferred)
}

// ForeignBuffered returns the number of foreign proposals waiting for their
// committee.
func (c *Core) ForeignBuffered() int {
	return c.foreign.Buffered()
}

// CommittedTransactions returns the number of transactions finalised with
// COMMIT and ABORT since the node started.
func (c *Core) CommittedTransactions() (committed int, aborted int) {
	return c.committedTransactions, c.abortedTransactions
}
