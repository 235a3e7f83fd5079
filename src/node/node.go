package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mosaicnetworks/shardbft/src/catchup"
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/net"
	_state "github.com/mosaicnetworks/shardbft/src/node/state"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// errQueueFull is returned to requesters when the inbound queue is full.
var errQueueFull = errors.New("inbound queue full")

// inbound is an item of the inbound queue: a message, with the RPC to answer
// if it is a request, or a transaction submitted by the application.
type inbound struct {
	env    *net.Envelope
	rpc    *net.RPC
	submit *chain.Transaction
}

type outbound struct {
	to  *peers.Peer
	env *net.Envelope
}

type syncResult struct {
	resp *net.SyncResponse
	err  error
}

// Node is a validator of one shard group. Network messages and application
// transactions are queued and processed one at a time by the consensus loop;
// outbound messages are delivered by a separate sender.
type Node struct {
	// The node is implemented as a state machine. The embedded state Manager
	// also manages the helper goroutines.
	_state.Manager

	conf   *config.Config
	logger *logrus.Entry

	validator *Validator

	core     *Core
	coreLock sync.Mutex

	trans  net.Transport
	netCh  <-chan net.RPC
	syncer *catchup.Syncer

	submitCh chan *chain.Transaction

	inbox     chan inbound
	outbox    chan outbound
	syncCh    chan syncResult
	seenVotes *lru.Cache

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	runWG    sync.WaitGroup

	start        time.Time
	syncRequests int
	syncErrors   int
}

// NewNode is a factory method that returns a Node instance.
func NewNode(conf *config.Config,
	validator *Validator,
	oracle peers.EpochOracle,
	store chain.Store,
	trans net.Transport,
) (*Node, error) {
	if conf.Executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}

	seenVotes, err := lru.New(conf.CacheSize)
	if err != nil {
		return nil, err
	}

	queue := conf.MaxPendingMessages
	if queue <= 0 {
		queue = config.DefaultMaxPendingMessages
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &Node{
		conf:      conf,
		validator: validator,
		trans:     trans,
		netCh:     trans.Consumer(),
		submitCh:  conf.Executor.SubmitCh(),
		inbox:     make(chan inbound, queue),
		outbox:    make(chan outbound, queue),
		syncCh:    make(chan syncResult, 1),
		seenVotes: seenVotes,
		ctx:       ctx,
		cancel:    cancel,
	}

	core, err := NewCore(conf, validator, oracle, store, node)
	if err != nil {
		cancel()
		return nil, err
	}
	node.core = core
	node.logger = core.logger
	node.syncer = catchup.NewSyncer(trans, validator.PublicKey(), conf.SyncTimeout, node.logger)

	return node, nil
}

// Init restores the uncommitted blocks of a bootstrapped node and sets the
// node Running.
func (n *Node) Init() error {
	if n.conf.Bootstrap {
		n.logger.Debug("Bootstrap")
		n.coreLock.Lock()
		err := n.core.Restore()
		n.coreLock.Unlock()
		if err != nil {
			return err
		}
	}
	n.coreLock.Lock()
	err := n.core.Start()
	n.coreLock.Unlock()
	if err != nil {
		return err
	}
	n.SetState(_state.Running)
	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	n.runWG.Add(1)
	go func() {
		defer n.runWG.Done()
		if err := n.run(); err != nil {
			n.logger.WithError(err).Error("Node stopped")
		}
	}()
}

// Run starts the transport listener, the leader timer, and the receiver,
// sender and consensus loops. It returns when the node is shut down, or with
// the error that stopped the consensus loop.
func (n *Node) Run() error {
	n.runWG.Add(1)
	defer n.runWG.Done()
	return n.run()
}

func (n *Node) run() error {
	n.start = time.Now()

	n.GoFunc(n.trans.Listen)
	n.GoFunc(n.core.pacemaker.Run)

	g, ctx := errgroup.WithContext(n.ctx)
	g.Go(func() error { return n.receive(ctx) })
	g.Go(func() error { return n.send(ctx) })
	g.Go(func() error { return n.loop(ctx) })

	err := g.Wait()
	if IsFatal(err) {
		n.logger.WithError(err).Error("Fatal error, stopping")
		n.stopOnce.Do(n.stop)
	}
	return err
}

// receive moves network messages and submitted transactions to the inbound
// queue. One-way messages are acknowledged as soon as they are queued;
// requests are answered by the consensus loop.
func (n *Node) receive(ctx context.Context) error {
	for {
		select {
		case rpc := <-n.netCh:
			n.enqueue(ctx, rpc)
		case tx := <-n.submitCh:
			select {
			case n.inbox <- inbound{submit: tx}:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) enqueue(ctx context.Context, rpc net.RPC) {
	env := rpc.Command
	if err := env.Validate(); err != nil {
		protocolViolationCounter.WithLabelValues(env.Kind().String()).Inc()
		rpc.Respond(nil, err)
		return
	}

	if env.IsRequest() {
		select {
		case n.inbox <- inbound{env: env, rpc: &rpc}:
		default:
			droppedMessagesCounter.WithLabelValues("in", env.Kind().String()).Inc()
			rpc.Respond(nil, errQueueFull)
		}
		return
	}

	rpc.Respond(nil, nil)

	if env.Vote != nil {
		key := voteKey(env.Vote.Vote)
		if ok, _ := n.seenVotes.ContainsOrAdd(key, struct{}{}); ok {
			return
		}
		select {
		case n.inbox <- inbound{env: env}:
		default:
			droppedMessagesCounter.WithLabelValues("in", env.Kind().String()).Inc()
		}
		return
	}

	select {
	case n.inbox <- inbound{env: env}:
	case <-ctx.Done():
	}
}

func voteKey(v *chain.Vote) string {
	return v.BlockID.String() + v.Signer().String() + strconv.Itoa(int(v.Decision))
}

// Send implements Outbox. It never blocks: messages are dropped when the
// sender falls behind.
func (n *Node) Send(to *peers.Peer, env *net.Envelope) {
	select {
	case n.outbox <- outbound{to: to, env: env}:
	default:
		droppedMessagesCounter.WithLabelValues("out", env.Kind().String()).Inc()
	}
}

// send delivers outbound messages. Responses to requests made by the core are
// queued back as inbound messages.
func (n *Node) send(ctx context.Context) error {
	for {
		select {
		case out := <-n.outbox:
			if !out.env.IsRequest() {
				if err := n.trans.Send(out.to.NetAddr, out.env); err != nil {
					n.logger.WithFields(logrus.Fields{
						"to":    out.to.NetAddr,
						"kind":  out.env.Kind(),
						"error": err,
					}).Debug("Send")
				}
				continue
			}
			n.GoFunc(func() {
				resp, err := n.trans.Request(out.to.NetAddr, out.env, n.conf.TCPTimeout)
				if err != nil {
					n.logger.WithFields(logrus.Fields{
						"to":    out.to.NetAddr,
						"kind":  out.env.Kind(),
						"error": err,
					}).Debug("Request")
					return
				}
				select {
				case n.inbox <- inbound{env: resp}:
				default:
					droppedMessagesCounter.WithLabelValues("in", resp.Kind().String()).Inc()
				}
			})
		case <-ctx.Done():
			return nil
		}
	}
}

// loop is the consensus loop. It is the only goroutine that drives the core
// state machine.
func (n *Node) loop(ctx context.Context) error {
	for {
		var err error
		select {
		case in := <-n.inbox:
			err = n.process(in)
		case <-n.core.pacemaker.TimeoutCh():
			n.coreLock.Lock()
			if n.GetState() == _state.Running {
				n.core.OnTimeout()
			}
			n.coreLock.Unlock()
		case res := <-n.syncCh:
			err = n.applySync(res)
		case <-ctx.Done():
			return nil
		}

		if err == nil {
			err = n.drainLoopback()
		}
		if err != nil {
			if IsFatal(err) {
				return err
			}
			n.logger.WithError(err).Error("Processing")
		}

		n.maybeSync(ctx)
	}
}

func (n *Node) process(in inbound) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if in.submit != nil {
		return n.core.SubmitTransaction(in.submit)
	}

	resp, err := n.core.Handle(in.env)
	if in.rpc != nil {
		in.rpc.Respond(resp, err)
		if err != nil && !IsFatal(err) {
			return nil
		}
	}
	return err
}

// drainLoopback handles the messages the core sent to itself, and those they
// produce in turn.
func (n *Node) drainLoopback() error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	for {
		envs := n.core.TakeLoopback()
		if len(envs) == 0 {
			return nil
		}
		for _, env := range envs {
			if _, err := n.core.Handle(env); err != nil {
				if IsFatal(err) {
					return err
				}
				n.logger.WithError(err).WithField("kind", env.Kind()).Error("Loopback")
			}
		}
	}
}

// maybeSync starts a sync round in a helper goroutine when the core found
// itself behind. Votes are suspended until the result is applied.
func (n *Node) maybeSync(ctx context.Context) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if n.GetState() != _state.Running || !n.core.NeedSync() {
		return
	}

	var targets []string
	for _, p := range n.core.Committee().Peers {
		if p.PubKey() != n.core.PublicKey() {
			targets = append(targets, p.NetAddr)
		}
	}
	if len(targets) == 0 {
		return
	}
	epoch := n.core.Epoch()
	highQC := n.core.SyncQC()

	n.SetState(_state.Syncing)
	n.core.SetSyncing(true)
	n.syncRequests++

	launched := n.GoFunc(func() {
		resp, err := n.syncer.Sync(ctx, targets, epoch, highQC)
		select {
		case n.syncCh <- syncResult{resp: resp, err: err}:
		case <-ctx.Done():
		}
	})
	if !launched {
		n.SetState(_state.Running)
		n.core.SetSyncing(false)
	}
}

func (n *Node) applySync(res syncResult) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	n.SetState(_state.Running)
	n.core.SetSyncing(false)

	if res.err != nil {
		n.syncErrors++
		syncCounter.WithLabelValues("failed").Inc()
		n.logger.WithError(res.err).Debug("Sync")
		return nil
	}
	return n.core.ApplySync(res.resp)
}

// SubmitTransaction queues a transaction as if the application had submitted
// it.
func (n *Node) SubmitTransaction(tx *chain.Transaction) error {
	select {
	case n.inbox <- inbound{submit: tx}:
		return nil
	default:
		return errQueueFull
	}
}

// Shutdown stops the loops, the leader timer and the transport, and waits
// for Run to return.
func (n *Node) Shutdown() {
	n.stopOnce.Do(n.stop)
	n.runWG.Wait()
}

func (n *Node) stop() {
	n.logger.Info("SHUTDOWN")

	n.SetState(_state.Shutdown)
	n.cancel()
	n.core.pacemaker.Shutdown()
	n.trans.Close()
	n.WaitRoutines()
}

// GetStats returns information about the node.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	timeElapsed := time.Since(n.start)
	st := n.core.ChainState()
	committed, aborted := n.core.CommittedTransactions()

	s := map[string]string{
		"state":                 n.GetState().String(),
		"moniker":               n.validator.Moniker,
		"id":                    n.core.PublicKey().String(),
		"shard_group":           n.core.ShardGroup().String(),
		"epoch":                 strconv.FormatUint(uint64(n.core.Epoch()), 10),
		"leaf_height":           strconv.FormatUint(uint64(st.LeafHeight), 10),
		"last_committed_height": strconv.FormatUint(uint64(st.LastCommittedHeight), 10),
		"high_qc_height":        strconv.FormatUint(uint64(st.HighQC.BlockHeight), 10),
		"locked_qc_height":      strconv.FormatUint(uint64(st.LockedQC.BlockHeight), 10),
		"current_height":        strconv.FormatUint(uint64(n.core.Pacemaker().CurrentHeight()), 10),
		"pool_size":             strconv.Itoa(n.core.Pool().Len()),
		"deferred_blocks":       strconv.Itoa(n.core.Deferred()),
		"foreign_buffered":      strconv.Itoa(n.core.ForeignBuffered()),
		"committed_txs":         strconv.Itoa(committed),
		"aborted_txs":           strconv.Itoa(aborted),
		"suspended":             strconv.Itoa(len(n.core.Suspended())),
		"epoch_ended":           strconv.FormatBool(n.core.EpochEnded()),
		"sync_requests":         strconv.Itoa(n.syncRequests),
		"sync_errors":           strconv.Itoa(n.syncErrors),
		"time_elapsed":          strconv.FormatFloat(timeElapsed.Seconds(), 'f', 2, 64),
	}
	return s
}

// GetCommittedBlock returns the block committed at a height.
func (n *Node) GetCommittedBlock(height chain.NodeHeight) (*chain.Block, error) {
	return n.core.Store().GetCommittedBlock(height)
}

// GetTransaction returns a stored transaction and its outcome, if final.
func (n *Node) GetTransaction(id chain.TransactionID) (*chain.TransactionRecord, error) {
	return n.core.Store().GetTransaction(id)
}

// GetChainState returns the chain pointers.
func (n *Node) GetChainState() chain.ChainState {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.ChainState()
}

// QueueMint schedules the mint of a local substate.
func (n *Node) QueueMint(id chain.SubstateID) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.QueueMint(id)
}

// QueueSuspend schedules the suspension or resumption of a validator.
func (n *Node) QueueSuspend(pk chain.PublicKey, suspend bool) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.QueueSuspend(pk, suspend)
}

// QueueEndEpoch schedules the end of the epoch.
func (n *Node) QueueEndEpoch() error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.QueueEndEpoch()
}

// ConfirmForeign replays foreign proposals buffered until the oracle learned
// the committee of (epoch, sg).
func (n *Node) ConfirmForeign(epoch chain.Epoch, sg chain.ShardGroup) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.ConfirmForeign(epoch, sg)
}

// Core returns the consensus state machine. Callers must not use it while
// the node runs.
func (n *Node) Core() *Core {
	return n.core
}

// GetSubstate returns the latest version of a local substate.
func (n *Node) GetSubstate(id chain.SubstateID) (*chain.Substate, error) {
	return n.core.Store().GetLatestSubstate(id)
}
