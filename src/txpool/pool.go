package txpool

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/sirupsen/logrus"
)

const defaultTreeDegree = 16

// ForeignEvidence is what a foreign shard group certified about a
// transaction in one of its blocks.
type ForeignEvidence struct {
	ShardGroup chain.ShardGroup
	// Kind is LocalPrepare or LocalAccept.
	Kind     chain.CommandKind
	QC       chain.Hash
	Decision chain.Decision
}

// Pool holds the records of a shard group ordered by transaction id. Writes
// come from the consensus loop only; the lock lets other goroutines read.
type Pool struct {
	sync.RWMutex
	shardGroup chain.ShardGroup
	records    *btree.BTreeG[*Record]
	byID       map[chain.TransactionID]*Record
	// evidence received for transactions not in the pool yet
	orphans map[chain.TransactionID][]ForeignEvidence
	logger  *logrus.Entry
}

// NewPool creates an empty pool for the shard group sg.
func NewPool(sg chain.ShardGroup, logger *logrus.Entry) *Pool {
	return &Pool{
		shardGroup: sg,
		records:    btree.NewG(defaultTreeDegree, (*Record).Less),
		byID:       make(map[chain.TransactionID]*Record),
		orphans:    make(map[chain.TransactionID][]ForeignEvidence),
		logger:     logger.WithField("prefix", "txpool"),
	}
}

// Add inserts a transaction with a copy of its initial evidence. It returns
// the existing record and false if the transaction is already known.
func (p *Pool) Add(tx *chain.Transaction, evidence chain.Evidence) (*Record, bool) {
	p.Lock()
	defer p.Unlock()

	id := tx.ID()
	if rec, ok := p.byID[id]; ok {
		return rec, false
	}

	rec := newRecord(tx, evidence.Clone(), p.shardGroup)
	p.records.ReplaceOrInsert(rec)
	p.byID[id] = rec
	poolSizeGauge.Set(float64(len(p.byID)))

	for _, ev := range p.orphans[id] {
		p.mergeForeign(rec, ev)
	}
	delete(p.orphans, id)

	p.logger.WithFields(logrus.Fields{
		"tx":         id.Short(),
		"local_only": rec.localOnly,
	}).Debug("Add transaction")

	return rec, true
}

// Get ...
func (p *Pool) Get(id chain.TransactionID) (*Record, bool) {
	p.RLock()
	defer p.RUnlock()
	rec, ok := p.byID[id]
	return rec, ok
}

// Len returns the number of records.
func (p *Pool) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.byID)
}

// Ascend calls f on every record in transaction id order until f returns
// false.
func (p *Pool) Ascend(f func(*Record) bool) {
	p.RLock()
	defer p.RUnlock()
	p.records.Ascend(f)
}

// ReadyRecords returns the unfinalized records without a pending update on
// the chain, in transaction id order.
func (p *Pool) ReadyRecords(includes func(chain.BlockID) bool) []*Record {
	var res []*Record
	p.Ascend(func(r *Record) bool {
		if r.IsReady(includes) {
			res = append(res, r)
		}
		return true
	})
	return res
}

// Remove deletes a record.
func (p *Pool) Remove(id chain.TransactionID) {
	p.Lock()
	defer p.Unlock()
	if rec, ok := p.byID[id]; ok {
		p.records.Delete(rec)
		delete(p.byID, id)
		poolSizeGauge.Set(float64(len(p.byID)))
	}
}

// AddPending records the effect of a command in an uncommitted block. An
// update for the same block replaces the previous one.
func (p *Pool) AddPending(id chain.TransactionID, u Update) error {
	p.Lock()
	defer p.Unlock()

	rec, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("transaction %s not in pool", id.Short())
	}
	if u.Stage.Rank() < rec.Stage.Rank() {
		return ErrStageRegression
	}
	for i := range rec.pending {
		if rec.pending[i].BlockID == u.BlockID {
			rec.pending[i] = u
			return nil
		}
	}
	if rec.OriginalDecision.Result == chain.Unknown {
		rec.OriginalDecision = u.Decision
	}
	rec.pending = append(rec.pending, u)
	return nil
}

// DropBlock removes the pending updates of a block abandoned by a commit.
func (p *Pool) DropBlock(block chain.BlockID) {
	p.Lock()
	defer p.Unlock()
	for _, rec := range p.byID {
		dropPending(rec, block)
	}
}

func dropPending(rec *Record, block chain.BlockID) {
	kept := rec.pending[:0]
	for _, u := range rec.pending {
		if u.BlockID != block {
			kept = append(kept, u)
		}
	}
	rec.pending = kept
}

// Commit moves the pending updates of a committed block into the committed
// state of their records. qc is the id of the certificate over the block; it
// becomes the local prepare or accept evidence. The records finalized by the
// block are returned in command order.
func (p *Pool) Commit(block *chain.Block, qc chain.Hash) ([]*Record, error) {
	p.Lock()
	defer p.Unlock()

	var finalized []*Record
	for _, cmd := range block.Commands {
		id, ok := cmd.TransactionID()
		if !ok {
			continue
		}
		rec, ok := p.byID[id]
		if !ok {
			return finalized, fmt.Errorf("committed transaction %s not in pool", id.Short())
		}

		u := p.pendingFor(rec, block, cmd)
		if err := rec.setStage(u.Stage); err != nil {
			return finalized, fmt.Errorf("%s: %s -> %s: %v", id.Short(), rec.Stage, u.Stage, err)
		}
		if rec.OriginalDecision.Result == chain.Unknown {
			rec.OriginalDecision = u.Decision
		}
		rec.LocalDecision = stick(rec.LocalDecision, u.Decision)
		if u.Diff != nil {
			rec.Diff = u.Diff
		}
		if u.LeaderFee != nil {
			rec.LeaderFee = u.LeaderFee
		}

		if ev := rec.Evidence.Get(p.shardGroup); ev != nil {
			h := qc
			switch cmd.Kind {
			case chain.LocalPrepare:
				ev.PrepareQC = &h
				ev.Decision = stick(ev.Decision, u.Decision)
			case chain.LocalAccept:
				ev.AcceptQC = &h
				ev.Decision = stick(ev.Decision, u.Decision)
			}
		}

		dropPending(rec, block.ID())

		if u.Terminal {
			rec.Finalized = true
			finalized = append(finalized, rec)
			d := rec.Decision()
			finalizedCounter.WithLabelValues(d.Result.String()).Inc()
			if d.IsAbort() {
				abortsCounter.WithLabelValues(d.Reason.String()).Inc()
			}
		}

		p.logger.WithFields(logrus.Fields{
			"tx":       id.Short(),
			"stage":    rec.Stage,
			"decision": rec.Decision(),
			"block":    block.ID().Short(),
		}).Debug("Commit stage")
	}
	return finalized, nil
}

func (p *Pool) pendingFor(rec *Record, block *chain.Block, cmd chain.Command) Update {
	id := block.ID()
	for _, u := range rec.pending {
		if u.BlockID == id {
			return u
		}
	}
	stage, terminal := Transition(cmd.Kind, rec.localOnly)
	return Update{
		BlockID:   id,
		Height:    block.Height(),
		Kind:      cmd.Kind,
		Stage:     stage,
		Decision:  cmd.Transaction.Decision,
		LeaderFee: cmd.Transaction.LeaderFee,
		Terminal:  terminal,
	}
}

// MergeForeign folds foreign evidence into a record. Evidence for unknown
// transactions is kept until the transaction is added.
func (p *Pool) MergeForeign(id chain.TransactionID, ev ForeignEvidence) {
	p.Lock()
	defer p.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		p.orphans[id] = append(p.orphans[id], ev)
		return
	}
	p.mergeForeign(rec, ev)
}

func (p *Pool) mergeForeign(rec *Record, fe ForeignEvidence) {
	ev := rec.Evidence.Get(fe.ShardGroup)
	if ev == nil {
		p.logger.WithFields(logrus.Fields{
			"tx":          rec.ID().Short(),
			"shard_group": fe.ShardGroup,
		}).Debug("Evidence from uninvolved shard group")
		return
	}
	h := fe.QC
	switch fe.Kind {
	case chain.LocalPrepare:
		ev.PrepareQC = &h
	case chain.LocalAccept:
		ev.AcceptQC = &h
	}
	ev.Decision = stick(ev.Decision, fe.Decision)
	if fe.Decision.IsAbort() {
		rec.RemoteDecision = stick(rec.RemoteDecision, fe.Decision)
	} else if rec.RemoteDecision.Result == chain.Unknown {
		rec.RemoteDecision = fe.Decision
	}
}

// stick returns next unless cur is already an abort. Aborts are final.
func stick(cur, next chain.Decision) chain.Decision {
	if cur.IsAbort() {
		return cur
	}
	return next
}
