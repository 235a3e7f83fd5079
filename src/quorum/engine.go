package quorum

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	votesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_quorum",
		Name:      "votes_total",
		Help:      "submitted votes by result",
	}, []string{"result"})
	qcCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft_quorum",
		Name:      "certificates_total",
		Help:      "quorum certificates formed locally",
	})
)

// Result is the outcome of SubmitVote.
type Result uint8

const (
	// Accepted means the vote was counted.
	Accepted Result = iota
	// AlreadyCertified means the block already has a certificate.
	AlreadyCertified
	// Rejected means the vote was discarded. Reason says why.
	Rejected
)

// String ...
func (r Result) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case AlreadyCertified:
		return "AlreadyCertified"
	case Rejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

// SubmitResult is returned by SubmitVote. QC is set when the vote completed
// a certificate.
type SubmitResult struct {
	Result Result
	Reason error
	QC     *chain.QuorumCertificate
}

type voteKey struct {
	block    chain.BlockID
	decision chain.QuorumDecision
}

type voteSet struct {
	height chain.NodeHeight
	epoch  chain.Epoch
	sigs   map[chain.PublicKey]chain.ValidatorSignature
}

// Engine aggregates the votes sent to the local node and tracks the high QC.
type Engine struct {
	sync.Mutex
	shardGroup chain.ShardGroup
	oracle     peers.EpochOracle
	verifier   keys.Verifier
	rule       peers.QuorumRule
	maxPending int

	highQC    *chain.QuorumCertificate
	certified map[chain.NodeHeight]chain.BlockID
	pending   map[voteKey]*voteSet
	order     []voteKey
	verified  *lru.Cache

	logger *logrus.Entry
}

// NewEngine creates an engine. maxPending bounds the number of blocks with
// outstanding votes; cacheSize bounds the verified certificate cache.
func NewEngine(sg chain.ShardGroup,
	oracle peers.EpochOracle,
	verifier keys.Verifier,
	rule peers.QuorumRule,
	maxPending int,
	cacheSize int,
	genesisQC *chain.QuorumCertificate,
	logger *logrus.Entry,
) *Engine {
	cache, err := lru.New(cacheSize)
	if err != nil {
		logger.WithError(err).Fatal("Unable to init verified certificate cache")
	}
	return &Engine{
		shardGroup: sg,
		oracle:     oracle,
		verifier:   verifier,
		rule:       rule,
		maxPending: maxPending,
		highQC:     genesisQC,
		certified:  map[chain.NodeHeight]chain.BlockID{genesisQC.BlockHeight: genesisQC.BlockID},
		pending:    make(map[voteKey]*voteSet),
		verified:   cache,
		logger:     logger.WithField("prefix", "quorum"),
	}
}

// HighQC returns the highest certificate seen.
func (e *Engine) HighQC() *chain.QuorumCertificate {
	e.Lock()
	defer e.Unlock()
	return e.highQC
}

// UpdateHighQC records a verified Accept certificate. It returns true if the
// certificate became the high QC.
func (e *Engine) UpdateHighQC(qc *chain.QuorumCertificate) bool {
	e.Lock()
	defer e.Unlock()
	return e.updateHighQC(qc)
}

func (e *Engine) updateHighQC(qc *chain.QuorumCertificate) bool {
	if qc.Decision != chain.Accept {
		return false
	}
	if _, ok := e.certified[qc.BlockHeight]; !ok {
		e.certified[qc.BlockHeight] = qc.BlockID
	}
	if qc.BlockHeight > e.highQC.BlockHeight {
		e.highQC = qc
		return true
	}
	return false
}

// SubmitVote verifies a vote and adds it to the set of votes for its block.
// Votes from the same signer are counted once.
func (e *Engine) SubmitVote(v *chain.Vote) SubmitResult {
	e.Lock()
	defer e.Unlock()

	res := e.submitVote(v)
	votesCounter.WithLabelValues(res.Result.String()).Inc()

	fields := logrus.Fields{
		"vote":   v,
		"result": res.Result,
	}
	if res.Reason != nil {
		fields["reason"] = res.Reason
	}
	e.logger.WithFields(fields).Debug("SubmitVote")

	return res
}

func (e *Engine) submitVote(v *chain.Vote) SubmitResult {
	if v.ShardGroup != e.shardGroup {
		return SubmitResult{Result: Rejected, Reason: ErrWrongShardGroup}
	}

	committee, err := e.oracle.Committee(v.Epoch, v.ShardGroup)
	if err != nil {
		return SubmitResult{Result: Rejected, Reason: err}
	}
	signer := v.Signer()
	if !committee.Contains(signer) {
		return SubmitResult{Result: Rejected, Reason: ErrNotMember}
	}

	if id, ok := e.certified[v.BlockHeight]; ok {
		if id == v.BlockID {
			return SubmitResult{Result: AlreadyCertified}
		}
		return SubmitResult{Result: Rejected, Reason: ErrConflict}
	}

	payload := v.Payload()
	if !e.verifier.Verify(payload[:], v.Signature.Signature, signer[:]) {
		return SubmitResult{Result: Rejected, Reason: ErrBadSignature}
	}

	key := voteKey{block: v.BlockID, decision: v.Decision}
	set, ok := e.pending[key]
	if !ok {
		set = &voteSet{
			height: v.BlockHeight,
			epoch:  v.Epoch,
			sigs:   make(map[chain.PublicKey]chain.ValidatorSignature),
		}
		e.pending[key] = set
		e.order = append(e.order, key)
		e.evict()
	}
	set.sigs[signer] = v.Signature

	signers := make([]chain.PublicKey, 0, len(set.sigs))
	for pk := range set.sigs {
		signers = append(signers, pk)
	}
	if !committee.HasQuorum(signers, e.rule) {
		return SubmitResult{Result: Accepted}
	}

	sort.Slice(signers, func(i, j int) bool { return signers[i].Less(signers[j]) })
	sigs := make([]chain.ValidatorSignature, len(signers))
	for i, pk := range signers {
		sigs[i] = set.sigs[pk]
	}
	qc := chain.NewQuorumCertificate(v.BlockID, v.BlockHeight, v.Epoch, v.ShardGroup, sigs, v.Decision)

	e.verified.Add(qc.ID(), true)
	e.removePending(key)
	e.updateHighQC(qc)
	qcCounter.Inc()

	e.logger.WithField("qc", qc).Debug("Formed certificate")

	return SubmitResult{Result: Accepted, QC: qc}
}

// evict drops the votes of the oldest blocks beyond maxPending.
func (e *Engine) evict() {
	for e.maxPending > 0 && len(e.order) > e.maxPending {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.pending, oldest)
	}
}

func (e *Engine) removePending(key voteKey) {
	delete(e.pending, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// PendingVotes returns the number of blocks with outstanding votes.
func (e *Engine) PendingVotes() int {
	e.Lock()
	defer e.Unlock()
	return len(e.pending)
}

// Prune forgets votes and certified heights below a committed height.
func (e *Engine) Prune(below chain.NodeHeight) {
	e.Lock()
	defer e.Unlock()
	for h := range e.certified {
		if h < below {
			delete(e.certified, h)
		}
	}
	kept := e.order[:0]
	for _, k := range e.order {
		if e.pending[k].height < below {
			delete(e.pending, k)
			continue
		}
		kept = append(kept, k)
	}
	e.order = kept
}

// ValidateQC verifies a certificate against the committee of its epoch and
// shard group: distinct member signers reaching the quorum rule, matching
// leaf hashes and valid signatures over the vote payload. Genesis
// certificates carry no signatures and are accepted as is.
func (e *Engine) ValidateQC(qc *chain.QuorumCertificate) error {
	if qc.IsGenesis() {
		return nil
	}
	if e.verified.Contains(qc.ID()) {
		return nil
	}

	committee, err := e.oracle.Committee(qc.Epoch, qc.ShardGroup)
	if err != nil {
		return err
	}

	if len(qc.LeafHashes) != len(qc.Signatures) {
		return fmt.Errorf("%d leaf hashes for %d signatures", len(qc.LeafHashes), len(qc.Signatures))
	}

	payload := qc.Payload()
	seen := make(map[chain.PublicKey]bool, len(qc.Signatures))
	for i, sig := range qc.Signatures {
		if seen[sig.PublicKey] {
			return ErrDuplicateSigner
		}
		seen[sig.PublicKey] = true
		if !committee.Contains(sig.PublicKey) {
			return ErrNotMember
		}
		if qc.LeafHashes[i] != chain.ValidatorLeafHash(sig.PublicKey) {
			return fmt.Errorf("leaf hash %d does not match signer", i)
		}
		if !e.verifier.Verify(payload[:], sig.Signature, sig.PublicKey[:]) {
			return ErrBadSignature
		}
	}

	if !committee.HasQuorum(qc.Signers(), e.rule) {
		return ErrNoQuorum
	}

	e.verified.Add(qc.ID(), true)
	return nil
}
