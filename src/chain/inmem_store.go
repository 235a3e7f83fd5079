package chain

import (
	"bytes"
	"fmt"
	"sync"

	cm "github.com/mosaicnetworks/shardbft/src/common"
)

// InmemStore implements the Store interface with in-memory maps. Nothing is
// evicted, so it is meant for tests and short-lived networks; BadgerStore
// persists the same data.
type InmemStore struct {
	sync.RWMutex
	cacheSize      int
	blocks         map[BlockID]*Block
	committed      map[NodeHeight]BlockID
	committedIDs   map[BlockID]struct{}
	qcs            map[Hash]*QuorumCertificate
	qcByBlock      map[BlockID]Hash
	chainState     *ChainState
	transactions   map[TransactionID]*TransactionRecord
	substates      map[VersionedSubstateID]*Substate
	latestVersions map[SubstateID]uint32
	foreign        map[BlockID]*ForeignProposal
}

// NewInmemStore creates a new, empty InmemStore. cacheSize is only reported
// through CacheSize.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize:      cacheSize,
		blocks:         make(map[BlockID]*Block),
		committed:      make(map[NodeHeight]BlockID),
		committedIDs:   make(map[BlockID]struct{}),
		qcs:            make(map[Hash]*QuorumCertificate),
		qcByBlock:      make(map[BlockID]Hash),
		transactions:   make(map[TransactionID]*TransactionRecord),
		substates:      make(map[VersionedSubstateID]*Substate),
		latestVersions: make(map[SubstateID]uint32),
		foreign:        make(map[BlockID]*ForeignProposal),
	}
}

// CacheSize implements the Store interface.
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(id BlockID) (*Block, error) {
	s.RLock()
	defer s.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, id.String())
	}
	return b, nil
}

// SetBlock implements the Store interface.
func (s *InmemStore) SetBlock(block *Block) error {
	s.Lock()
	defer s.Unlock()
	s.blocks[block.ID()] = block
	return nil
}

// GetCommittedBlock implements the Store interface.
func (s *InmemStore) GetCommittedBlock(height NodeHeight) (*Block, error) {
	s.RLock()
	defer s.RUnlock()
	id, ok := s.committed[height]
	if !ok {
		return nil, cm.NewStoreErr("CommittedBlock", cm.KeyNotFound, fmt.Sprint(height))
	}
	b, ok := s.blocks[id]
	if !ok {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, id.String())
	}
	return b, nil
}

// SetCommitted implements the Store interface.
func (s *InmemStore) SetCommitted(block *Block) error {
	s.Lock()
	defer s.Unlock()
	if prev, ok := s.committed[block.Height()]; ok && prev != block.ID() {
		return cm.NewStoreErr("CommittedBlock", cm.KeyAlreadyExists, fmt.Sprint(block.Height()))
	}
	s.blocks[block.ID()] = block
	s.committed[block.Height()] = block.ID()
	s.committedIDs[block.ID()] = struct{}{}
	return nil
}

// IsCommitted implements the Store interface.
func (s *InmemStore) IsCommitted(id BlockID) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.committedIDs[id]
	return ok
}

// GetQC implements the Store interface.
func (s *InmemStore) GetQC(id Hash) (*QuorumCertificate, error) {
	s.RLock()
	defer s.RUnlock()
	qc, ok := s.qcs[id]
	if !ok {
		return nil, cm.NewStoreErr("QC", cm.KeyNotFound, id.String())
	}
	return qc, nil
}

// GetQCForBlock implements the Store interface.
func (s *InmemStore) GetQCForBlock(id BlockID) (*QuorumCertificate, error) {
	s.RLock()
	defer s.RUnlock()
	qcID, ok := s.qcByBlock[id]
	if !ok {
		return nil, cm.NewStoreErr("QCForBlock", cm.KeyNotFound, id.String())
	}
	return s.qcs[qcID], nil
}

// SetQC implements the Store interface. The first certificate over a block
// is kept as its canonical certificate.
func (s *InmemStore) SetQC(qc *QuorumCertificate) error {
	s.Lock()
	defer s.Unlock()
	s.qcs[qc.ID()] = qc
	if _, ok := s.qcByBlock[qc.BlockID]; !ok {
		s.qcByBlock[qc.BlockID] = qc.ID()
	}
	return nil
}

// GetChainState implements the Store interface.
func (s *InmemStore) GetChainState() (*ChainState, error) {
	s.RLock()
	defer s.RUnlock()
	if s.chainState == nil {
		return nil, cm.NewStoreErr("ChainState", cm.Empty, "")
	}
	cs := *s.chainState
	return &cs, nil
}

// SetChainState implements the Store interface.
func (s *InmemStore) SetChainState(state *ChainState) error {
	s.Lock()
	defer s.Unlock()
	cs := *state
	s.chainState = &cs
	return nil
}

// GetTransaction implements the Store interface.
func (s *InmemStore) GetTransaction(id TransactionID) (*TransactionRecord, error) {
	s.RLock()
	defer s.RUnlock()
	rec, ok := s.transactions[id]
	if !ok {
		return nil, cm.NewStoreErr("Transaction", cm.KeyNotFound, id.String())
	}
	r := *rec
	return &r, nil
}

// SetTransaction implements the Store interface.
func (s *InmemStore) SetTransaction(record *TransactionRecord) error {
	s.Lock()
	defer s.Unlock()
	r := *record
	s.transactions[record.Transaction.ID()] = &r
	return nil
}

// GetSubstate implements the Store interface.
func (s *InmemStore) GetSubstate(id SubstateID, version uint32) (*Substate, error) {
	s.RLock()
	defer s.RUnlock()
	key := VersionedSubstateID{ID: id, Version: version}
	sub, ok := s.substates[key]
	if !ok {
		return nil, cm.NewStoreErr("Substate", cm.KeyNotFound, key.String())
	}
	return sub, nil
}

// GetLatestSubstate implements the Store interface.
func (s *InmemStore) GetLatestSubstate(id SubstateID) (*Substate, error) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.latestVersions[id]
	if !ok {
		return nil, cm.NewStoreErr("Substate", cm.KeyNotFound, id.String())
	}
	return s.substates[VersionedSubstateID{ID: id, Version: v}], nil
}

// SetSubstate implements the Store interface.
func (s *InmemStore) SetSubstate(substate *Substate) error {
	s.Lock()
	defer s.Unlock()
	key := substate.VersionedID()
	if existing, ok := s.substates[key]; ok {
		if !sameSubstate(existing, substate) {
			return cm.NewStoreErr("Substate", cm.KeyAlreadyExists, key.String())
		}
		return nil
	}
	sub := *substate
	s.substates[key] = &sub
	if v, ok := s.latestVersions[substate.ID]; !ok || substate.Version > v {
		s.latestVersions[substate.ID] = substate.Version
	}
	return nil
}

// DestroySubstate implements the Store interface.
func (s *InmemStore) DestroySubstate(id SubstateID, version uint32, by Provenance) error {
	s.Lock()
	defer s.Unlock()
	key := VersionedSubstateID{ID: id, Version: version}
	existing, ok := s.substates[key]
	if !ok {
		return cm.NewStoreErr("Substate", cm.KeyNotFound, key.String())
	}
	sub := *existing
	sub.Destroyed = &by
	s.substates[key] = &sub
	return nil
}

// GetForeignProposal implements the Store interface.
func (s *InmemStore) GetForeignProposal(id BlockID) (*ForeignProposal, error) {
	s.RLock()
	defer s.RUnlock()
	fp, ok := s.foreign[id]
	if !ok {
		return nil, cm.NewStoreErr("ForeignProposal", cm.KeyNotFound, id.String())
	}
	return fp, nil
}

// SetForeignProposal implements the Store interface.
func (s *InmemStore) SetForeignProposal(fp *ForeignProposal) error {
	s.Lock()
	defer s.Unlock()
	s.foreign[fp.ID()] = fp
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface. Inmem stores have no path.
func (s *InmemStore) StorePath() string {
	return ""
}

func sameSubstate(a, b *Substate) bool {
	return a.ID == b.ID &&
		a.Version == b.Version &&
		bytes.Equal(a.Value, b.Value) &&
		a.Created == b.Created
}
