package chain

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger"
	lru "github.com/hashicorp/golang-lru"
	cm "github.com/mosaicnetworks/shardbft/src/common"
	"github.com/pkg/errors"
)

const (
	blockPrefix          = "block"
	committedPrefix      = "committed"
	committedIDPrefix    = "committedid"
	qcPrefix             = "qc"
	qcBlockPrefix        = "qcblock"
	transactionPrefix    = "tx"
	substatePrefix       = "substate"
	substateLatestPrefix = "substatelatest"
	foreignPrefix        = "foreign"
	chainStateKey        = "chainstate"
)

// BadgerStore implements the Store interface on top of a Badger database,
// with LRU caches in front of the hot items.
type BadgerStore struct {
	sync.Mutex
	cacheSize  int
	db         *badger.DB
	path       string
	blockCache *lru.Cache //BlockID => *Block
	qcCache    *lru.Cache //Hash => *QuorumCertificate
	subCache   *lru.Cache //VersionedSubstateID => *Substate
	chainState *ChainState
}

// NewBadgerStore opens, or creates, the database at path.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	blockCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	qcCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	subCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		cacheSize:  cacheSize,
		db:         handle,
		path:       path,
		blockCache: blockCache,
		qcCache:    qcCache,
		subCache:   subCache,
	}

	cs := new(ChainState)
	if err := store.dbGet([]byte(chainStateKey), cs); err == nil {
		store.chainState = cs
	} else if !isDBKeyNotFound(err) {
		handle.Close()
		return nil, err
	}

	return store, nil
}

//==============================================================================
//Keys

func blockKey(id BlockID) []byte {
	return []byte(fmt.Sprintf("%s_%s", blockPrefix, id))
}

func committedKey(height NodeHeight) []byte {
	return []byte(fmt.Sprintf("%s_%020d", committedPrefix, height))
}

func committedIDKey(id BlockID) []byte {
	return []byte(fmt.Sprintf("%s_%s", committedIDPrefix, id))
}

func qcKey(id Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", qcPrefix, id))
}

func qcBlockKey(id BlockID) []byte {
	return []byte(fmt.Sprintf("%s_%s", qcBlockPrefix, id))
}

func transactionKey(id TransactionID) []byte {
	return []byte(fmt.Sprintf("%s_%s", transactionPrefix, id))
}

func substateKey(id SubstateID, version uint32) []byte {
	return []byte(fmt.Sprintf("%s_%s_%010d", substatePrefix, id, version))
}

func substateLatestKey(id SubstateID) []byte {
	return []byte(fmt.Sprintf("%s_%s", substateLatestPrefix, id))
}

func foreignKey(id BlockID) []byte {
	return []byte(fmt.Sprintf("%s_%s", foreignPrefix, id))
}

//==============================================================================
//Implement the Store interface

// CacheSize implements the Store interface.
func (s *BadgerStore) CacheSize() int {
	return s.cacheSize
}

// GetBlock implements the Store interface.
func (s *BadgerStore) GetBlock(id BlockID) (*Block, error) {
	if b, ok := s.blockCache.Get(id); ok {
		return b.(*Block), nil
	}
	block := new(Block)
	if err := s.dbGet(blockKey(id), block); err != nil {
		return nil, mapError(err, "Block", id.String())
	}
	s.blockCache.Add(id, block)
	return block, nil
}

// SetBlock implements the Store interface.
func (s *BadgerStore) SetBlock(block *Block) error {
	if err := s.dbSet(blockKey(block.ID()), block); err != nil {
		return err
	}
	s.blockCache.Add(block.ID(), block)
	return nil
}

// GetCommittedBlock implements the Store interface.
func (s *BadgerStore) GetCommittedBlock(height NodeHeight) (*Block, error) {
	raw, err := s.dbGetRaw(committedKey(height))
	if err != nil {
		return nil, mapError(err, "CommittedBlock", fmt.Sprint(height))
	}
	var id BlockID
	copy(id[:], raw)
	return s.GetBlock(id)
}

// SetCommitted implements the Store interface.
func (s *BadgerStore) SetCommitted(block *Block) error {
	s.Lock()
	defer s.Unlock()

	if raw, err := s.dbGetRaw(committedKey(block.Height())); err == nil {
		var prev BlockID
		copy(prev[:], raw)
		if prev != block.ID() {
			return cm.NewStoreErr("CommittedBlock", cm.KeyAlreadyExists, fmt.Sprint(block.Height()))
		}
		return nil
	} else if !isDBKeyNotFound(err) {
		return err
	}

	val, err := block.Marshal()
	if err != nil {
		return errors.Wrap(err, "encoding block")
	}
	id := block.ID()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(id), val); err != nil {
			return err
		}
		if err := txn.Set(committedKey(block.Height()), id[:]); err != nil {
			return err
		}
		return txn.Set(committedIDKey(id), []byte{1})
	})
	if err != nil {
		return err
	}
	s.blockCache.Add(id, block)
	return nil
}

// IsCommitted implements the Store interface.
func (s *BadgerStore) IsCommitted(id BlockID) bool {
	_, err := s.dbGetRaw(committedIDKey(id))
	return err == nil
}

// GetQC implements the Store interface.
func (s *BadgerStore) GetQC(id Hash) (*QuorumCertificate, error) {
	if qc, ok := s.qcCache.Get(id); ok {
		return qc.(*QuorumCertificate), nil
	}
	qc := new(QuorumCertificate)
	if err := s.dbGet(qcKey(id), qc); err != nil {
		return nil, mapError(err, "QC", id.String())
	}
	s.qcCache.Add(id, qc)
	return qc, nil
}

// GetQCForBlock implements the Store interface.
func (s *BadgerStore) GetQCForBlock(id BlockID) (*QuorumCertificate, error) {
	raw, err := s.dbGetRaw(qcBlockKey(id))
	if err != nil {
		return nil, mapError(err, "QCForBlock", id.String())
	}
	var qcID Hash
	copy(qcID[:], raw)
	return s.GetQC(qcID)
}

// SetQC implements the Store interface.
func (s *BadgerStore) SetQC(qc *QuorumCertificate) error {
	val, err := Marshal(qc)
	if err != nil {
		return errors.Wrap(err, "encoding quorum certificate")
	}
	id := qc.ID()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(qcKey(id), val); err != nil {
			return err
		}
		_, err := txn.Get(qcBlockKey(qc.BlockID))
		if isDBKeyNotFound(err) {
			return txn.Set(qcBlockKey(qc.BlockID), id[:])
		}
		return err
	})
	if err != nil {
		return err
	}
	s.qcCache.Add(id, qc)
	return nil
}

// GetChainState implements the Store interface.
func (s *BadgerStore) GetChainState() (*ChainState, error) {
	s.Lock()
	defer s.Unlock()
	if s.chainState == nil {
		return nil, cm.NewStoreErr("ChainState", cm.Empty, "")
	}
	cs := *s.chainState
	return &cs, nil
}

// SetChainState implements the Store interface.
func (s *BadgerStore) SetChainState(state *ChainState) error {
	s.Lock()
	defer s.Unlock()
	if err := s.dbSet([]byte(chainStateKey), state); err != nil {
		return err
	}
	cs := *state
	s.chainState = &cs
	return nil
}

// GetTransaction implements the Store interface.
func (s *BadgerStore) GetTransaction(id TransactionID) (*TransactionRecord, error) {
	rec := new(TransactionRecord)
	if err := s.dbGet(transactionKey(id), rec); err != nil {
		return nil, mapError(err, "Transaction", id.String())
	}
	return rec, nil
}

// SetTransaction implements the Store interface.
func (s *BadgerStore) SetTransaction(record *TransactionRecord) error {
	return s.dbSet(transactionKey(record.Transaction.ID()), record)
}

// GetSubstate implements the Store interface.
func (s *BadgerStore) GetSubstate(id SubstateID, version uint32) (*Substate, error) {
	key := VersionedSubstateID{ID: id, Version: version}
	if sub, ok := s.subCache.Get(key); ok {
		return sub.(*Substate), nil
	}
	sub := new(Substate)
	if err := s.dbGet(substateKey(id, version), sub); err != nil {
		return nil, mapError(err, "Substate", key.String())
	}
	s.subCache.Add(key, sub)
	return sub, nil
}

// GetLatestSubstate implements the Store interface.
func (s *BadgerStore) GetLatestSubstate(id SubstateID) (*Substate, error) {
	raw, err := s.dbGetRaw(substateLatestKey(id))
	if err != nil {
		return nil, mapError(err, "Substate", id.String())
	}
	version, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return nil, cm.NewStoreErr("Substate", cm.Corrupted, id.String())
	}
	return s.GetSubstate(id, uint32(version))
}

// SetSubstate implements the Store interface.
func (s *BadgerStore) SetSubstate(substate *Substate) error {
	s.Lock()
	defer s.Unlock()

	existing, err := s.GetSubstate(substate.ID, substate.Version)
	if err == nil {
		if !sameSubstate(existing, substate) {
			return cm.NewStoreErr("Substate", cm.KeyAlreadyExists, substate.VersionedID().String())
		}
		return nil
	} else if !cm.IsStore(err, cm.KeyNotFound) {
		return err
	}

	val, err := Marshal(substate)
	if err != nil {
		return errors.Wrap(err, "encoding substate")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(substateKey(substate.ID, substate.Version), val); err != nil {
			return err
		}
		item, err := txn.Get(substateLatestKey(substate.ID))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			latest, err := strconv.ParseUint(string(raw), 10, 32)
			if err == nil && uint32(latest) >= substate.Version {
				return nil
			}
		} else if !isDBKeyNotFound(err) {
			return err
		}
		return txn.Set(substateLatestKey(substate.ID), []byte(strconv.FormatUint(uint64(substate.Version), 10)))
	})
	if err != nil {
		return err
	}
	sub := *substate
	s.subCache.Add(substate.VersionedID(), &sub)
	return nil
}

// DestroySubstate implements the Store interface.
func (s *BadgerStore) DestroySubstate(id SubstateID, version uint32, by Provenance) error {
	s.Lock()
	defer s.Unlock()

	existing, err := s.GetSubstate(id, version)
	if err != nil {
		return err
	}
	sub := *existing
	sub.Destroyed = &by
	if err := s.dbSet(substateKey(id, version), &sub); err != nil {
		return err
	}
	s.subCache.Add(sub.VersionedID(), &sub)
	return nil
}

// GetForeignProposal implements the Store interface.
func (s *BadgerStore) GetForeignProposal(id BlockID) (*ForeignProposal, error) {
	fp := new(ForeignProposal)
	if err := s.dbGet(foreignKey(id), fp); err != nil {
		return nil, mapError(err, "ForeignProposal", id.String())
	}
	return fp, nil
}

// SetForeignProposal implements the Store interface.
func (s *BadgerStore) SetForeignProposal(fp *ForeignProposal) error {
	return s.dbSet(foreignKey(fp.ID()), fp)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//DB Methods

func (s *BadgerStore) dbGetRaw(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *BadgerStore) dbGet(key []byte, v interface{}) error {
	val, err := s.dbGetRaw(key)
	if err != nil {
		return err
	}
	if err := Unmarshal(val, v); err != nil {
		return cm.NewStoreErr("Decode", cm.Corrupted, string(key))
	}
	return nil
}

func (s *BadgerStore) dbSet(key []byte, v interface{}) error {
	val, err := Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
