package shardbft

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/mosaicnetworks/shardbft/src/node"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/proxy/dummy"
	"github.com/mosaicnetworks/shardbft/src/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ShardBFT is a validator process: it assembles the store, the transport,
// the committee oracle, the node and the HTTP service from a Config.
type ShardBFT struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     chain.Store
	Oracle    peers.EpochOracle
	Service   *service.Service

	logger *logrus.Entry
}

// NewShardBFT is a factory method to produce a ShardBFT instance.
func NewShardBFT(c *config.Config) *ShardBFT {
	engine := &ShardBFT{
		Config: c,
		logger: c.Logger(),
	}

	return engine
}

// Init initialises the engine. The oracle is read from peers.json in the
// data directory unless one was set beforehand.
func (s *ShardBFT) Init() error {
	if err := s.initKey(); err != nil {
		return err
	}

	if err := s.initOracle(); err != nil {
		return err
	}

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service, if any, and the node. It blocks until the node is
// shut down or stops on a fatal error.
func (s *ShardBFT) Run() error {
	if s.Service != nil {
		go s.Service.Serve()
	}

	return s.Node.Run()
}

// Shutdown stops the node and the service and closes the store.
func (s *ShardBFT) Shutdown() {
	if s.Service != nil {
		s.Service.Close()
	}
	if s.Node != nil {
		s.Node.Shutdown()
	} else if s.Transport != nil {
		s.Transport.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.logger.WithError(err).Error("Closing store")
		}
	}
}

func (s *ShardBFT) initKey() error {
	if s.Config.Key != nil {
		return nil
	}

	simpleKeyfile := keys.NewSimpleKeyfile(s.Config.Keyfile())

	privKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		s.logger.Errorf("Error reading private key from file: %v", err)
		return err
	}

	s.Config.Key = privKey

	return nil
}

func (s *ShardBFT) initOracle() error {
	if s.Oracle != nil {
		return nil
	}

	oracle, err := peers.NewJSONPeerSet(s.Config.DataDir).Oracle(chain.Epoch(s.Config.Epoch), s.Config.NumPreshards)
	if err != nil {
		return errors.Wrap(err, "loading peers.json")
	}

	s.logger.WithFields(logrus.Fields{
		"peers":        len(oracle.Peers()),
		"shard_groups": len(oracle.ShardGroups()),
	}).Debug("Loaded peers.json")

	s.Oracle = oracle

	return nil
}

func (s *ShardBFT) initStore() error {
	if !s.Config.Store {
		s.logger.Debug("Creating InmemStore")
		s.Store = chain.NewInmemStore(s.Config.CacheSize)
		return nil
	}

	dbPath := s.Config.DatabaseDir

	if !s.Config.Bootstrap {
		if _, err := os.Stat(dbPath); err == nil {
			s.logger.Debugf("Database %s already exists", dbPath)

			dbPath, err = freeDatabaseDir(dbPath)
			if err != nil {
				return err
			}
		}
	}

	s.logger.WithField("path", dbPath).Debug("Creating BadgerStore")

	store, err := chain.NewBadgerStore(s.Config.CacheSize, dbPath)
	if err != nil {
		return errors.Wrapf(err, "opening database %s", dbPath)
	}

	s.Store = store

	return nil
}

// freeDatabaseDir returns the first of "path(1)", "path(2)", ... that does
// not exist yet, leaving the previous database untouched.
func freeDatabaseDir(path string) (string, error) {
	for i := 1; i < 100; i++ {
		candidate := fmt.Sprintf("%s(%d)", path, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("too many databases under %s", path)
}

func (s *ShardBFT) initTransport() error {
	if s.Transport != nil {
		return nil
	}

	transport, err := net.NewTCPTransport(
		s.Config.BindAddr,
		s.Config.AdvertiseAddr,
		s.Config.MaxPool,
		s.Config.TCPTimeout,
		s.logger,
	)
	if err != nil {
		return err
	}

	s.Transport = transport

	return nil
}

func (s *ShardBFT) initNode() error {
	validator := node.NewValidator(s.Config.Key, s.Config.Moniker)

	if _, ok := s.Oracle.ShardGroupOf(s.Oracle.CurrentEpoch(), validator.PublicKey()); !ok {
		return fmt.Errorf("cannot find self pubkey %s in peers.json", validator.PublicKeyHex())
	}

	if s.Config.Executor == nil {
		s.logger.Debug("No executor configured, using the in-memory dummy")
		s.Config.Executor = dummy.NewInmemDummyClient(s.logger)
	}

	n, err := node.NewNode(s.Config, validator, s.Oracle, s.Store, s.Transport)
	if err != nil {
		return errors.Wrap(err, "creating node")
	}

	if err := n.Init(); err != nil {
		return errors.Wrap(err, "initializing node")
	}

	s.Node = n

	return nil
}

func (s *ShardBFT) initService() error {
	if !s.Config.NoService {
		s.Service = service.NewService(s.Config.ServiceAddr, s.Node, s.logger)
	}
	return nil
}

// Keygen generates a new key and writes it to the keyfile of dataDir. It
// refuses to overwrite an existing key.
func Keygen(dataDir string) (*ecdsa.PrivateKey, error) {
	c := config.NewDefaultConfig()
	c.SetDataDir(dataDir)

	if _, err := os.Stat(c.Keyfile()); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", dataDir)
	}

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	if err := keys.NewSimpleKeyfile(c.Keyfile()).WriteKey(key); err != nil {
		return nil, err
	}

	return key, nil
}
