package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the validator's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultConfigFile is the default name of the configuration file, without
	// extension
	DefaultConfigFile = "shardbft"
)

// Default configuration values.
const (
	DefaultLogLevel           = "debug"
	DefaultBindAddr           = "127.0.0.1:1337"
	DefaultServiceAddr        = "127.0.0.1:8000"
	DefaultNetwork            = "localnet"
	DefaultEpoch              = 0
	DefaultNumPreshards       = 256
	DefaultQuorumRule         = "two-thirds-stake"
	DefaultLeaderTimeout      = 2000 * time.Millisecond
	DefaultTCPTimeout         = 1000 * time.Millisecond
	DefaultSyncTimeout        = 5000 * time.Millisecond
	DefaultCacheSize          = 10000
	DefaultSyncLimit          = 1000
	DefaultMaxPool            = 2
	DefaultMaxBlockCommands   = 500
	DefaultMaxPendingMessages = 1024
	DefaultMaxPendingVotes    = 64
	DefaultMaxForeignBuffered = 256
	DefaultStore              = false
)

// Config contains all the configuration properties of a shardbft node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node exchanges consensus
	// messages with other nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Network is the name of the network the node belongs to: mainnet,
	// testnet or localnet.
	Network string `mapstructure:"network"`

	// Epoch is the epoch the node starts in.
	Epoch uint64 `mapstructure:"epoch"`

	// NumPreshards is the number of shards the substate address space is split
	// into.
	NumPreshards uint32 `mapstructure:"num-preshards"`

	// QuorumRule is the certificate threshold: two-thirds-stake or majority.
	QuorumRule string `mapstructure:"quorum-rule"`

	// LeaderTimeout is how long a node waits for progress before it sends a
	// NewView to the next leader.
	LeaderTimeout time.Duration `mapstructure:"leader-timeout"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SyncTimeout is the timeout of a sync request.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// SyncLimit defines the max number of blocks in a SyncResponse.
	SyncLimit int `mapstructure:"sync-limit"`

	// MaxBlockCommands caps the number of commands in a proposal.
	MaxBlockCommands int `mapstructure:"max-block-commands"`

	// MaxPendingMessages bounds the inbound message queue.
	MaxPendingMessages int `mapstructure:"max-pending-messages"`

	// MaxPendingVotes bounds the number of blocks the quorum engine collects
	// votes for.
	MaxPendingVotes int `mapstructure:"max-pending-votes"`

	// MaxForeignBuffered bounds the foreign proposals kept while their
	// committee is unknown.
	MaxForeignBuffered int `mapstructure:"max-foreign-buffered"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Bootstrap determines whether or not to load the node from an existing
	// database. Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Executor runs transactions on behalf of the node.
	Executor proxy.Executor

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		BindAddr:           DefaultBindAddr,
		ServiceAddr:        DefaultServiceAddr,
		Network:            DefaultNetwork,
		Epoch:              DefaultEpoch,
		NumPreshards:       DefaultNumPreshards,
		QuorumRule:         DefaultQuorumRule,
		LeaderTimeout:      DefaultLeaderTimeout,
		TCPTimeout:         DefaultTCPTimeout,
		SyncTimeout:        DefaultSyncTimeout,
		CacheSize:          DefaultCacheSize,
		SyncLimit:          DefaultSyncLimit,
		MaxPool:            DefaultMaxPool,
		MaxBlockCommands:   DefaultMaxBlockCommands,
		MaxPendingMessages: DefaultMaxPendingMessages,
		MaxPendingVotes:    DefaultMaxPendingVotes,
		MaxForeignBuffered: DefaultMaxForeignBuffered,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values, short timeouts,
// and a special logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.NumPreshards = 16
	config.LeaderTimeout = 300 * time.Millisecond
	config.SyncTimeout = time.Second
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value. If the database directory is
// not currently the default, it means the user has explicitely set it to
// something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// ChainNetwork parses Network.
func (c *Config) ChainNetwork() (chain.Network, error) {
	return chain.ParseNetwork(c.Network)
}

// Rule parses QuorumRule.
func (c *Config) Rule() (peers.QuorumRule, error) {
	return peers.ParseQuorumRule(c.QuorumRule)
}

// Logger returns a formatted logrus Entry, with prefix set to "shardbft".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "shardbft")
}

// SetLogger replaces the logger returned by Logger.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level
// configuration based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".ShardBFT")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "ShardBFT")
		} else {
			return filepath.Join(home, ".shardbft")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
