package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/proxy/dummy"
	"github.com/mosaicnetworks/shardbft/src/shardbft"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// NewRunCmd returns the command that starts a shardbft node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runShardBFT,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runShardBFT(cmd *cobra.Command, args []string) error {
	conf := &_config.ShardBFT

	conf.Executor = dummy.NewInmemDummyClient(conf.Logger())

	engine := shardbft.NewShardBFT(conf)

	if err := engine.Init(); err != nil {
		conf.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		conf.Logger().Info("Received signal, shutting down")
		engine.Shutdown()
	}()

	return engine.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	c := &_config.ShardBFT

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write logs to this file")
	cmd.Flags().String("moniker", c.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port for shardbft node")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Advertise IP:Port for shardbft node")
	cmd.Flags().DurationP("timeout", "t", c.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", c.MaxPool, "Connection pool size max")
	cmd.Flags().String("network", c.Network, "mainnet, testnet or localnet")

	// Service
	cmd.Flags().StringP("service-listen", "s", c.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", c.NoService, "Disable HTTP service")

	// Store
	cmd.Flags().Bool("store", c.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", c.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", c.Bootstrap, "Load from database")
	cmd.Flags().Int("cache-size", c.CacheSize, "Number of items in LRU caches")

	// Consensus
	cmd.Flags().Uint64("epoch", c.Epoch, "Epoch the node starts in")
	cmd.Flags().Uint32("num-preshards", c.NumPreshards, "Number of shards the substate space is split into")
	cmd.Flags().String("quorum-rule", c.QuorumRule, "two-thirds-stake or majority")
	cmd.Flags().Duration("leader-timeout", c.LeaderTimeout, "Time without progress before moving to the next leader")
	cmd.Flags().Duration("sync-timeout", c.SyncTimeout, "Timeout of sync requests")
	cmd.Flags().Int("sync-limit", c.SyncLimit, "Max number of blocks in a sync response")
	cmd.Flags().Int("max-block-commands", c.MaxBlockCommands, "Max number of commands in a block")
	cmd.Flags().Int("max-pending-messages", c.MaxPendingMessages, "Size of the inbound message queue")
	cmd.Flags().Int("max-pending-votes", c.MaxPendingVotes, "Max number of blocks collecting votes")
	cmd.Flags().Int("max-foreign-buffered", c.MaxForeignBuffered, "Max foreign proposals waiting for their committee")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.ShardBFT.SetDataDir(_config.ShardBFT.DataDir)

	_config.ShardBFT.SetLogger(newLogger(_config.ShardBFT.LogLevel, _config.LogFile))

	logFields := logrus.Fields{
		"DataDir":          _config.ShardBFT.DataDir,
		"BindAddr":         _config.ShardBFT.BindAddr,
		"AdvertiseAddr":    _config.ShardBFT.AdvertiseAddr,
		"ServiceAddr":      _config.ShardBFT.ServiceAddr,
		"NoService":        _config.ShardBFT.NoService,
		"MaxPool":          _config.ShardBFT.MaxPool,
		"Network":          _config.ShardBFT.Network,
		"Epoch":            _config.ShardBFT.Epoch,
		"NumPreshards":     _config.ShardBFT.NumPreshards,
		"QuorumRule":       _config.ShardBFT.QuorumRule,
		"LeaderTimeout":    _config.ShardBFT.LeaderTimeout,
		"TCPTimeout":       _config.ShardBFT.TCPTimeout,
		"SyncTimeout":      _config.ShardBFT.SyncTimeout,
		"SyncLimit":        _config.ShardBFT.SyncLimit,
		"CacheSize":        _config.ShardBFT.CacheSize,
		"MaxBlockCommands": _config.ShardBFT.MaxBlockCommands,
		"Store":            _config.ShardBFT.Store,
		"LogLevel":         _config.ShardBFT.LogLevel,
		"Moniker":          _config.ShardBFT.Moniker,
	}

	if _config.ShardBFT.Store {
		logFields["DatabaseDir"] = _config.ShardBFT.DatabaseDir
		logFields["Bootstrap"] = _config.ShardBFT.Bootstrap
	}

	_config.ShardBFT.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/shardbft.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigFile)
	viper.AddConfigPath(_config.ShardBFT.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.ShardBFT.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.ShardBFT.Logger().Debugf("No config file found in: %s", _config.ShardBFT.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// newLogger creates the process logger. When logFile is set, entries at or
// above the configured level are also written there in plain text.
func newLogger(level, logFile string) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(level)
	logger.Formatter = new(prefixed.TextFormatter)

	if logFile == "" {
		return logger
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logger.Infof("Failed to open %s, using default stderr", logFile)
		return logger
	}
	f.Close()

	pathMap := lfshook.PathMap{}
	for _, l := range logrus.AllLevels {
		if l <= logger.Level {
			pathMap[l] = logFile
		}
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
