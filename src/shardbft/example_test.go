package shardbft

import (
	"os"

	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/proxy/dummy"
)

// This example runs a validator with the in-memory dummy executor. The data
// directory must hold the validator's key and a peers.json listing the
// committees of the network.
func Example() {
	// Start from default configuration.
	conf := config.NewDefaultConfig()

	// The executor runs transactions on behalf of the node. This is where
	// most of the work resides when implementing an application.
	conf.Executor = dummy.NewInmemDummyClient(conf.Logger())

	engine := NewShardBFT(conf)

	// Read in the configuration and initialise the node accordingly.
	if err := engine.Init(); err != nil {
		conf.Logger().Error("Cannot initialize engine:", err)
		os.Exit(1)
	}

	// Stop the node, the service and the store upon leaving.
	defer engine.Shutdown()

	// Run the node asynchronously.
	go engine.Run()
}
