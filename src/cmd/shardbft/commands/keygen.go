package commands

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/shardbft"
	"github.com/spf13/cobra"
)

var (
	keygenDir  string
	pubKeyFile string
)

// NewKeygenCmd produces a KeygenCmd which creates a key pair
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new key pair",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

// AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&keygenDir, "datadir", _config.ShardBFT.DataDir, "Directory where the private key will be written")
	cmd.Flags().StringVar(&pubKeyFile, "pub", "", "File where the public key will be written, defaults to [datadir]/key.pub")
}

func keygen(cmd *cobra.Command, args []string) error {
	key, err := shardbft.Keygen(keygenDir)
	if err != nil {
		return err
	}

	fmt.Printf("Your private key has been saved under: %s\n", keygenDir)

	if pubKeyFile == "" {
		pubKeyFile = filepath.Join(keygenDir, "key.pub")
	}

	if err := os.MkdirAll(filepath.Dir(pubKeyFile), 0700); err != nil {
		return fmt.Errorf("writing public key: %s", err)
	}

	pub := keys.PublicKeyHex(&key.PublicKey)

	if err := ioutil.WriteFile(pubKeyFile, []byte(pub), 0600); err != nil {
		return fmt.Errorf("writing public key: %s", err)
	}

	fmt.Printf("Your public key has been saved to: %s\n", pubKeyFile)

	return nil
}
