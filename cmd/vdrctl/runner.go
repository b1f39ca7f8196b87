package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/synledger/vdrpool/pkg/config"
	"github.com/synledger/vdrpool/pool"
	"github.com/synledger/vdrpool/poolerr"
)

// openRunner loads configuration and genesis from the command's persistent
// flags and returns a running pool.Runner. Every subcommand that talks to a
// pool calls this first.
func openRunner(cmd *cobra.Command) (*pool.Runner, error) {
	genesisPath, _ := cmd.Flags().GetString("genesis")
	identityPath, _ := cmd.Flags().GetString("identity")
	env, _ := cmd.Flags().GetString("env")

	if genesisPath == "" {
		return nil, poolerr.New(poolerr.Input, "--genesis is required")
	}

	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	priv, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(genesisPath)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.FileSystem, err)
	}
	defer f.Close()

	return pool.CreateFromReader(f, priv, cfg.PoolConfig())
}
