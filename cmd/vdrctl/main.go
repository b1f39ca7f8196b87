// Command vdrctl is a thin operator CLI over the pool package: load a
// genesis file, open a runner, and drive its create/submit/refresh/status
// operations from the shell. Grounded on the teacher's cmd/synnergy/main.go
// root-command wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "vdrctl",
		Short: "operate a permissioned-ledger pool client",
	}
	root.PersistentFlags().String("genesis", "", "path to the genesis transaction file")
	root.PersistentFlags().String("identity", "", "path to an ed25519 identity seed file (generated if absent)")
	root.PersistentFlags().String("env", "", "configuration overlay name (e.g. production)")

	root.AddCommand(statusCmd())
	root.AddCommand(submitCmd())
	root.AddCommand(refreshCmd())
	root.AddCommand(validatorInfoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
