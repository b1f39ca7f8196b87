package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the pool's current transaction count, root hash, and validator count",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			st := r.GetStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "txns=%d root=%s validators=%d\n", st.TxnCount, st.RootHash, st.VerifierCount)
			return nil
		},
	}
}
