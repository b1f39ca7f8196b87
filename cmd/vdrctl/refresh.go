package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "run a catch-up round against the current validator roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.Refresh(context.Background()); err != nil {
				return err
			}
			st := r.GetStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed: txns=%d root=%s validators=%d\n", st.TxnCount, st.RootHash, st.VerifierCount)
			return nil
		},
	}
}
