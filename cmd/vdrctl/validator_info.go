package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validatorInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validator-info",
		Short: "list the pool's current validator roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			for _, v := range r.GetVerifiers() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s client=%s:%d node=%s:%d bls=%v\n",
					v.Alias, v.ClientAddr, v.ClientPort, v.NodeAddr, v.NodePort, v.HasBLSKey)
			}
			return nil
		},
	}
}
