package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/synledger/vdrpool/pool"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "submit", Short: "submit a request to the pool"}
	cmd.AddCommand(submitRequestCmd())
	cmd.AddCommand(submitActionCmd())
	return cmd
}

func readBody(cmd *cobra.Command) (json.RawMessage, error) {
	path, _ := cmd.Flags().GetString("body-file")
	if path != "" {
		return os.ReadFile(path)
	}
	body, _ := cmd.Flags().GetString("body")
	return json.RawMessage(body), nil
}

func submitRequestCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "request",
		Short: "submit a request and wait for consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			body, err := readBody(cmd)
			if err != nil {
				return err
			}
			write, _ := cmd.Flags().GetBool("write")

			result, err := r.SubmitRequest(context.Background(), pool.NewPreparedRequest(body, write))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	c.Flags().String("body", "", "request body as a JSON literal")
	c.Flags().String("body-file", "", "path to a file containing the request body")
	c.Flags().Bool("write", false, "treat this as a write request (fan out to the whole roster immediately)")
	return c
}

func submitActionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "action",
		Short: "broadcast a request to named nodes without seeking consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			body, err := readBody(cmd)
			if err != nil {
				return err
			}
			nodesFlag, _ := cmd.Flags().GetString("nodes")
			var nodes []string
			if nodesFlag != "" {
				nodes = strings.Split(nodesFlag, ",")
			}
			timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")

			outcomes, err := r.SubmitAction(context.Background(), pool.NewPreparedRequest(body, false), nodes, time.Duration(timeoutMS)*time.Millisecond)
			if err != nil {
				return err
			}
			for alias, o := range outcomes {
				if o.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: error: %v\n", alias, o.Err)
					continue
				}
				if o.Reason != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: rejected: %s\n", alias, o.Reason)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", alias, string(o.Result))
			}
			return nil
		},
	}
	c.Flags().String("body", "", "request body as a JSON literal")
	c.Flags().String("body-file", "", "path to a file containing the request body")
	c.Flags().String("nodes", "", "comma-separated aliases to target; empty means every validator")
	c.Flags().Int("timeout-ms", 0, "overall timeout in milliseconds; 0 means no overall timeout (per-node ack/reply deadlines still apply)")
	return c
}
