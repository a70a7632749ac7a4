package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"crash-lite/crash"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crashverify",
		Short:         "Verify crash rounds offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVerifyCmd(), newChainCmd())
	return root
}

func newVerifyCmd() *cobra.Command {
	var (
		in     crash.VerifyInput
		asJSON bool
		want   float64
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute one round's crash point",
		Long: `Recompute the crash point of a finished round from its revealed server seed,
the client seed and the round salt. When --commitment is given the seed must
hash to it. When --expect is given the result must equal it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := crash.Verify(in)
			if err != nil {
				return err
			}
			if want != 0 && res.CrashPoint != want {
				return fmt.Errorf("crash point mismatch: computed %.2f, expected %.2f", res.CrashPoint, want)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{
					"commitment_hash": res.CommitmentHash,
					"crash_point":     res.CrashPoint,
				})
			}
			fmt.Fprintf(out, "commitment_hash: %s\n", res.CommitmentHash)
			fmt.Fprintf(out, "crash_point:     %.2f\n", res.CrashPoint)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.ServerSeed, "server-seed", "", "revealed server seed")
	f.StringVar(&in.CommitmentHash, "commitment", "", "published commitment hash to check the seed against")
	f.StringVar(&in.ClientSeed, "client-seed", "", "client seed")
	f.StringVar(&in.Salt, "salt", "", "round salt")
	f.Float64Var(&in.HouseEdge, "house-edge", 0.03, "house edge in [0,1)")
	f.Float64Var(&want, "expect", 0, "expected crash point")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("server-seed")
	return cmd
}

func newChainCmd() *cobra.Command {
	var (
		seed  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Walk the seed chain back from a revealed seed",
		Long: `Each round's server seed hashes to the seed of the round before it. Starting
from a revealed seed, print the seeds and commitment hashes of the rounds that
preceded it so they can be matched against what was published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed = strings.TrimSpace(seed)
			if seed == "" {
				return fmt.Errorf("--seed is required")
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			out := cmd.OutOrStdout()
			for i, s := range crash.Chain(seed, count+1) {
				fmt.Fprintf(out, "%d\t%s\t%s\n", -i, s, crash.CommitmentHash(s))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "revealed server seed")
	cmd.Flags().IntVar(&count, "count", 10, "number of earlier rounds to print")
	return cmd
}
