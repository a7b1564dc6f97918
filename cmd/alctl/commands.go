package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"almlp/pkg/almlp"
)

func newOnlineCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "online",
		Short: "Relax a structure with the uncertainty-gated surrogate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			stop := a.serveMetrics()
			defer stop()

			result, err := client.RunOnline(cmd.Context(), almlp.RunRequest{RunID: runID, Settings: a.settings})
			if err != nil {
				return err
			}
			a.printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	return cmd
}

func newOfflineCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Learn a residual surrogate over repeated relaxation rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			stop := a.serveMetrics()
			defer stop()

			result, err := client.RunOffline(cmd.Context(), almlp.RunRequest{RunID: runID, Settings: a.settings})
			if err != nil {
				return err
			}
			a.printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List finished runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return errors.New("limit must be >= 0")
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(a.stdout, "run_id=%s kind=%s created_at=%s steps=%d rounds=%d parent_calls=%d dataset_size=%d final_energy=%.6f\n",
					e.RunID, e.Kind, e.CreatedAtUTC, e.Steps, e.Rounds, e.ParentCalls, e.DatasetSize, e.FinalEnergy)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Show the per-step gating trace of an online run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			records, err := client.Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(a.stdout, "step=%d phase=%s parent=%t unsafe=%t verify=%t uncertainty=%.6f tolerance=%.6f dataset_size=%d parent_calls=%d\n",
					r.Step, r.Phase, r.ParentCalled, r.Unsafe, r.Verify, r.Uncertainty, r.Tolerance, r.DatasetSize, r.ParentCalls)
			}
			return nil
		},
	}
}

func newRoundsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rounds <run-id>",
		Short: "Show the round records of an offline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			rounds, err := client.Rounds(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, r := range rounds {
				fmt.Fprintf(a.stdout, "round=%d label=%s candidates=%d queried=%d dataset_size=%d max_energy_error=%.6f max_force_error=%.6f\n",
					r.Round, r.Label, r.Candidates, r.Queried, r.DatasetSize, r.MaxEnergyError, r.MaxForceError)
			}
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var (
		runID  string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of a run to another directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			exported, err := client.Export(cmd.Context(), almlp.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to export")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the newest run")
	cmd.Flags().StringVar(&outDir, "out", "", "destination directory (default exports)")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintf(a.stdout, "alctl %s\n", version)
			return nil
		},
	}
}
