package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"almlp/internal/config"
	"almlp/internal/telemetry"
	"almlp/pkg/almlp"
)

// app is filled in by the root command before any subcommand runs.
type app struct {
	cfgFile  string
	settings config.Settings
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "alctl",
		Short: "Active learning of surrogate potentials",
		Long: `alctl drives a cheap surrogate potential alongside an expensive parent
calculator. The online loop gates every force evaluation on the surrogate's
uncertainty; the offline loop learns a parent-minus-base residual over
repeated relaxation rounds.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			settings, err := config.Load(a.cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(a.stderr, settings.LogLevel, settings.LogFormat)
			if err != nil {
				return err
			}
			a.settings = settings
			a.logger = logger
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML settings file")
	registerSettingFlags(root.PersistentFlags())

	root.AddCommand(
		newOnlineCmd(a),
		newOfflineCmd(a),
		newRunsCmd(a),
		newAuditCmd(a),
		newRoundsCmd(a),
		newExportCmd(a),
		newVersionCmd(a),
	)
	return root
}

// registerSettingFlags mirrors the settings keys with dashes. Only flags that
// are set on the command line override the file and environment.
func registerSettingFlags(fs *pflag.FlagSet) {
	fs.Int("max-iterations", 10, "offline rounds after the initial fit")
	fs.Int("samples-to-retrain", 1, "configurations queried per offline round")
	fs.Float64("stat-uncertain-tol", 0.05, "absolute uncertainty tolerance")
	fs.Float64("dyn-uncertain-tol", 0.1, "uncertainty tolerance relative to the largest predicted force")
	fs.Float64("fmax-verify-threshold", 0, "verify predictions whose largest force falls below this")
	fs.Int("max-parent-calls", 0, "parent calculation budget")
	fs.String("query-strategy", "random", "offline query strategy (random|uncertainty|maxmin)")
	fs.String("termination", "max_rounds", "offline termination policy (max_rounds|convergence)")
	fs.Float64("convergence-tol", 0.01, "error tolerance of the convergence policy")
	fs.Int64("seed", 1, "random seed")
	fs.String("filename", "relax", "trajectory label prefix")
	fs.String("file-dir", "", "trajectory label directory prefix")
	fs.String("store", "memory", "image store (memory|sqlite|badger)")
	fs.String("db-path", "", "store path for sqlite or badger")
	fs.String("artifacts-dir", "artifacts", "run artifacts directory")
	fs.String("log-level", "info", "log level (debug|info|warn|error)")
	fs.String("log-format", "text", "log format (text|json)")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address while running")
	fs.Float64("driver-fmax", 0.05, "relaxation force convergence criterion")
	fs.Int("driver-steps", 50, "relaxation step limit")
	fs.Float64("driver-step-size", 0.01, "relaxation step size")
	fs.Int("neighbors", 3, "surrogate neighbour count")
	fs.Float64("distance-scale", 1.0, "surrogate distance penalty")
	fs.String("structures", "", "YAML file of starting structures")
}

func (a *app) client() (*almlp.Client, error) {
	return almlp.New(almlp.Options{
		StoreKind:    a.settings.Store,
		DBPath:       a.settings.DBPath,
		ArtifactsDir: a.settings.ArtifactsDir,
		Logger:       a.logger,
	})
}

// serveMetrics exposes the default registry until the returned stop is called.
func (a *app) serveMetrics() func() {
	if a.settings.MetricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", a.settings.MetricsAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (a *app) printResult(r almlp.RunResult) {
	fmt.Fprintf(a.stdout, "run_id=%s\n", r.RunID)
	fmt.Fprintf(a.stdout, "kind=%s\n", r.Kind)
	if r.Kind == "online" {
		fmt.Fprintf(a.stdout, "steps=%d\n", r.Steps)
	} else {
		fmt.Fprintf(a.stdout, "rounds=%d\n", r.Rounds)
	}
	fmt.Fprintf(a.stdout, "parent_calls=%d\n", r.ParentCalls)
	fmt.Fprintf(a.stdout, "dataset_size=%d\n", r.DatasetSize)
	fmt.Fprintf(a.stdout, "final_energy=%.6f\n", r.FinalEnergy)
	fmt.Fprintf(a.stdout, "final_fmax=%.6f\n", r.FinalFmax)
	fmt.Fprintf(a.stdout, "artifacts=%s\n", r.ArtifactsDir)
}
