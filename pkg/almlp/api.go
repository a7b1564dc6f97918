// Package almlp is the public entry point for running the online and offline
// active-learning loops and inspecting the runs they leave behind.
package almlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"almlp/internal/config"
	"almlp/internal/dynamics"
	"almlp/internal/model"
	"almlp/internal/offline"
	"almlp/internal/online"
	"almlp/internal/potential"
	"almlp/internal/stats"
	"almlp/internal/storage"
	"almlp/internal/surrogate"
	"almlp/internal/telemetry"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultDBPath       = "almlp.db"

	defaultStructureCount = 4
	pairCutoff            = 3.0
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	artifactsDir string
	exportsDir   string
	initialized  bool
}

// RunRequest starts one learning loop. An empty RunID gets a generated one;
// empty Structures fall back to Settings.Structures and then to a generated
// cluster.
type RunRequest struct {
	RunID      string
	Settings   config.Settings
	Structures []model.Structure
}

type RunResult struct {
	RunID        string
	Kind         model.RunKind
	ArtifactsDir string
	Steps        int
	Rounds       int
	ParentCalls  int
	DatasetSize  int
	FinalEnergy  float64
	FinalFmax    float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:        store,
		logger:       telemetry.OrDiscard(opts.Logger),
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) prepare(ctx context.Context, req *RunRequest, kind model.RunKind) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	if err := req.Settings.Validate(); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = string(kind) + "-" + uuid.NewString()
	}
	if len(req.Structures) > 0 {
		return nil
	}
	if req.Settings.Structures != "" {
		structures, err := LoadStructures(req.Settings.Structures)
		if err != nil {
			return err
		}
		req.Structures = structures
		return nil
	}
	req.Structures = DefaultStructures(defaultStructureCount, req.Settings.Seed)
	return nil
}

func newParent() *potential.Pair {
	return potential.NewLennardJones(1.0, 1.0, pairCutoff)
}

func newSurrogate(s config.Settings) *surrogate.Neighbours {
	return surrogate.NewNeighbours(surrogate.NeighbourOptions{
		Neighbours:    s.Neighbors,
		DistanceScale: s.DistanceScale,
	})
}

func driverOptions(s config.Settings) dynamics.Options {
	opts := dynamics.DefaultOptions()
	opts.Fmax = s.DriverFmax
	opts.Steps = s.DriverSteps
	opts.StepSize = s.DriverStepSize
	return opts
}

// RunOnline relaxes the first structure with every force evaluation routed
// through the uncertainty gate.
func (c *Client) RunOnline(ctx context.Context, req RunRequest) (RunResult, error) {
	if err := c.prepare(ctx, &req, model.RunKindOnline); err != nil {
		return RunResult{}, err
	}
	s := req.Settings
	logger := c.logger.With(slog.String("run_id", req.RunID))

	engine, err := online.NewEngine(ctx, online.Config{
		RunID: req.RunID,
		Thresholds: online.Thresholds{
			StaticTol:      s.StatUncertainTol,
			DynamicTol:     s.DynUncertainTol,
			FmaxVerify:     s.FmaxVerifyThreshold,
			MaxParentCalls: s.MaxParentCalls,
		},
		Parent:    newParent(),
		Potential: newSurrogate(s),
		Sink:      c.store,
		Logger:    logger,
	})
	if err != nil {
		return RunResult{}, err
	}

	relaxer, err := dynamics.NewRelaxer(req.Structures[0], driverOptions(s), logger)
	if err != nil {
		return RunResult{}, err
	}
	final, err := relaxer.Relax(ctx, engine, s.Filename)
	if err != nil {
		return RunResult{}, err
	}

	summary := model.RunSummary{
		RunID:        req.RunID,
		Kind:         model.RunKindOnline,
		CreatedAtUTC: time.Now().UTC(),
		Steps:        engine.Steps(),
		ParentCalls:  engine.ParentCalls(),
		DatasetSize:  engine.DatasetSize(),
	}
	fillFinal(&summary, final)
	logger.Info("online run finished",
		slog.Int("steps", summary.Steps),
		slog.Int("parent_calls", summary.ParentCalls),
		slog.Float64("final_energy", summary.FinalEnergy))

	return c.finish(ctx, stats.RunArtifacts{
		Summary:  summary,
		Settings: s,
		Audit:    engine.Audit(),
	})
}

// RunOffline learns a Morse-to-Lennard-Jones residual over relaxation
// trajectories and finally relaxes the first structure with the trained
// composite model.
func (c *Client) RunOffline(ctx context.Context, req RunRequest) (RunResult, error) {
	if err := c.prepare(ctx, &req, model.RunKindOffline); err != nil {
		return RunResult{}, err
	}
	s := req.Settings
	logger := c.logger.With(slog.String("run_id", req.RunID))

	query, err := offline.NewQueryStrategy(s.QueryStrategy, s.Seed)
	if err != nil {
		return RunResult{}, err
	}
	termination, err := offline.NewTerminationPolicy(s.Termination, s.MaxIterations, s.ConvergenceTol)
	if err != nil {
		return RunResult{}, err
	}
	relaxer, err := dynamics.NewRelaxer(req.Structures[0], driverOptions(s), logger)
	if err != nil {
		return RunResult{}, err
	}

	initial := make([]model.Configuration, 0, len(req.Structures))
	for _, st := range req.Structures {
		initial = append(initial, model.NewConfiguration(st))
	}

	controller, err := offline.NewController(ctx, offline.Config{
		RunID:            req.RunID,
		MaxIterations:    s.MaxIterations,
		SamplesToRetrain: s.SamplesToRetrain,
		FileDir:          s.FileDir,
		Filename:         s.Filename,
		Parent:           newParent(),
		Base:             potential.NewMorse(1.0, 6.0, 1.12, pairCutoff),
		Potential:        newSurrogate(s),
		Initial:          initial,
		Driver:           relaxer,
		Query:            query,
		Termination:      termination,
		Sink:             c.store,
		Logger:           logger,
	})
	if err != nil {
		return RunResult{}, err
	}

	trained, err := controller.Learn(ctx)
	if err != nil {
		return RunResult{}, err
	}
	final, err := relaxer.Relax(ctx, trained, controller.Label(len(controller.Rounds()))+"_final")
	if err != nil {
		return RunResult{}, err
	}

	rounds := controller.Rounds()
	summary := model.RunSummary{
		RunID:        req.RunID,
		Kind:         model.RunKindOffline,
		CreatedAtUTC: time.Now().UTC(),
		Rounds:       len(rounds),
		ParentCalls:  controller.ParentCalls(),
		DatasetSize:  len(controller.Dataset()),
	}
	fillFinal(&summary, final)
	logger.Info("offline run finished",
		slog.Int("rounds", summary.Rounds),
		slog.Int("parent_calls", summary.ParentCalls),
		slog.Int("dataset_size", summary.DatasetSize))

	return c.finish(ctx, stats.RunArtifacts{
		Summary:  summary,
		Settings: s,
		Rounds:   rounds,
	})
}

func fillFinal(summary *model.RunSummary, final model.Configuration) {
	if r, ok := final.Results(); ok {
		summary.FinalEnergy = r.Energy
		summary.FinalFmax = model.MaxForceNorm(r.Forces)
	}
}

func (c *Client) finish(ctx context.Context, artifacts stats.RunArtifacts) (RunResult, error) {
	summary := artifacts.Summary
	if err := c.store.SaveRunSummary(ctx, summary); err != nil {
		return RunResult{}, fmt.Errorf("save run summary: %w", err)
	}
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return RunResult{}, err
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:        summary.RunID,
		Kind:         summary.Kind,
		Steps:        summary.Steps,
		Rounds:       summary.Rounds,
		ParentCalls:  summary.ParentCalls,
		DatasetSize:  summary.DatasetSize,
		FinalEnergy:  summary.FinalEnergy,
		CreatedAtUTC: summary.CreatedAtUTC.Format(time.RFC3339Nano),
	}); err != nil {
		return RunResult{}, err
	}
	return RunResult{
		RunID:        summary.RunID,
		Kind:         summary.Kind,
		ArtifactsDir: filepath.Clean(runDir),
		Steps:        summary.Steps,
		Rounds:       summary.Rounds,
		ParentCalls:  summary.ParentCalls,
		DatasetSize:  summary.DatasetSize,
		FinalEnergy:  summary.FinalEnergy,
		FinalFmax:    summary.FinalFmax,
	}, nil
}

func (c *Client) Runs(_ context.Context, limit int) ([]stats.RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Audit returns the online gating trace of a run. The artifacts written at
// the end of the run are preferred; for runs that never finished the trace
// is rebuilt from the images persisted in the store.
func (c *Client) Audit(ctx context.Context, runID string) ([]model.AuditRecord, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	records, ok, err := stats.ReadAudit(c.artifactsDir, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return records, nil
	}

	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	images, err := c.store.Images(ctx, runID)
	if err != nil {
		return nil, err
	}
	records = make([]model.AuditRecord, 0, len(images))
	for _, img := range images {
		if img.Metadata.Audit != nil {
			records = append(records, *img.Metadata.Audit)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no audit trail for run %s", runID)
	}
	return records, nil
}

func (c *Client) Rounds(_ context.Context, runID string) ([]model.RoundRecord, error) {
	rounds, ok, err := stats.ReadRounds(c.artifactsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no round records for run %s", runID)
	}
	return rounds, nil
}

// Images lists every configuration the run handed to the store.
func (c *Client) Images(ctx context.Context, runID string) ([]model.StoredImage, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.Images(ctx, runID)
}

func (c *Client) Summary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	if err := c.Init(ctx); err != nil {
		return model.RunSummary{}, false, err
	}
	return c.store.GetRunSummary(ctx, runID)
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}
