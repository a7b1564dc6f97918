package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type Phase string

const (
	PhaseBootstrap Phase = "bootstrap"
	PhasePredict   Phase = "predict"
)

// AuditRecord is the per-step trace of an online gating decision.
type AuditRecord struct {
	VersionedRecord
	Key             string   `json:"key"`
	RunID           string   `json:"run_id"`
	Step            int      `json:"step"`
	Phase           Phase    `json:"phase"`
	ParentCalled    bool     `json:"parent_called"`
	BudgetExhausted bool     `json:"budget_exhausted,omitempty"`
	Unsafe          bool     `json:"unsafe"`
	Verify          bool     `json:"verify"`
	Uncertainty     float64  `json:"uncertainty"`
	BaseUncertainty float64  `json:"base_uncertainty"`
	Tolerance       float64  `json:"tolerance"`
	PredictedFmax   float64  `json:"predicted_fmax"`
	ParentEnergy    *float64 `json:"parent_energy,omitempty"`
	ParentFmax      *float64 `json:"parent_fmax,omitempty"`
	DatasetSize     int      `json:"dataset_size"`
	ParentCalls     int      `json:"parent_calls"`
}

// RoundRecord summarizes one offline learning round.
type RoundRecord struct {
	VersionedRecord
	RunID          string  `json:"run_id"`
	Round          int     `json:"round"`
	Label          string  `json:"label"`
	DatasetSize    int     `json:"dataset_size"`
	Candidates     int     `json:"candidates"`
	Queried        int     `json:"queried"`
	MaxEnergyError float64 `json:"max_energy_error"`
	MaxForceError  float64 `json:"max_force_error"`
}

type RunKind string

const (
	RunKindOnline  RunKind = "online"
	RunKindOffline RunKind = "offline"
)

// Metadata accompanies a batch of images handed to a persistence sink.
type Metadata struct {
	RunID string       `json:"run_id"`
	Kind  RunKind      `json:"kind"`
	Key   string       `json:"key"`
	Step  int          `json:"step,omitempty"`
	Round int          `json:"round,omitempty"`
	Audit *AuditRecord `json:"audit,omitempty"`
}

// StoredImage is a persisted configuration with its write metadata.
type StoredImage struct {
	VersionedRecord
	Metadata  Metadata  `json:"metadata"`
	Index     int       `json:"index"`
	Structure Structure `json:"structure"`
	Results   *Results  `json:"results,omitempty"`
}

type RunSummary struct {
	VersionedRecord
	RunID        string    `json:"run_id"`
	Kind         RunKind   `json:"kind"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
	Steps        int       `json:"steps"`
	Rounds       int       `json:"rounds"`
	ParentCalls  int       `json:"parent_calls"`
	DatasetSize  int       `json:"dataset_size"`
	FinalEnergy  float64   `json:"final_energy"`
	FinalFmax    float64   `json:"final_fmax"`
}
