package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/model"
)

// Outcome summarizes how a run ended.
type Outcome string

const (
	// OutcomeNoop means nothing changed upstream; only lastRunTimestamp moved.
	OutcomeNoop Outcome = "noop"
	// OutcomeSuccess means every change was mirrored and every artifact published.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means state was committed but some projects failed to
	// fetch or the tile archive could not be rebuilt.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means the run aborted and state is untouched.
	OutcomeFailed Outcome = "failed"
	// OutcomeLocked means another run holds the lock; nothing was done.
	OutcomeLocked Outcome = "locked"
)

// PhaseStatus is the result of one pipeline phase.
type PhaseStatus string

const (
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
)

// Phase records the timing of one pipeline step.
type Phase struct {
	Name     string        `json:"name"`
	Status   PhaseStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report describes one run.
type Report struct {
	RunID     string        `json:"runId,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	Listed    int  `json:"listed"`
	Complete  bool `json:"complete"`
	Added     int  `json:"added"`
	Updated   int  `json:"updated"`
	Removed   int  `json:"removed"`
	Unchanged int  `json:"unchanged"`
	Repaired  int  `json:"repaired"`
	Fetched   int  `json:"fetched"`

	FailedIDs  []model.EntityID `json:"failedIds,omitempty"`
	GoneIDs    []model.EntityID `json:"goneIds,omitempty"`
	SkippedIDs []model.EntityID `json:"skippedIds,omitempty"`

	Features     int    `json:"features"`
	TilesRebuilt bool   `json:"tilesRebuilt"`
	TilesError   string `json:"tilesError,omitempty"`

	Phases []Phase `json:"phases"`
	Error  string  `json:"error,omitempty"`
}

// ExitCode is the process status for the report: non-zero only on failure.
func (r *Report) ExitCode() int {
	if r.Outcome == OutcomeFailed {
		return 1
	}
	return 0
}

func (r *Report) fields() []zap.Field {
	return []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("outcome", string(r.Outcome)),
		zap.Duration("elapsed", r.Duration),
		zap.Int("listed", r.Listed),
		zap.Int("added", r.Added),
		zap.Int("updated", r.Updated),
		zap.Int("removed", r.Removed),
		zap.Int("unchanged", r.Unchanged),
		zap.Int("fetched", r.Fetched),
		zap.Int("failed", len(r.FailedIDs)),
		zap.Int("features", r.Features),
		zap.Bool("tiles_rebuilt", r.TilesRebuilt),
	}
}
