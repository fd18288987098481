package history

import (
	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/training"
)

// Recorder writes training progress into the store. Storage failures are
// logged and never interrupt training.
type Recorder struct {
	db     *DB
	logger *zap.Logger
}

// NewRecorder creates a recorder over db.
func NewRecorder(db *DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger}
}

// Begin creates a running run for req.
func (r *Recorder) Begin(req training.Request, mode training.Mode) (*Run, error) {
	run := &Run{
		Symbol:    req.Symbol,
		ModelType: req.ModelType,
		Mode:      string(mode),
	}
	if err := r.db.CreateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Wrap returns callbacks that record the job ID and every log line before
// forwarding to next.
func (r *Recorder) Wrap(run *Run, next training.Callbacks) training.Callbacks {
	logger := r.logger.With(zap.String("run_id", run.ID))
	return training.Callbacks{
		OnSubmitted: func(job *backend.TrainingJob) {
			if err := r.db.SetJobID(run.ID, job.ID); err != nil {
				logger.Warn("failed to record job id", zap.Error(err))
			} else {
				id := job.ID
				run.JobID = &id
			}
			if next.OnSubmitted != nil {
				next.OnSubmitted(job)
			}
		},
		OnStatus: next.OnStatus,
		OnLog: func(line string) {
			if err := r.db.AppendLog(run.ID, line); err != nil {
				logger.Warn("failed to record log line", zap.Error(err))
			}
			if next.OnLog != nil {
				next.OnLog(line)
			}
		},
	}
}

// Finish stores the run's outcome.
func (r *Recorder) Finish(run *Run, out *training.Outcome, trainErr error) error {
	if trainErr != nil {
		msg := trainErr.Error()
		run.Status = RunStatusFailed
		run.Error = &msg
		return r.db.FinishRun(run.ID, RunStatusFailed, nil, &msg, false)
	}
	summary := out.Summary
	run.Status = RunStatusCompleted
	run.Summary = &summary
	run.Fallback = out.Fallback
	if out.Mode != "" {
		run.Mode = string(out.Mode)
	}
	return r.db.FinishRun(run.ID, RunStatusCompleted, &summary, nil, out.Fallback)
}
