// Package training submits training jobs to the backend and follows them
// to a terminal outcome.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/backend"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultTimeout       = time.Hour
	defaultLegacyTimeout = 30 * time.Minute
	defaultEpochs        = 100
	defaultModelType     = "lstm"
)

// API is the slice of the backend client the poller needs.
// *backend.Client satisfies it.
type API interface {
	SubmitTrainingJob(ctx context.Context, req backend.TrainingJobRequest) (*backend.TrainingJob, error)
	GetTrainingJob(ctx context.Context, id string) (*backend.TrainingJob, error)
	TrainDeepLearningLegacy(ctx context.Context, symbol, modelType string, timeout time.Duration) (*backend.LegacyTrainResult, error)
	TrainStable(ctx context.Context, symbol string) (*backend.StableTrainResult, error)
}

// Request describes one training invocation.
type Request struct {
	Symbol    string
	ModelType string
	Epochs    int
}

// Callbacks receive progress. Any of them may be nil.
type Callbacks struct {
	OnSubmitted func(job *backend.TrainingJob)
	OnStatus    func(jobID, status string)
	OnLog       func(line string)
}

func (cb Callbacks) submitted(job *backend.TrainingJob) {
	if cb.OnSubmitted != nil {
		cb.OnSubmitted(job)
	}
}

func (cb Callbacks) status(jobID, status string) {
	if cb.OnStatus != nil {
		cb.OnStatus(jobID, status)
	}
}

func (cb Callbacks) log(line string) {
	if cb.OnLog != nil {
		cb.OnLog(line)
	}
}

// Outcome is a successful training run.
type Outcome struct {
	// JobID is empty when the run went through the legacy endpoint
	JobID    string
	Mode     Mode
	Summary  string
	Result   *backend.TrainingJobResult
	Fallback bool
}

// Options configures a Poller.
type Options struct {
	PollInterval     time.Duration
	Timeout          time.Duration
	LegacyTimeout    time.Duration
	DefaultEpochs    int
	DefaultModelType string
	Logger           *zap.Logger

	// Sleep and Now are replaced in tests
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Poller runs training requests against the backend.
type Poller struct {
	api    API
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPoller creates a poller, filling unset options with defaults.
func NewPoller(api API, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.LegacyTimeout <= 0 {
		opts.LegacyTimeout = defaultLegacyTimeout
	}
	if opts.DefaultEpochs <= 0 {
		opts.DefaultEpochs = defaultEpochs
	}
	if opts.DefaultModelType == "" {
		opts.DefaultModelType = defaultModelType
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		api:      api,
		opts:     opts,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

func (p *Poller) normalize(req Request) Request {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.ModelType = strings.ToLower(strings.TrimSpace(req.ModelType))
	if req.ModelType == "" {
		req.ModelType = p.opts.DefaultModelType
	}
	if req.Epochs <= 0 {
		req.Epochs = p.opts.DefaultEpochs
	}
	return req
}

// TrainDeepLearning submits an asynchronous job and polls it to the end.
// When the backend has no job API the request is retried once through the
// legacy synchronous endpoint; a legacy failure is returned as is.
func (p *Poller) TrainDeepLearning(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	req = p.normalize(req)
	if req.Symbol == "" {
		return nil, errors.New("symbol is required")
	}

	out, err := p.trainJob(ctx, req, cb)
	if err == nil {
		return out, nil
	}
	if !backend.IsUnsupportedAPI(err) {
		return nil, err
	}

	p.logger.Info("job API unavailable, using legacy training endpoint",
		zap.String("symbol", req.Symbol), zap.Error(err))
	legacy, lerr := p.api.TrainDeepLearningLegacy(ctx, req.Symbol, req.ModelType, p.opts.LegacyTimeout)
	if lerr != nil {
		return nil, lerr
	}
	return &Outcome{
		Mode:     ModeDeep,
		Summary:  SummarizeLegacy(legacy),
		Fallback: true,
	}, nil
}

func (p *Poller) trainJob(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	job, err := p.api.SubmitTrainingJob(ctx, backend.TrainingJobRequest{
		Symbol:    req.Symbol,
		ModelType: req.ModelType,
		Epochs:    req.Epochs,
	})
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, &backend.DecodingError{Endpoint: "training job submission", Err: errors.New("response has no job id")}
	}

	p.logger.Info("training job queued",
		zap.String("job_id", job.ID), zap.String("symbol", req.Symbol), zap.Int("epochs", req.Epochs))
	cb.submitted(job)

	result, err := p.Poll(ctx, job, cb)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		JobID:   job.ID,
		Mode:    ModeDeep,
		Summary: Summarize(result, req.ModelType),
		Result:  result,
	}, nil
}

// Poll follows a submitted job until it completes, fails, or the deadline
// passes. New log lines are delivered once each in order; a status is
// reported only when it changes. Only one loop may run per job ID.
func (p *Poller) Poll(ctx context.Context, job *backend.TrainingJob, cb Callbacks) (*backend.TrainingJobResult, error) {
	if !p.acquire(job.ID) {
		return nil, ErrAlreadyPolling
	}
	defer p.release(job.ID)

	cursor := NewCursor(job.NormalizedStatus(), p.opts.Now())
	logger := p.logger.With(zap.String("job_id", job.ID))

	for {
		if elapsed := cursor.Elapsed(p.opts.Now()); elapsed >= p.opts.Timeout {
			logger.Warn("training job timed out", zap.Duration("elapsed", elapsed))
			return nil, &TimeoutError{JobID: job.ID, Elapsed: elapsed}
		}

		snap, err := p.api.GetTrainingJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}

		for _, line := range cursor.Advance(snap.Logs) {
			cb.log(line)
		}

		status := snap.NormalizedStatus()
		if cursor.ObserveStatus(status) {
			logger.Debug("training job status", zap.String("status", status))
			cb.status(job.ID, status)
		}

		switch status {
		case backend.JobCompleted:
			if snap.Result == nil {
				return nil, ErrMissingResult
			}
			return snap.Result, nil
		case backend.JobFailed:
			failure := classifyFailure(job.ID, snap.Error)
			logger.Warn("training job failed", zap.String("error", snap.Error))
			return nil, failure
		}

		if err := p.opts.Sleep(ctx, p.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (p *Poller) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Poller) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// TrainStable runs the classic synchronous training endpoint.
func (p *Poller) TrainStable(ctx context.Context, symbol string) (*Outcome, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	res, err := p.api.TrainStable(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &Outcome{Mode: ModeStable, Summary: strings.TrimSpace(res.Result)}, nil
}

// Mode selects the training path.
type Mode string

const (
	// ModeAuto tries stable training first and deep learning if it fails.
	ModeAuto   Mode = "auto"
	ModeStable Mode = "stable"
	ModeDeep   Mode = "deep"
)

// ParseMode validates a mode name; empty means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeStable:
		return ModeStable, nil
	case ModeDeep:
		return ModeDeep, nil
	}
	return "", fmt.Errorf("unknown training mode %q (want auto, stable or deep)", s)
}

// Train dispatches on mode.
func (p *Poller) Train(ctx context.Context, req Request, mode Mode, cb Callbacks) (*Outcome, error) {
	switch mode {
	case ModeStable:
		return p.TrainStable(ctx, req.Symbol)
	case ModeDeep:
		return p.TrainDeepLearning(ctx, req, cb)
	case ModeAuto, "":
		out, err := p.TrainStable(ctx, req.Symbol)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		p.logger.Info("stable training failed, trying deep learning",
			zap.String("symbol", req.Symbol), zap.Error(err))
		return p.TrainDeepLearning(ctx, req, cb)
	}
	return nil, fmt.Errorf("unknown training mode %q", mode)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
