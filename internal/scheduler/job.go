// Package scheduler runs periodic maintenance work: trade reaping and the
// relay tip-account refresh.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type JobConfig struct {
	Name     string
	Interval time.Duration // e.g. 1*time.Minute
	Timeout  time.Duration // per run; defaults to Interval
	// RunOnStart fires one run immediately instead of waiting a full interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
	Logger     *zap.Logger
}

// Job calls Run on a fixed ticker until stopped. Runs never overlap: a
// tick that arrives while Run is still going is dropped by the ticker.
type Job struct {
	cfg JobConfig
	log *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewJob(cfg JobConfig) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		cfg: cfg,
		log: log.With(zap.String("component", "scheduler"), zap.String("job", cfg.Name)),
	}
}

func (j *Job) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.log.Debug("already running")
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.done = make(chan struct{})
	stopCh, done := j.stopCh, j.done
	j.mu.Unlock()

	go func() {
		defer close(done)
		if j.cfg.RunOnStart {
			j.runOnce()
		}
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				j.runOnce()
			}
		}
	}()

	j.log.Info("started", zap.Duration("interval", j.cfg.Interval))
}

// Stop halts the ticker and waits for an in-progress run to return.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopCh)
	j.running = false
	done := j.done
	j.mu.Unlock()

	<-done
	j.log.Info("stopped")
}

func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// RunNow triggers a run outside the normal schedule.
func (j *Job) RunNow(ctx context.Context) error {
	return j.cfg.Run(ctx)
}

func (j *Job) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	if err := j.cfg.Run(ctx); err != nil {
		j.log.Warn("run failed", zap.Error(err))
	}
}
