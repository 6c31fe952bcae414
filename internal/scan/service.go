package scan

import (
	"context"
	"sync"
	"time"

	"coursewatch/pkg/logx"
)

// ServiceConfig controls the background cycle loop.
type ServiceConfig struct {
	// Schedule is the parsed cadence, see ParseSchedule.
	Schedule Schedule
	// Jitter spreads interval runs by ±Jitter. Ignored for cron.
	Jitter time.Duration
	// RunOnStart runs one cycle immediately instead of waiting for the
	// first tick.
	RunOnStart bool
}

// Service runs RunCycle on the configured schedule until stopped.
type Service struct {
	orch *Orchestrator
	cfg  ServiceConfig
	log  logx.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(orch *Orchestrator, cfg ServiceConfig, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{orch: orch, cfg: cfg, log: log.With(logx.String("comp", "scan.service"))}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.log.Info("started", logx.Bool("cron", s.cfg.Schedule.IsCron()))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.cfg.RunOnStart {
		s.orch.RunCycle(ctx)
	}
	timer := time.NewTimer(s.cfg.Schedule.Next(time.Now(), s.cfg.Jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.orch.RunCycle(ctx)
			timer.Reset(s.cfg.Schedule.Next(time.Now(), s.cfg.Jitter))
		}
	}
}
