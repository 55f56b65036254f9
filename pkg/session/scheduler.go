package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultDay = 24 * time.Hour

	minDelayFactor = 0.7
	maxDelayFactor = 1.3
)

// Runner executes a single session.
type Runner interface {
	Execute(ctx context.Context, stop <-chan struct{}) (*models.Session, error)
}

type SchedulerConfig struct {
	MinDailySessions int
	MaxDailySessions int
	Day              time.Duration
	Continuous       bool
}

type CycleReport struct {
	Planned   int
	Completed int
	Failed    int
	Stopped   bool
}

type CycleStatus struct {
	Running       bool       `json:"running"`
	Cycle         int        `json:"cycle"`
	Planned       int        `json:"planned"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	NextSessionAt *time.Time `json:"next_session_at,omitempty"`
	StopRequested bool       `json:"stop_requested"`
}

// Scheduler spreads a random number of sessions over a day, one at a time.
type Scheduler struct {
	runner Runner
	cfg    SchedulerConfig
	rng    Rand
	clock  Clock
	logger *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	mu     sync.RWMutex
	status CycleStatus
}

func NewScheduler(runner Runner, cfg SchedulerConfig, rng Rand, clock Clock, logger *logrus.Logger) *Scheduler {
	if cfg.Day <= 0 {
		cfg.Day = defaultDay
	}
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		rng:    rng,
		clock:  clock,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Stop asks the scheduler to finish the current slot and return. Any hold or
// delay in progress is cut short. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
		s.logger.Info("Trading bot stopping...")
	})
}

func (s *Scheduler) stopping() bool {
	return s.stopped.Load()
}

func (s *Scheduler) Status() CycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.StopRequested = s.stopping()
	return st
}

// Run executes one daily cycle, or keeps starting new ones in continuous mode
// until stopped or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			return err
		}
		if !s.cfg.Continuous || s.stopping() {
			return nil
		}
	}
}

func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	if s.cfg.MinDailySessions < 1 || s.cfg.MaxDailySessions < s.cfg.MinDailySessions {
		return nil, &SchedulerError{Reason: fmt.Sprintf("invalid daily session bounds [%d, %d]", s.cfg.MinDailySessions, s.cfg.MaxDailySessions)}
	}

	count := uniformInt(s.rng, s.cfg.MinDailySessions, s.cfg.MaxDailySessions)
	baseline := s.cfg.Day / time.Duration(count)
	report := &CycleReport{Planned: count}

	s.mu.Lock()
	s.status = CycleStatus{Running: true, Cycle: s.status.Cycle + 1, Planned: count}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.status.Running = false
		s.status.NextSessionAt = nil
		s.mu.Unlock()
	}()

	s.logger.WithFields(logrus.Fields{
		"sessions": count,
		"baseline": baseline.String(),
	}).Info("Starting daily cycle")

	for slot := 1; slot <= count; slot++ {
		if s.stopping() {
			report.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		s.runSlot(ctx, slot, count, report)

		if s.stopping() {
			report.Stopped = true
			break
		}
		if slot == count {
			break
		}

		delay := time.Duration(uniform(s.rng, float64(baseline)*minDelayFactor, float64(baseline)*maxDelayFactor))
		next := s.clock.Now().Add(delay)
		s.mu.Lock()
		s.status.NextSessionAt = &next
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"slot":  slot,
			"total": count,
		}).Infof("Completed session %d/%d. Next session in %.1f minutes", slot, count, delay.Minutes())

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-s.stopCh:
			report.Stopped = true
		case <-s.clock.After(delay):
		}
		if report.Stopped {
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"planned":   report.Planned,
		"completed": report.Completed,
		"failed":    report.Failed,
		"stopped":   report.Stopped,
	}).Info("Daily cycle completed")
	return report, nil
}

func (s *Scheduler) runSlot(ctx context.Context, slot, count int, report *CycleReport) {
	log := s.logger.WithField("slot", fmt.Sprintf("%d/%d", slot, count))

	sess, err := s.runner.Execute(ctx, s.stopCh)
	if err != nil {
		report.Failed++
		var serr *SessionError
		if errors.As(err, &serr) {
			log = log.WithField("session_id", serr.SessionID)
		}
		log.WithError(err).Errorf("Session %d failed", slot)
	} else {
		report.Completed++
		log.WithField("session_id", sess.ID).Info("Session settled")
	}

	s.mu.Lock()
	s.status.Completed = report.Completed
	s.status.Failed = report.Failed
	s.mu.Unlock()
}
