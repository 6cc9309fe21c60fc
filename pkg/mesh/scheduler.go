package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

// Discoverer is the network discovery client. *discovery.Scanner implements it.
type Discoverer interface {
	Discover(ctx context.Context, port int, timeout time.Duration) ([]discovery.Service, error)
}

type SchedulerOptions struct {
	Port     int
	Timeout  time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Scheduler runs discovery cycles anchored to each cycle's start: the next
// cycle begins interval after the previous one began, or immediately if the
// scan overran.
type Scheduler struct {
	disc     Discoverer
	registry *Registry
	clock    clock.Clock
	port     int
	timeout  time.Duration
	interval time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	lastStart time.Time
	timer     *clock.Timer
}

func NewScheduler(disc Discoverer, registry *Registry, opts SchedulerOptions) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Scheduler{
		disc:     disc,
		registry: registry,
		clock:    opts.Clock,
		port:     opts.Port,
		timeout:  opts.Timeout,
		interval: opts.Interval,
		log:      logging.OrNop(opts.Logger).Named("scheduler"),
	}
}

// NextDelay is max(0, start+interval-now).
func NextDelay(start time.Time, interval time.Duration, now time.Time) time.Duration {
	if d := start.Add(interval).Sub(now); d > 0 {
		return d
	}
	return 0
}

// RunOnce performs one cycle and returns the delay until the next one. A
// failed scan counts as zero candidates.
func (s *Scheduler) RunOnce(ctx context.Context) time.Duration {
	start := s.clock.Now()
	s.mu.Lock()
	s.lastStart = start
	s.mu.Unlock()

	services, err := s.disc.Discover(ctx, s.port, s.timeout)
	telemetry.DiscoveryDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		telemetry.DiscoveryCycles.WithLabelValues("error").Inc()
		s.log.Debug("discovery failed", zap.Error(err))
		services = nil
	} else {
		telemetry.DiscoveryCycles.WithLabelValues("ok").Inc()
	}

	if len(services) > 0 {
		candidates := make([]PeerDescriptor, 0, len(services))
		for _, svc := range services {
			candidates = append(candidates, descriptorFrom(svc, start))
		}
		admitted, err := s.registry.Admit(candidates)
		switch {
		case err != nil:
			s.log.Warn("admit failed", zap.Error(err))
		case len(admitted) > 0:
			s.log.Info("discovery cycle admitted peers", zap.Int("admitted", len(admitted)), zap.Int("known", s.registry.Len()))
		}
	}

	return NextDelay(start, s.interval, s.clock.Now())
}

// Run executes the first cycle immediately and keeps cycling until ctx is
// done. Cancellation only stops the pending timer; a scan in flight runs to
// its own timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	scanCtx := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay := s.RunOnce(scanCtx)
		if delay == 0 {
			continue
		}

		t := s.clock.Timer(delay)
		s.mu.Lock()
		s.timer = t
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			t.Stop()
			s.clearTimer()
			return ctx.Err()
		case <-t.C:
			s.clearTimer()
		}
	}
}

func (s *Scheduler) clearTimer() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
}

// armed reports whether a next cycle is pending.
func (s *Scheduler) armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// LastStart is the start time of the most recent cycle.
func (s *Scheduler) LastStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStart
}
