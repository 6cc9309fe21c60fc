package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

// Scanner is the network discovery client: it asks every source for
// candidates and keeps the ones that answer on /status.
type Scanner struct {
	sources []Source
	prober  *Prober
	limit   int
	log     *zap.Logger
}

func NewScanner(logger *zap.Logger, probeConcurrency int, sources ...Source) *Scanner {
	if probeConcurrency <= 0 {
		probeConcurrency = 16
	}
	return &Scanner{
		sources: sources,
		prober:  &Prober{},
		limit:   probeConcurrency,
		log:     logging.OrNop(logger).Named("discovery"),
	}
}

// WithProber swaps the status prober, mostly for tests.
func (s *Scanner) WithProber(p *Prober) *Scanner {
	s.prober = p
	return s
}

// Discover runs one scan bounded by timeout. A source that fails is logged
// and skipped; the scan fails only when every source does. Candidates that
// do not answer the probe are dropped. Results keep first-seen order.
func (s *Scanner) Discover(ctx context.Context, port int, timeout time.Duration) ([]Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make([][]string, len(s.sources))
	errs := make([]error, len(s.sources))
	var g errgroup.Group
	for i, src := range s.sources {
		g.Go(func() error {
			found[i], errs[i] = src.Lookup(ctx, port)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			s.log.Debug("source lookup failed", zap.String("source", s.sources[i].Name()), zap.Error(err))
		}
	}
	if len(s.sources) > 0 && failed == len(s.sources) {
		return nil, fmt.Errorf("%w: %v", ErrScanFailed, multierr.Combine(errs...))
	}

	seen := make(map[string]struct{})
	var addrs []string
	for _, list := range found {
		for _, a := range list {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}

	probed := make([]*Service, len(addrs))
	var pg errgroup.Group
	pg.SetLimit(s.limit)
	for i, addr := range addrs {
		pg.Go(func() error {
			st, err := s.prober.Probe(ctx, addr)
			if err != nil {
				s.log.Debug("probe failed", zap.String("addr", addr), zap.Error(err))
				return nil
			}
			probed[i] = &Service{URL: addr, Status: st}
			return nil
		})
	}
	_ = pg.Wait()

	out := make([]Service, 0, len(probed))
	for _, svc := range probed {
		if svc != nil {
			out = append(out, *svc)
		}
	}
	return out, nil
}

// Register announces self on every source.
func (s *Scanner) Register(ctx context.Context, self Self) error {
	var err error
	for _, src := range s.sources {
		if e := src.Register(ctx, self); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", src.Name(), e))
			continue
		}
		s.log.Info("registered", zap.String("source", src.Name()), zap.String("url", self.BaseURL()))
	}
	return err
}

// Close withdraws the announcement from every source.
func (s *Scanner) Close() error {
	var err error
	for _, src := range s.sources {
		err = multierr.Append(err, src.Close())
	}
	return err
}
