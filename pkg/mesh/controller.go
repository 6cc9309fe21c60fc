package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/graph"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
)

// MessagesSoul is the soul linking every message key.
const MessagesSoul = "messages"

// DiscoveryClient scans for siblings and announces this node.
// *discovery.Scanner implements it.
type DiscoveryClient interface {
	Discoverer
	Register(ctx context.Context, self discovery.Self) error
	Close() error
}

type Options struct {
	Config    config.Config
	Identity  identity.ID
	Hostname  string
	Discovery DiscoveryClient
	// Routes mounts the application endpoints once the store and registry exist.
	Routes func(mux *http.ServeMux, c *Controller)
	Clock  clock.Clock
	Logger *zap.Logger
}

// Controller owns the node's components and starts them in order: listener,
// store on /gun, message subscription, HTTP serving, then discovery.
type Controller struct {
	opts Options
	log  *zap.Logger

	mux       *http.ServeMux
	ln        net.Listener
	srv       *http.Server
	store     *graph.Store
	registry  *Registry
	scheduler *Scheduler
	self      discovery.Self

	stopWatch func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	once      sync.Once
}

func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Controller{
		opts: opts,
		log:  logging.OrNop(opts.Logger).Named("mesh"),
		mux:  http.NewServeMux(),
	}
}

// Start returns once the node is serving and the first discovery cycle has
// been launched.
func (c *Controller) Start(ctx context.Context) error {
	cfg := c.opts.Config

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
	}
	c.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port

	store, err := graph.Open(graph.Options{
		Dir:          cfg.StorageDir,
		Logger:       c.opts.Logger,
		ReconnectMin: cfg.Sync.ReconnectMin,
		ReconnectMax: cfg.Sync.ReconnectMax,
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	c.store = store
	c.mux.Handle("/gun", store.Handler())
	c.registry = NewRegistry(c.opts.Identity, store.Peers(), c.opts.Logger)
	if c.opts.Routes != nil {
		c.opts.Routes(c.mux, c)
	}

	c.watchMessages()

	c.srv = &http.Server{Handler: c.mux, ReadHeaderTimeout: 5 * time.Second}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("http server stopped", zap.Error(err))
		}
	}()

	c.self = discovery.Self{
		ID:       c.opts.Identity.String(),
		Hostname: c.opts.Hostname,
		Host:     advertiseHost(cfg.AdvertiseHost),
		Port:     port,
	}
	c.log.Info("node listening",
		zap.String("uniqueId", c.self.ID),
		zap.String("addr", ln.Addr().String()),
		zap.String("advertise", c.self.BaseURL()),
	)

	if c.opts.Discovery == nil {
		return nil
	}
	if err := c.opts.Discovery.Register(ctx, c.self); err != nil {
		c.log.Warn("discovery registration incomplete", zap.Error(err))
	}

	c.scheduler = NewScheduler(c.opts.Discovery, c.registry, SchedulerOptions{
		Port:     port,
		Timeout:  cfg.ScanTimeout,
		Interval: cfg.DiscoveryInterval,
		Clock:    c.opts.Clock,
		Logger:   c.opts.Logger,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.scheduler.Run(runCtx)
	}()
	return nil
}

func (c *Controller) watchMessages() {
	ch, stop := c.store.Subscribe(MessagesSoul)
	c.stopWatch = stop
	c.countMessages()
	go func() {
		for change := range ch {
			n := c.countMessages()
			c.log.Debug("messages changed", zap.String("key", change.Field), zap.Bool("deleted", change.Deleted()), zap.Int("live", n))
		}
	}()
}

func (c *Controller) countMessages() int {
	n := 0
	if links, ok := c.store.Get(MessagesSoul); ok {
		for _, f := range links {
			if !f.IsNull() {
				n++
			}
		}
	}
	telemetry.Messages.Set(float64(n))
	return n
}

// Shutdown stops the pending discovery cycle, withdraws the announcement,
// stops HTTP and closes the store.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.srv != nil {
			err = multierr.Append(err, c.srv.Shutdown(ctx))
		}

		// A scan in flight finishes within its own timeout.
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		}

		if c.opts.Discovery != nil {
			err = multierr.Append(err, c.opts.Discovery.Close())
		}
		if c.stopWatch != nil {
			c.stopWatch()
		}
		if c.store != nil {
			err = multierr.Append(err, c.store.Close())
		}
	})
	return err
}

// Store is the replicated store, available after Start.
func (c *Controller) Store() *graph.Store { return c.store }

// Registry is the peer registry, available after Start.
func (c *Controller) Registry() *Registry { return c.registry }

// Scheduler is nil when the controller runs without a discovery client.
func (c *Controller) Scheduler() *Scheduler { return c.scheduler }

// Self is what this node announces to discovery sources.
func (c *Controller) Self() discovery.Self { return c.self }

// Identity is the node's process-lifetime fingerprint.
func (c *Controller) Identity() identity.ID { return c.opts.Identity }

// Hostname is the OS host name reported on /status.
func (c *Controller) Hostname() string { return c.opts.Hostname }

// Addr is the bound listener address.
func (c *Controller) Addr() net.Addr { return c.ln.Addr() }

// Handler is the node's mux, including /gun.
func (c *Controller) Handler() http.Handler { return c.mux }

func advertiseHost(configured string) string {
	if configured != "" {
		return configured
	}
	if ips := discovery.LocalIPv4s(); len(ips) > 0 {
		return ips[0].String()
	}
	return "127.0.0.1"
}
