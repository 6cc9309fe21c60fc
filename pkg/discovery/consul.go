package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

const DefaultConsulService = "zephyrmesh"

// ConsulSource registers an agent service with an HTTP check on /status and
// lists the passing instances of that service.
type ConsulSource struct {
	cli     *consulapi.Client
	service string
	log     *zap.Logger

	mu sync.Mutex
	id string
}

func NewConsulSource(addr, service string, logger *zap.Logger) (*ConsulSource, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if service == "" {
		service = DefaultConsulService
	}
	return &ConsulSource{cli: cli, service: service, log: logging.OrNop(logger).Named("consul")}, nil
}

func (c *ConsulSource) Name() string { return "consul" }

func (c *ConsulSource) Register(ctx context.Context, self Self) error {
	id := c.service + "-" + self.ID
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    c.service,
		Address: self.Host,
		Port:    self.Port,
		Meta:    map[string]string{"uniqueId": self.ID, "hostname": self.Hostname},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           self.BaseURL() + "/status",
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	opts := consulapi.ServiceRegisterOpts{}.WithContext(ctx)
	if err := c.cli.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return nil
}

func (c *ConsulSource) Lookup(ctx context.Context, port int) ([]string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.cli.Health().Service(c.service, "", true, q)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		p := e.Service.Port
		if p == 0 {
			p = port
		}
		out = append(out, "http://"+net.JoinHostPort(host, strconv.Itoa(p)))
	}
	return out, nil
}

func (c *ConsulSource) Close() error {
	c.mu.Lock()
	id := c.id
	c.id = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.cli.Agent().ServiceDeregister(id)
}
