package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

const DefaultMDNSService = "_zephyrmesh._tcp"

// MDNSSource advertises this node on the local link and browses for others.
type MDNSSource struct {
	service string
	log     *zap.Logger

	mu     sync.Mutex
	server *mdns.Server
}

func NewMDNSSource(service string, logger *zap.Logger) *MDNSSource {
	if service == "" {
		service = DefaultMDNSService
	}
	return &MDNSSource{service: service, log: logging.OrNop(logger).Named("mdns")}
}

func (m *MDNSSource) Name() string { return "mdns" }

func (m *MDNSSource) Register(_ context.Context, self Self) error {
	var ips []net.IP
	if ip := net.ParseIP(self.Host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	} else {
		ips = LocalIPv4s()
	}
	if len(ips) == 0 {
		return fmt.Errorf("no address to advertise for %q", self.Host)
	}

	svc, err := mdns.NewMDNSService(self.ID, m.service, "", "", self.Port, ips, []string{"id=" + self.ID, "host=" + self.Hostname})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	m.mu.Lock()
	old := m.server
	m.server = srv
	m.mu.Unlock()
	if old != nil {
		_ = old.Shutdown()
	}
	return nil
}

// Lookup browses for half of the remaining scan budget so probes still have
// time to run. Only entries on the target port are returned.
func (m *MDNSSource) Lookup(ctx context.Context, port int) ([]string, error) {
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl) / 2
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	entries := make(chan *mdns.ServiceEntry, 32)
	var out []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if e.Port != port || e.AddrV4 == nil {
				continue
			}
			out = append(out, "http://"+net.JoinHostPort(e.AddrV4.String(), strconv.Itoa(e.Port)))
		}
	}()

	params := mdns.DefaultParams(m.service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return out, nil
}

func (m *MDNSSource) Close() error {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

// LocalIPv4s lists non-loopback IPv4 addresses of this host.
func LocalIPv4s() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips
}
