package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

const etcdPrefix = "/zephyrmesh/nodes/"

// EtcdSource registers this node under a leased key and lists siblings by prefix.
type EtcdSource struct {
	cli *clientv3.Client
	ttl int64
	log *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func NewEtcdSource(cli *clientv3.Client, ttl int64, logger *zap.Logger) *EtcdSource {
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdSource{cli: cli, ttl: ttl, log: logging.OrNop(logger).Named("etcd")}
}

func (e *EtcdSource) Name() string { return "etcd" }

// Register writes self.BaseURL() under the node key with a lease kept alive
// until Close.
func (e *EtcdSource) Register(ctx context.Context, self Self) error {
	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := etcdPrefix + self.ID
	if _, err := e.cli.Put(ctx, key, self.BaseURL(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		e.log.Debug("keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()

	e.mu.Lock()
	e.lease, e.cancel = lease.ID, cancel
	e.mu.Unlock()
	return nil
}

func (e *EtcdSource) Lookup(ctx context.Context, port int) ([]string, error) {
	resp, err := e.cli.Get(ctx, etcdPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if addr := addrFromKV(kv, port); addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}

func addrFromKV(kv *mvccpb.KeyValue, port int) string {
	v := strings.TrimSpace(string(kv.Value))
	if v == "" {
		return ""
	}
	return BaseURL(v, port)
}

// Close revokes the lease so the key disappears immediately, then closes the client.
func (e *EtcdSource) Close() error {
	e.mu.Lock()
	lease, cancel := e.lease, e.cancel
	e.lease, e.cancel = 0, nil
	e.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = e.cli.Revoke(ctx, lease)
		done()
	}
	if cerr := e.cli.Close(); err == nil {
		err = cerr
	}
	return err
}
