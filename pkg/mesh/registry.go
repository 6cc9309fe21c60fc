package mesh

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/graph"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
)

// PeerList is the store's set of sync endpoints. *graph.Peers implements it.
type PeerList interface {
	Add(urls ...string) error
	Remove(url string) error
}

// Registry is the authoritative set of known peers. No two entries share a
// uniqueId or a syncUrl, and the local identity is never admitted. Writers
// are serialized; List may run concurrently with them.
type Registry struct {
	self  identity.ID
	peers PeerList
	log   *zap.Logger

	mu      sync.RWMutex
	entries []PeerDescriptor
	ids     map[string]struct{}
	urls    map[string]struct{}
}

func NewRegistry(self identity.ID, peers PeerList, logger *zap.Logger) *Registry {
	return &Registry{
		self:  self,
		peers: peers,
		log:   logging.OrNop(logger).Named("registry"),
		ids:   make(map[string]struct{}),
		urls:  make(map[string]struct{}),
	}
}

// Admit adds the candidates that are new, in input order, and returns them.
// A candidate is skipped when it is malformed, carries the local identity,
// or repeats a uniqueId or syncUrl already in the registry or earlier in the
// batch. The store's peer list is extended in one call; if that fails nothing
// is admitted and the error wraps ErrStoreUnavailable.
func (r *Registry) Admit(candidates []PeerDescriptor) ([]PeerDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batchIDs := make(map[string]struct{})
	batchURLs := make(map[string]struct{})
	var admitted []PeerDescriptor
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			r.log.Debug("skipping malformed candidate", zap.Error(err))
			telemetry.PeerAdmissions.WithLabelValues("invalid").Inc()
			continue
		}
		if c.UniqueID == r.self.String() {
			telemetry.PeerAdmissions.WithLabelValues("self").Inc()
			continue
		}
		if has(r.ids, batchIDs, c.UniqueID) {
			telemetry.PeerAdmissions.WithLabelValues("duplicate_id").Inc()
			continue
		}
		if has(r.urls, batchURLs, c.SyncURL) {
			telemetry.PeerAdmissions.WithLabelValues("duplicate_url").Inc()
			continue
		}
		batchIDs[c.UniqueID] = struct{}{}
		batchURLs[c.SyncURL] = struct{}{}
		admitted = append(admitted, c)
	}
	if len(admitted) == 0 {
		return nil, nil
	}

	urls := make([]string, len(admitted))
	for i, d := range admitted {
		urls[i] = d.SyncURL
	}
	if err := r.peers.Add(urls...); err != nil {
		telemetry.PeerAdmissions.WithLabelValues("store_error").Add(float64(len(admitted)))
		r.log.Warn("store rejected peer batch; next cycle will retry", zap.Int("peers", len(admitted)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, d := range admitted {
		r.entries = append(r.entries, d)
		r.ids[d.UniqueID] = struct{}{}
		r.urls[d.SyncURL] = struct{}{}
		r.log.Info("peer admitted", zap.String("uniqueId", d.UniqueID), zap.String("syncUrl", d.SyncURL))
	}
	telemetry.PeerAdmissions.WithLabelValues("admitted").Add(float64(len(admitted)))
	telemetry.PeersKnown.Set(float64(len(r.entries)))
	return admitted, nil
}

func has(reg, batch map[string]struct{}, key string) bool {
	if _, ok := reg[key]; ok {
		return true
	}
	_, ok := batch[key]
	return ok
}

// Remove detaches syncURL from the store's peer list and forgets it. It
// returns false when the store holds no link for syncURL.
func (r *Registry) Remove(syncURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.peers.Remove(syncURL); err != nil {
		if errors.Is(err, graph.ErrPeerNotFound) {
			err = ErrPeerNotFound
		}
		r.log.Warn("remove peer", zap.String("syncUrl", syncURL), zap.Error(err))
		return false
	}

	for i, d := range r.entries {
		if d.SyncURL != syncURL {
			continue
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		delete(r.ids, d.UniqueID)
		break
	}
	delete(r.urls, syncURL)
	telemetry.PeersKnown.Set(float64(len(r.entries)))
	r.log.Info("peer removed", zap.String("syncUrl", syncURL))
	return true
}

// List returns the registry in admission order.
func (r *Registry) List() []PeerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerDescriptor, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len is the number of admitted peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
