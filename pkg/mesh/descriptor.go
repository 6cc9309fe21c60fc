package mesh

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrStoreUnavailable  = errors.New("store peer list unavailable")
	ErrInvalidDescriptor = errors.New("invalid peer descriptor")
)

// PeerDescriptor is one admitted sibling. Descriptors are never updated once
// admitted; re-discovery of the same node is a no-op.
type PeerDescriptor struct {
	UniqueID     string    `json:"uniqueId"`
	SyncURL      string    `json:"syncUrl"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Validate requires a uniqueId and an absolute http(s) or ws(s) syncUrl.
func (d PeerDescriptor) Validate() error {
	if d.UniqueID == "" {
		return fmt.Errorf("%w: missing uniqueId", ErrInvalidDescriptor)
	}
	if d.SyncURL == "" {
		return fmt.Errorf("%w: missing syncUrl", ErrInvalidDescriptor)
	}
	u, err := url.Parse(d.SyncURL)
	if err != nil {
		return fmt.Errorf("%w: syncUrl: %v", ErrInvalidDescriptor, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: syncUrl scheme %q", ErrInvalidDescriptor, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: syncUrl has no host", ErrInvalidDescriptor)
	}
	return nil
}

func descriptorFrom(svc discovery.Service, at time.Time) PeerDescriptor {
	return PeerDescriptor{
		UniqueID:     svc.Status.UniqueID,
		SyncURL:      svc.Status.SyncURL,
		DiscoveredAt: at,
	}
}
