// Package node is the HTTP surface of a mesh node: the /status contract
// siblings probe during discovery, message CRUD over the replicated store,
// and manual peer administration.
package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/graph"
	"github.com/ryandielhenn/zephyrmesh/pkg/identity"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

// Registry is the peer registry as seen by the HTTP surface.
type Registry interface {
	Admit(candidates []mesh.PeerDescriptor) ([]mesh.PeerDescriptor, error)
	Remove(syncURL string) bool
	List() []mesh.PeerDescriptor
	Len() int
}

type Node struct {
	id       identity.ID
	hostname string
	store    *graph.Store
	peers    Registry
	log      *zap.Logger
	now      func() time.Time
}

func NewNode(id identity.ID, hostname string, store *graph.Store, peers Registry, logger *zap.Logger) *Node {
	return &Node{
		id:       id,
		hostname: hostname,
		store:    store,
		peers:    peers,
		log:      logging.OrNop(logger).Named("http"),
		now:      time.Now,
	}
}

// Routes mounts every endpoint except /gun, which the controller owns.
func (n *Node) Routes(mux *http.ServeMux) {
	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}
	handle("GET /status", "status", n.Status)
	handle("GET /healthz", "healthz", n.Healthz)
	handle("GET /info", "info", n.Info)

	handle("POST /message", "message_create", n.CreateMessage)
	handle("PUT /message", "message_update", n.UpdateMessage)
	handle("DELETE /message", "message_delete", n.DeleteMessage)
	handle("GET /messages", "messages_list", n.ListMessages)

	handle("GET /peers", "peers_list", n.ListPeers)
	handle("POST /peers", "peers_add", n.AddPeer)
	handle("DELETE /peers", "peers_remove", n.RemovePeer)

	mux.Handle("GET /metrics", telemetry.MetricsHandler())
}

// Mount adapts Routes to the controller's route hook.
func Mount(logger *zap.Logger) func(*http.ServeMux, *mesh.Controller) {
	return func(mux *http.ServeMux, c *mesh.Controller) {
		NewNode(c.Identity(), c.Hostname(), c.Store(), c.Registry(), logger).Routes(mux)
	}
}
