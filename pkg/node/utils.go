package node

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

const maxBody = 100 << 20

// writeJSON wraps data in the success envelope.
func writeJSON(w http.ResponseWriter, code int, data any) {
	env := discovery.Envelope{Status: "success"}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		env.Data = raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(discovery.Envelope{Status: "error", Error: err.Error()})
}

// decodeBody reads a JSON object body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
}

// hostOnly strips the port from a Host header.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// syncURL is the store endpoint as reachable from the requester's side.
func syncURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/gun"
}
