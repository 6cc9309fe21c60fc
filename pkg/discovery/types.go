package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrScanFailed = errors.New("discovery scan failed")
	ErrBadStatus  = errors.New("unexpected status response")
)

// Envelope wraps every JSON response of the node's HTTP surface.
type Envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Status is the payload of GET /status. Siblings build peer descriptors
// from UniqueID and SyncURL.
type Status struct {
	OSHostname      string `json:"osHostname"`
	RequestHostname string `json:"requestHostname"`
	UniqueID        string `json:"uniqueId"`
	SyncURL         string `json:"syncUrl"`
}

// Service is one reachable sibling.
type Service struct {
	URL    string
	Status Status
}

// Self describes this node to sources that announce it.
type Self struct {
	ID       string
	Hostname string
	Host     string // address other nodes should dial
	Port     int
}

func (s Self) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Source yields candidate base URLs (http://host:port).
type Source interface {
	Name() string
	Register(ctx context.Context, self Self) error
	Lookup(ctx context.Context, port int) ([]string, error)
	Close() error
}

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr, _, _ = strings.Cut(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

// BaseURL turns a host, host:port or URL into http(s)://host:port.
func BaseURL(addr string, port int) string {
	scheme := "http"
	if u, err := url.Parse(addr); err == nil && u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + NormalizeHostPort(addr, strconv.Itoa(port))
}
