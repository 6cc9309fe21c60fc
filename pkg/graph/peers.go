package graph

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// link is one entry of the peer list: a sync URL the store keeps dialing.
type link struct {
	url     string // cleared on removal so in-flight callbacks stop routing to it
	attempt int
	retry   *time.Timer
	wire    *wire
	cancel  context.CancelFunc
	ctx     context.Context
}

// Peers is the store's active peer list. Every URL gets one outbound wire
// which is redialed with exponential backoff while the URL stays listed.
type Peers struct {
	store  *Store
	dialer *websocket.Dialer
	min    time.Duration
	max    time.Duration

	mu     sync.Mutex
	links  map[string]*link
	order  []string
	closed bool
}

func newPeers(s *Store, min, max time.Duration) *Peers {
	return &Peers{
		store:  s,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		min:    min,
		max:    max,
		links:  make(map[string]*link),
	}
}

// Add extends the list with every URL not already on it and starts dialing
// them. The batch is applied as one update.
func (p *Peers) Add(urls ...string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	var fresh []*link
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := p.links[u]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		l := &link{url: u, ctx: ctx, cancel: cancel}
		p.links[u] = l
		p.order = append(p.order, u)
		fresh = append(fresh, l)
	}
	p.mu.Unlock()

	for _, l := range fresh {
		p.store.log.Info("peer link added", zap.String("url", l.url))
		go p.connect(l)
	}
	return nil
}

// Remove takes url off the list: the link's URL is cleared, any pending
// reconnect timer is stopped and the open wire, if any, is closed.
func (p *Peers) Remove(rawURL string) error {
	p.mu.Lock()
	l, ok := p.links[rawURL]
	if !ok {
		p.mu.Unlock()
		return ErrPeerNotFound
	}
	p.detachLocked(l)
	delete(p.links, rawURL)
	for i, u := range p.order {
		if u == rawURL {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.store.log.Info("peer link removed", zap.String("url", rawURL))
	return nil
}

// detachLocked runs with p.mu held.
func (p *Peers) detachLocked(l *link) {
	l.url = ""
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.cancel()
	if l.wire != nil {
		l.wire.close()
		l.wire = nil
	}
}

// URLs lists the peer list in insertion order.
func (p *Peers) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Connected reports whether url currently has an open wire.
func (p *Peers) Connected(rawURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[rawURL]
	return ok && l.wire != nil
}

// pendingRetry reports whether url is waiting on a reconnect timer.
func (p *Peers) pendingRetry(rawURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[rawURL]
	return ok && l.retry != nil
}

func (p *Peers) connect(l *link) {
	p.mu.Lock()
	target := l.url
	ctx := l.ctx
	l.retry = nil
	p.mu.Unlock()
	if target == "" {
		return
	}

	conn, _, err := p.dialer.DialContext(ctx, wsURL(target), nil)
	if err != nil {
		p.store.log.Debug("peer dial failed", zap.String("url", target), zap.Error(err))
		p.scheduleRetry(l)
		return
	}
	w, err := p.store.attach(conn, target, true)
	if err != nil {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	if l.url == "" {
		p.mu.Unlock()
		w.close()
		return
	}
	l.wire = w
	l.attempt = 0
	p.mu.Unlock()

	<-w.quit

	p.mu.Lock()
	if l.wire == w {
		l.wire = nil
	}
	p.mu.Unlock()
	p.scheduleRetry(l)
}

func (p *Peers) scheduleRetry(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.url == "" || p.closed {
		return
	}
	d := p.backoff(l.attempt)
	l.attempt++
	l.retry = time.AfterFunc(d, func() { p.connect(l) })
}

func (p *Peers) backoff(attempt int) time.Duration {
	d := p.min
	for i := 0; i < attempt && d < p.max; i++ {
		d *= 2
	}
	return min(d, p.max)
}

func (p *Peers) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, l := range p.links {
		p.detachLocked(l)
	}
	clear(p.links)
	p.order = nil
}

// wsURL maps an http(s) sync URL onto the websocket scheme.
func wsURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
