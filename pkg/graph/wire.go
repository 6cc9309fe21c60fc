package graph

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// message is one sync frame. "#" identifies the frame so a put that loops
// through the mesh is applied and forwarded once; "@" names the frame a reply
// answers.
type message struct {
	ID  string `json:"#"`
	Ack string `json:"@,omitempty"`
	Put Nodes  `json:"put,omitempty"`
	Get string `json:"get,omitempty"`
}

// wire is one websocket connection to another store, inbound or outbound.
// gorilla/websocket allows a single writer, so all writes go through send.
type wire struct {
	conn     *websocket.Conn
	remote   string
	outbound bool
	send     chan message
	quit     chan struct{}
	once     sync.Once
}

func newWire(conn *websocket.Conn, remote string, outbound bool) *wire {
	return &wire{
		conn:     conn,
		remote:   remote,
		outbound: outbound,
		send:     make(chan message, sendBuffer),
		quit:     make(chan struct{}),
	}
}

func (w *wire) direction() string {
	if w.outbound {
		return "outbound"
	}
	return "inbound"
}

// enqueue never blocks; a wire that cannot keep up is dropped and, if
// outbound, redialed by its peer link.
func (w *wire) enqueue(m message) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.send <- m:
		return true
	default:
		w.close()
		return false
	}
}

func (w *wire) close() {
	w.once.Do(func() {
		close(w.quit)
		_ = w.conn.Close()
	})
}

func (w *wire) writeLoop() {
	for {
		select {
		case <-w.quit:
			return
		case m := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteJSON(m); err != nil {
				w.close()
				return
			}
		}
	}
}
