package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// page is one connected controlling page.
type page struct {
	id      string
	version string
	// token identifies this connection; a page that reconnects under
	// the same id gets a new one.
	token string
	conn  *websocket.Conn

	wmu sync.Mutex
}

func (p *page) send(m Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(m)
}

// pages tracks connected pages in connection order.
type pages struct {
	mu   sync.Mutex
	list []*page
}

func (ps *pages) add(p *page) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, existing := range ps.list {
		if existing.id == p.id {
			ps.list = append(ps.list[:i], ps.list[i+1:]...)
			break
		}
	}
	ps.list = append(ps.list, p)
}

// remove drops p if it is still the registered page for its id and
// reports whether it did.
func (ps *pages) remove(p *page) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, existing := range ps.list {
		if existing == p {
			ps.list = append(ps.list[:i], ps.list[i+1:]...)
			return true
		}
	}
	return false
}

// get returns the page with id, or the most recently connected page when
// id is empty.
func (ps *pages) get(id string) *page {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if id == "" {
		if len(ps.list) == 0 {
			return nil
		}
		return ps.list[len(ps.list)-1]
	}
	for _, p := range ps.list {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (ps *pages) all() []*page {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*page(nil), ps.list...)
}
