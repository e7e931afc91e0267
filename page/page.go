// Package page is the controlling side of the relay: it connects to the
// relay, answers delegated module requests by running the machine, and
// reloads when a new relay version takes over.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tractor.dev/littlebook/machine"
	"tractor.dev/littlebook/relay"
)

const writeWait = 10 * time.Second

type Options struct {
	// URL is the relay's websocket endpoint.
	URL string
	// Client identifies the page. Defaults to a random id.
	Client string
	// Version is the relay version the page was loaded under. An empty
	// version adopts whatever the relay announces first.
	Version string
	Machine *machine.Context
	// Reload is called once for every new relay version.
	Reload func(version string)
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type Page struct {
	id      string
	conn    *websocket.Conn
	machine *machine.Context
	reload  func(string)
	log     *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	version string
	reloads int

	wg sync.WaitGroup
}

// Dial connects to the relay and introduces the page.
func Dial(ctx context.Context, opts Options) (*Page, error) {
	if opts.Machine == nil {
		return nil, errors.New("page: no machine")
	}
	if opts.Client == "" {
		opts.Client = uuid.NewString()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("page: dial %s: %w", opts.URL, err)
	}
	p := &Page{
		id:      opts.Client,
		conn:    conn,
		machine: opts.Machine,
		reload:  opts.Reload,
		log:     opts.Logger.With("page", opts.Client),
		version: opts.Version,
	}
	if err := p.send(relay.Message{Type: relay.TypeHello, Client: p.id, Version: p.version}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("page: hello: %w", err)
	}
	return p, nil
}

func (p *Page) ID() string { return p.id }

// Version returns the relay version the page is on.
func (p *Page) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Reloads returns how many times the page has reloaded.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) send(m relay.Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(m)
}

// Serve answers relay messages until the connection ends or ctx is done.
// Requests are handled concurrently.
func (p *Page) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()
	defer p.wg.Wait()

	for {
		var m relay.Message
		if err := p.conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("page: read: %w", err)
		}
		switch m.Type {
		case relay.TypeRequest:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.handle(ctx, m)
			}()
		case relay.TypeControl:
			p.control(m.Version)
		default:
			p.log.Debug("ignoring message", "type", m.Type)
		}
	}
}

func (p *Page) handle(ctx context.Context, m relay.Message) {
	req := machine.Request{Address: m.Address}
	if o := m.Options; o != nil {
		req.Method = o.Method
		req.Destination = o.Destination
		req.Referrer = o.Referrer
		req.Headers = o.Headers
	}
	resp := p.machine.Transform(ctx, req)
	err := p.send(relay.Message{
		Type:    relay.TypeResponse,
		ID:      m.ID,
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    resp.Body,
	})
	if err != nil {
		p.log.Warn("response not delivered", "address", m.Address, "err", err)
	}
}

// control handles a version announcement. A page reloads at most once
// per version and never for the version it is already on.
func (p *Page) control(version string) {
	p.mu.Lock()
	if version == "" || version == p.version {
		p.mu.Unlock()
		return
	}
	first := p.version == ""
	p.version = version
	if !first {
		p.reloads++
	}
	p.mu.Unlock()

	if first {
		p.log.Debug("adopted relay version", "version", version)
		return
	}
	p.log.Info("new relay version, reloading", "version", version)
	if p.reload != nil {
		p.reload(version)
	}
}

func (p *Page) Close() error {
	p.wmu.Lock()
	p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	p.wmu.Unlock()
	return p.conn.Close()
}
