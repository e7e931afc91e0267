// Package relay fronts the page origin. Requests whose path embeds an
// absolute module address are handed to a controlling page over a
// websocket and completed from the page's answer; everything else goes
// to the network handler. Answers are cached so a later failure can
// still be served.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tractor.dev/littlebook/internal/pending"
)

const (
	// Path is where pages connect.
	Path = "/.littlebook/relay"
	// ClientHeader and ClientCookie name the page a request came from.
	ClientHeader = "X-Littlebook-Client"
	ClientCookie = "lb_client"
	// DestinationHeader overrides Sec-Fetch-Dest.
	DestinationHeader = "X-Littlebook-Destination"

	DefaultTimeout = 30 * time.Second
	handshakeWait  = 10 * time.Second
)

var (
	ErrNoPage    = errors.New("relay: no controlling page")
	ErrNoNetwork = errors.New("relay: no network handler")
)

type Options struct {
	// Version is announced to pages when they connect.
	Version string
	// Timeout bounds one page round trip. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Network serves requests that do not embed an address.
	Network http.Handler
	Cache   *Cache
	Logger  *slog.Logger
}

type Relay struct {
	network  http.Handler
	cache    *Cache
	pending  *pending.Table[string, Message]
	pages    pages
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	version string
}

func New(opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		network: opts.Network,
		cache:   opts.Cache,
		pending: pending.New[string, Message](uuid.NewString, opts.Timeout),
		log:     opts.Logger,
		version: opts.Version,
	}
}

func (r *Relay) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SetVersion announces a new relay version to every connected page.
func (r *Relay) SetVersion(version string) {
	r.mu.Lock()
	r.version = version
	r.mu.Unlock()
	for _, p := range r.pages.all() {
		if err := p.send(Message{Type: TypeControl, Version: version}); err != nil {
			r.log.Warn("control message failed", "page", p.id, "err", err)
		}
	}
}

// Pending reports the number of unanswered round trips.
func (r *Relay) Pending() int {
	return r.pending.Len()
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == Path {
		r.serveSocket(w, req)
		return
	}
	if req.Method != http.MethodGet {
		r.forward(w, req)
		return
	}
	if addr, ok := Decode(req); ok {
		r.delegate(w, req, addr)
		return
	}
	r.passthrough(w, req)
}

// Decode returns the absolute address embedded in req's path, as in
// GET /littlebook:system/core/entry.ts.
func Decode(req *http.Request) (string, bool) {
	if req.URL.Host != "" && req.Host != "" && req.URL.Host != req.Host {
		return "", false
	}
	p := strings.TrimPrefix(req.URL.Path, "/")
	if p == "" {
		return "", false
	}
	if req.URL.RawQuery != "" {
		p += "?" + req.URL.RawQuery
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	return p, true
}

// referrer returns the module address embedded in req's same-origin
// Referer, or the Referer unchanged.
func referrer(req *http.Request) string {
	ref := req.Referer()
	u, err := url.Parse(ref)
	if err != nil || u.Host != req.Host {
		return ref
	}
	if addr, ok := Decode(&http.Request{URL: u, Host: req.Host}); ok {
		return addr
	}
	return ref
}

func destination(req *http.Request) string {
	d := req.Header.Get(DestinationHeader)
	if d == "" {
		d = req.Header.Get("Sec-Fetch-Dest")
	}
	if d == "empty" {
		return ""
	}
	return d
}

func pageID(req *http.Request) string {
	if id := req.Header.Get(ClientHeader); id != "" {
		return id
	}
	if c, err := req.Cookie(ClientCookie); err == nil {
		return c.Value
	}
	return ""
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func (r *Relay) delegate(w http.ResponseWriter, req *http.Request, addr string) {
	key := req.URL.RequestURI()
	answer, err := r.RoundTrip(req.Context(), pageID(req), Message{
		Type:    TypeRequest,
		Address: addr,
		Options: &RequestOptions{
			Method:      req.Method,
			Destination: destination(req),
			Referrer:    referrer(req),
			Headers:     flatten(req.Header),
		},
	})
	if err != nil {
		r.log.Warn("delegation failed", "address", addr, "err", err)
		r.fallback(w, req, key, err)
		return
	}
	s := Stored{Status: answer.Status, Headers: answer.Headers, Body: answer.Body}
	if s.Status == 0 {
		s.Status = http.StatusOK
	}
	r.store(req.Context(), key, s)
	write(w, s)
}

// RoundTrip sends m to the page with id, or the most recent page when id
// is empty, and waits for its answer. It fails with pending.ErrTimeout
// when the page does not answer in time and pending.ErrClosed when the
// page disconnects first.
func (r *Relay) RoundTrip(ctx context.Context, id string, m Message) (Message, error) {
	p := r.pages.get(id)
	if p == nil {
		if id != "" {
			return Message{}, fmt.Errorf("%w %q", ErrNoPage, id)
		}
		return Message{}, ErrNoPage
	}
	call := r.pending.Begin(p.token)
	m.ID = call.ID
	if err := p.send(m); err != nil {
		r.pending.Reject(call.ID, fmt.Errorf("send to page %s: %w", p.id, err))
	}
	return call.Wait(ctx)
}

func (r *Relay) passthrough(w http.ResponseWriter, req *http.Request) {
	key := req.URL.RequestURI()
	if r.network == nil {
		r.fallback(w, req, key, ErrNoNetwork)
		return
	}
	c, err := capture(r.network, req)
	if err != nil {
		r.log.Warn("network failed", "path", key, "err", err)
		r.fallback(w, req, key, err)
		return
	}
	if c.Status < 200 || c.Status > 299 {
		if s, ok := r.match(req.Context(), key); ok {
			write(w, s)
			return
		}
		write(w, c)
		return
	}
	r.store(req.Context(), key, c)
	write(w, c)
}

// forward hands non-GET requests to the network untouched.
func (r *Relay) forward(w http.ResponseWriter, req *http.Request) {
	if r.network == nil {
		http.Error(w, ErrNoNetwork.Error(), http.StatusBadGateway)
		return
	}
	r.network.ServeHTTP(w, req)
}

// fallback answers from the cache, or with an error response when
// nothing is cached: 504 when the page timed out, 404 otherwise.
func (r *Relay) fallback(w http.ResponseWriter, req *http.Request, key string, cause error) {
	if s, ok := r.match(req.Context(), key); ok {
		write(w, s)
		return
	}
	if errors.Is(cause, pending.ErrTimeout) {
		http.Error(w, cause.Error(), http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

func (r *Relay) store(ctx context.Context, key string, s Stored) {
	if r.cache == nil || s.Status < 200 || s.Status > 299 {
		return
	}
	if err := r.cache.Put(context.WithoutCancel(ctx), key, s); err != nil {
		r.log.Warn("cache put failed", "key", key, "err", err)
	}
}

func (r *Relay) match(ctx context.Context, key string) (Stored, bool) {
	if r.cache == nil {
		return Stored{}, false
	}
	s, ok, err := r.cache.Match(context.WithoutCancel(ctx), key)
	if err != nil {
		r.log.Warn("cache match failed", "key", key, "err", err)
	}
	return s, ok
}

func write(w http.ResponseWriter, s Stored) {
	for k, v := range s.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(s.Status)
	w.Write(s.Body)
}

// recorder buffers a handler's response so it can be inspected before
// being sent on.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.body.Write(b)
}

func (rec *recorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
}

func capture(h http.Handler, req *http.Request) (s Stored, err error) {
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				err = fmt.Errorf("network handler aborted")
				return
			}
			err = fmt.Errorf("network handler panic: %v", p)
		}
	}()
	rec := &recorder{header: http.Header{}}
	h.ServeHTTP(rec, req)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return Stored{Status: rec.status, Headers: flatten(rec.header), Body: rec.body.Bytes()}, nil
}

func (r *Relay) serveSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var hello Message
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != TypeHello {
		r.log.Warn("page handshake failed", "type", hello.Type, "err", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	p := &page{id: hello.Client, version: hello.Version, token: uuid.NewString(), conn: conn}
	if p.id == "" {
		p.id = uuid.NewString()
	}
	log := r.log.With("page", p.id)
	r.pages.add(p)
	log.Debug("page connected", "version", p.version)
	defer func() {
		r.pages.remove(p)
		n := r.pending.RejectOwner(p.token, fmt.Errorf("page %s: %w", p.id, pending.ErrClosed))
		log.Debug("page disconnected", "rejected", n)
	}()

	if err := p.send(Message{Type: TypeControl, Client: p.id, Version: r.Version()}); err != nil {
		log.Warn("control message failed", "err", err)
		return
	}

	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "err", err)
			}
			return
		}
		switch m.Type {
		case TypeResponse:
			var settled bool
			if m.Error != "" {
				settled = r.pending.Reject(m.ID, errors.New(m.Error))
			} else {
				settled = r.pending.Resolve(m.ID, m)
			}
			if !settled {
				log.Warn("no pending request for response", "id", m.ID)
			}
		case TypeHello:
			p.version = m.Version
		default:
			log.Debug("ignoring message", "type", m.Type)
		}
	}
}
