// Package notify implements the subscriber registry and per-block event
// fan-out used to push node events to subscribed clients over WebSocket
// or WebRTC.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"weak"
)

// Connection is the minimal transport abstraction a subscriber's
// connection must satisfy, implemented by both halves of the WebSocket/
// WebRTC bridge. FIFO ordering per connection is the implementation's
// responsibility (a single writer goroutine per connection).
type Connection interface {
	Send(message []byte) error
	RemoteAddr() string
}

// ConnBox is the GC-tracked handle to a live connection. Its owner (the
// WebSocket/WebRTC bridge) holds the strong reference for as long as the
// connection is open, in its own per-connection scope; the notify registry
// only ever holds a weak.Pointer to the box, so "a subscriber is not a
// reason to keep a connection alive" — once the bridge drops its strong
// ref on disconnect, the box becomes collectible and every subscriber
// weakly referencing it resolves to nil on its next delivery attempt.
type ConnBox struct {
	conn Connection
}

// NewConnBox wraps conn for weak-reference tracking.
func NewConnBox(conn Connection) *ConnBox {
	return &ConnBox{conn: conn}
}

// Subscriber is one entry in the registry: a weak reference to its
// connection's box plus the declared address/height/service metadata
// from the notification protocol.
type Subscriber struct {
	connRef  weak.Pointer[ConnBox]
	Address  string
	Block    int
	IP       string
	Service  bool
	MainPort int
	WssPort  int
}

// Connection resolves the subscriber's weak connection reference. A nil
// result means the connection has already been garbage-collected and the
// subscriber should be treated as gone.
func (s *Subscriber) Connection() Connection {
	box := s.connRef.Value()
	if box == nil {
		return nil
	}
	return box.conn
}

// HeightSource supplies the current chain height used as the default
// "block" value when a subscribe message omits one. The blockchain itself
// is out of scope for this core; callers provide their own source.
type HeightSource func() int

// Registry is the concurrent subscriber map, guarded by a single RWMutex
// for the whole map (mirroring the original's ProtectedMap): writers take
// the write lock, iteration holds the read lock for the callback's
// duration so callers must not block or re-enter the registry from within
// an iteration callback.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
	log  *slog.Logger
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{subs: make(map[string]*Subscriber), log: log}
}

// Upsert inserts or replaces the subscriber under id.
func (r *Registry) Upsert(id string, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = sub
}

// ForceDelete removes the subscriber under id, called both on explicit
// unsubscribe and on transport close.
func (r *Registry) ForceDelete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Get returns the subscriber under id, if any.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Iterate calls fn for every subscriber while holding the registry's read
// lock; fn must not block or call back into the registry.
func (r *Registry) Iterate(fn func(id string, sub *Subscriber)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, sub := range r.subs {
		fn(id, sub)
	}
}

// Len reports the current subscriber count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// StatsEntry is one row of CollectStats output.
type StatsEntry struct {
	Address string `json:"address"`
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	PortWss int    `json:"portWss"`
}

// CollectStats snapshots every subscriber with Service=true.
func (r *Registry) CollectStats() []StatsEntry {
	var out []StatsEntry
	r.Iterate(func(id string, sub *Subscriber) {
		if !sub.Service {
			return
		}
		out = append(out, StatsEntry{
			Address: sub.Address,
			IP:      sub.IP,
			Port:    sub.MainPort,
			PortWss: sub.WssPort,
		})
	})
	return out
}

// Protocol implements the three-message subscription protocol over a
// client connection: subscribe/resubscribe (addr+nonce), unsubscribe
// (addr+msg:"unsubscribe"), and transport-close removal (handled by the
// connection owner calling Registry.ForceDelete directly).
type Protocol struct {
	registry *Registry
	height   HeightSource
	log      *slog.Logger
}

// NewProtocol creates a Protocol backed by registry. height supplies the
// default "block" value for subscribe messages that omit one.
func NewProtocol(registry *Registry, height HeightSource, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	if height == nil {
		height = func() int { return 0 }
	}
	return &Protocol{registry: registry, height: height, log: log}
}

type subscribeMessage struct {
	Addr     *string `json:"addr"`
	Nonce    *string `json:"nonce"`
	Msg      *string `json:"msg"`
	Block    *int    `json:"block"`
	Service  *bool   `json:"service"`
	MainPort *int    `json:"mainport"`
	WssPort  *int    `json:"wssport"`
}

// ProcessMessage parses and applies one protocol message from a client
// identified by id, whose connection is tracked via box (see ConnBox).
// It returns true if the message was recognized and applied, false on
// malformed input: invalid JSON, no "addr" key, or an "addr" that is
// neither an unsubscribe nor accompanied by a "nonce".
func (p *Protocol) ProcessMessage(raw []byte, box *ConnBox, id string) bool {
	var msg subscribeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	if msg.Addr == nil {
		return false
	}

	if msg.Msg != nil && *msg.Msg == "unsubscribe" {
		p.registry.ForceDelete(id)
		return true
	}

	if msg.Nonce == nil {
		return false
	}

	block := p.height()
	if msg.Block != nil {
		block = *msg.Block
	}
	mainPort := 8899
	if msg.MainPort != nil {
		mainPort = *msg.MainPort
	}
	wssPort := 8099
	if msg.WssPort != nil {
		wssPort = *msg.WssPort
	}
	service := msg.Service != nil && *msg.Service

	sub := &Subscriber{
		connRef:  weak.Make(box),
		Address:  *msg.Addr,
		Block:    block,
		IP:       box.conn.RemoteAddr(),
		Service:  service,
		MainPort: mainPort,
		WssPort:  wssPort,
	}
	p.registry.Upsert(id, sub)
	return true
}

// ForceDelete removes a subscriber outright, used by the connection owner
// when the transport closes.
func (p *Protocol) ForceDelete(id string) {
	p.registry.ForceDelete(id)
}

// Event is one derivable per-address notification, produced by an
// EventExtractor for a single block. Kind is free-form (post, comment,
// score, transfer, ...); the specific kinds are out of scope for this
// core.
type Event struct {
	Kind    string          `json:"kind"`
	Address string          `json:"address"`
	Payload json.RawMessage `json:"payload"`
}

// EventExtractor derives the events a block produces for fan-out. The
// block representation itself is opaque to this package (out of scope);
// callers supply one built from their own blockchain data.
type EventExtractor[B any] func(block B, blockIndex int) []Event

func (e Event) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal notification event: %w", err)
	}
	return data, nil
}
