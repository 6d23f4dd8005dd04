package control

import (
	"log/slog"
	"sync"
)

// Mux routes requests to handlers by type. Unknown types complete with
// ResultNotSupported.
type Mux struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[uint16]Handler)}
}

// Handle registers h for requests of type typ, replacing any earlier one.
func (m *Mux) Handle(typ uint16, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// HandleFunc registers fn for requests of type typ.
func (m *Mux) HandleFunc(typ uint16, fn func(req *Request, ch Channel)) {
	m.Handle(typ, HandlerFunc(fn))
}

func (m *Mux) ProcessRequest(req *Request, ch Channel) {
	m.mu.RLock()
	h, ok := m.handlers[req.Type]
	m.mu.RUnlock()
	if !ok {
		slog.Debug("[control] unsupported request type", "type", req.Type, "id", req.ID)
		ch.SetResult(req, ResultNotSupported, nil)
		return
	}
	h.ProcessRequest(req, ch)
}

// Compile-time check that Mux implements Handler.
var _ Handler = (*Mux)(nil)
