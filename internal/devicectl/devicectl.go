// Package devicectl is the stock set of control commands a device answers
// on every transport.
package devicectl

import (
	"encoding/binary"
	"log/slog"

	"github.com/chaz8081/ctrlchan/internal/control"
)

// Request types.
const (
	TypeAppCustom      uint16 = 10
	TypeDeviceID       uint16 = 20
	TypeSystemVersion  uint16 = 30
	TypeReset          uint16 = 40
	TypeDFUMode        uint16 = 50
	TypeDiagnosticInfo uint16 = 100
)

// Options configures the command set. A nil hook makes its command reply
// ResultNotSupported.
type Options struct {
	DeviceID      []byte
	SystemVersion string

	// OnReset and OnDFU run from the completion callback, after the host
	// has received the reply.
	OnReset func()
	OnDFU   func()

	Diagnostics func() []Diagnostic
	// App handles TypeAppCustom; the default echoes the request data.
	App control.Handler
}

// New returns a mux with all commands registered.
func New(opts Options) *control.Mux {
	m := control.NewMux()
	app := opts.App
	if app == nil {
		app = control.HandlerFunc(echo)
	}
	m.Handle(TypeAppCustom, app)
	m.HandleFunc(TypeDeviceID, func(req *control.Request, ch control.Channel) {
		control.Reply(ch, req, opts.DeviceID, nil)
	})
	m.HandleFunc(TypeSystemVersion, func(req *control.Request, ch control.Channel) {
		control.Reply(ch, req, []byte(opts.SystemVersion), nil)
	})
	m.HandleFunc(TypeReset, afterReply("reset", opts.OnReset))
	m.HandleFunc(TypeDFUMode, afterReply("DFU mode", opts.OnDFU))
	m.HandleFunc(TypeDiagnosticInfo, func(req *control.Request, ch control.Channel) {
		if opts.Diagnostics == nil {
			ch.SetResult(req, control.ResultNotSupported, nil)
			return
		}
		control.Reply(ch, req, EncodeDiagnostics(opts.Diagnostics()), nil)
	})
	return m
}

func echo(req *control.Request, ch control.Channel) {
	control.Reply(ch, req, req.Data, nil)
}

// afterReply acknowledges the request and runs hook once the reply has been
// delivered.
func afterReply(what string, hook func()) control.HandlerFunc {
	return func(req *control.Request, ch control.Channel) {
		if hook == nil {
			ch.SetResult(req, control.ResultNotSupported, nil)
			return
		}
		ch.SetResult(req, control.ResultNone, func(r control.Result) {
			if !r.OK() {
				slog.Warn("[control] "+what+" not performed, reply not delivered", "id", req.ID, "result", r)
				return
			}
			slog.Info("[control] " + what + " requested")
			hook()
		})
	}
}

// Diagnostic is one id/value pair of the diagnostic info reply.
type Diagnostic struct {
	ID    uint16
	Value int32
}

// Diagnostic ids.
const (
	DiagActiveRequests uint16 = 1
	DiagSlabsInUse     uint16 = 2
	DiagHeapBytes      uint16 = 3
	DiagTaskQueueLen   uint16 = 4
)

// DiagnosticSize is the encoded size of one Diagnostic.
const DiagnosticSize = 6

// EncodeDiagnostics serializes pairs as little-endian u16 id, i32 value.
func EncodeDiagnostics(diags []Diagnostic) []byte {
	b := make([]byte, 0, len(diags)*DiagnosticSize)
	for _, d := range diags {
		b = binary.LittleEndian.AppendUint16(b, d.ID)
		b = binary.LittleEndian.AppendUint32(b, uint32(d.Value))
	}
	return b
}

// DecodeDiagnostics parses a diagnostic info reply. Trailing bytes that do
// not form a whole pair are ignored.
func DecodeDiagnostics(b []byte) []Diagnostic {
	diags := make([]Diagnostic, 0, len(b)/DiagnosticSize)
	for len(b) >= DiagnosticSize {
		diags = append(diags, Diagnostic{
			ID:    binary.LittleEndian.Uint16(b),
			Value: int32(binary.LittleEndian.Uint32(b[2:])),
		})
		b = b[DiagnosticSize:]
	}
	return diags
}
