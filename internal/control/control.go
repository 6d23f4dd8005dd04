// Package control defines the request record seen by command handlers and
// the interfaces between transports and handlers.
package control

import "fmt"

// Result is the outcome code a handler attaches to a request. Zero means
// success; negative values are system error codes. Handlers may use any
// value; the transports forward it unchanged.
type Result int32

const (
	ResultNone            Result = 0
	ResultUnknown         Result = -100
	ResultBusy            Result = -110
	ResultNotSupported    Result = -120
	ResultNotAllowed      Result = -130
	ResultCancelled       Result = -140
	ResultAborted         Result = -150
	ResultTimeout         Result = -160
	ResultNotFound        Result = -170
	ResultTooLarge        Result = -190
	ResultLimitExceeded   Result = -200
	ResultInvalidState    Result = -210
	ResultProtocol        Result = -240
	ResultInternal        Result = -250
	ResultNoMemory        Result = -260
	ResultInvalidArgument Result = -270
	ResultBadData         Result = -280
)

var resultNames = map[Result]string{
	ResultNone:            "none",
	ResultUnknown:         "unknown",
	ResultBusy:            "busy",
	ResultNotSupported:    "not supported",
	ResultNotAllowed:      "not allowed",
	ResultCancelled:       "cancelled",
	ResultAborted:         "aborted",
	ResultTimeout:         "timeout",
	ResultNotFound:        "not found",
	ResultTooLarge:        "too large",
	ResultLimitExceeded:   "limit exceeded",
	ResultInvalidState:    "invalid state",
	ResultProtocol:        "protocol error",
	ResultInternal:        "internal error",
	ResultNoMemory:        "out of memory",
	ResultInvalidArgument: "invalid argument",
	ResultBadData:         "bad data",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("result(%d)", int32(r))
}

// Error lets a non-zero result travel as an error value.
func (r Result) Error() string {
	return "control: " + r.String()
}

// OK reports whether r is ResultNone.
func (r Result) OK() bool {
	return r == ResultNone
}

// Request is an in-flight command. Data is valid until the handler calls
// FreeRequestData or SetResult; Reply is filled through AllocReplyData.
type Request struct {
	ID    uint16
	Type  uint16
	Data  []byte
	Reply []byte

	// Token identifies this dispatch to the owning channel. Handlers must not
	// change it.
	Token uint32
}

// CompletionFunc is invoked at most once when a request's result has been
// delivered to the host (ResultNone) or dropped (a negative result).
type CompletionFunc func(result Result)

// Channel is the transport side of a request, used by handlers.
type Channel interface {
	// AllocReplyData sizes req.Reply to size bytes. A zero size releases
	// the reply buffer.
	AllocReplyData(req *Request, size int) error
	// FreeRequestData releases req.Data early.
	FreeRequestData(req *Request)
	// SetResult completes req. It may be called from any goroutine. Calls
	// for a request the channel has already purged are ignored and done
	// receives ResultCancelled.
	SetResult(req *Request, result Result, done CompletionFunc)
}

// Handler processes requests. It is called on the worker and must
// eventually call ch.SetResult exactly once per request.
type Handler interface {
	ProcessRequest(req *Request, ch Channel)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, ch Channel)

func (f HandlerFunc) ProcessRequest(req *Request, ch Channel) {
	f(req, ch)
}

// Reply copies data into req.Reply and completes req with ResultNone.
func Reply(ch Channel, req *Request, data []byte, done CompletionFunc) {
	if len(data) > 0 {
		if err := ch.AllocReplyData(req, len(data)); err != nil {
			ch.SetResult(req, ResultNoMemory, done)
			return
		}
		copy(req.Reply, data)
	}
	ch.SetResult(req, ResultNone, done)
}
