package usbchan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

// State is the lifecycle state of a USB request.
type State uint8

const (
	StateAllocPending State = iota + 1
	StateAllocFailed
	StateWaitingForData
	StateProcessing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAllocPending:
		return "alloc-pending"
	case StateAllocFailed:
		return "alloc-failed"
	case StateWaitingForData:
		return "waiting-for-data"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// BusEvent is a vendor-request state notification from the device controller.
type BusEvent uint8

const (
	// TxCompleted fires when a device-to-host data stage has been sent.
	TxCompleted BusEvent = iota + 1
	// BusReset fires when the host resets the bus or the device is detached.
	BusReset
)

// ErrStaleRequest is returned when a handler uses a request the channel has
// already purged.
var ErrStaleRequest = errors.New("usbchan: request no longer active")

// ErrReplyTooLarge is returned for a reply the RECV data stage cannot carry.
var ErrReplyTooLarge = errors.New("usbchan: reply exceeds 65535 bytes")

// maxReplySize is the largest reply a single RECV (u16 wLength) can fetch.
const maxReplySize = 0xffff

// Options configures a Channel.
type Options struct {
	// MaxActiveRequests bounds requests visible to the host (default 4).
	MaxActiveRequests int
	// RequestSlots bounds request records, including purged requests whose
	// handler has not finished yet. Defaults to 2 * MaxActiveRequests.
	RequestSlots int
	// MinTransferSize is the data stage size handled by the controller's
	// internal buffer (default 64).
	MinTransferSize int
	// DeviceID is returned as hex by the raw device-id request.
	DeviceID []byte
	// SystemVersion is returned by the raw system-version request.
	SystemVersion string
}

// DefaultOptions returns the defaults used by the device firmware.
func DefaultOptions() Options {
	return Options{
		MaxActiveRequests: 4,
		MinTransferSize:   64,
	}
}

type record struct {
	req    control.Request
	handle reqpool.Handle
	state  State
	size   int

	data  *reqpool.Buffer
	reply *reqpool.Buffer

	// detached is set when the host purged the request while the worker
	// still owns it (allocation or handler pending).
	detached bool
	result   control.Result // handler result, reported by CHECK
	final    control.Result // passed to the completion
	done     control.CompletionFunc

	task taskqueue.Task
}

// Channel is the device side of the USB service protocol. HandleSetup and
// HandleState are called from the device controller's callback context and
// never block. The handler runs on the worker via the task queue.
type Channel struct {
	handler control.Handler
	queue   *taskqueue.Queue
	pool    *reqpool.Pool[*record]
	opts    Options

	mu     sync.Mutex
	active []*record // host-visible requests, len <= MaxActiveRequests
	cur    *record   // request whose reply is being transferred
	lastID uint16
}

// New creates a USB channel dispatching to handler. Buffers come from bufs
// and deferred work goes through queue.
func New(handler control.Handler, queue *taskqueue.Queue, bufs *reqpool.BufferPool, opts Options) *Channel {
	if opts.MaxActiveRequests <= 0 {
		opts.MaxActiveRequests = 4
	}
	if opts.RequestSlots < opts.MaxActiveRequests {
		opts.RequestSlots = 2 * opts.MaxActiveRequests
	}
	if opts.MinTransferSize <= 0 {
		opts.MinTransferSize = 64
	}
	c := &Channel{
		handler: handler,
		queue:   queue,
		pool:    reqpool.NewPool[*record](opts.RequestSlots, bufs, queue),
		opts:    opts,
		active:  make([]*record, 0, opts.MaxActiveRequests),
	}
	return c
}

// ActiveCount returns the number of host-visible requests.
func (c *Channel) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// PendingRecords returns the number of request records in use, including
// purged requests still owned by the worker.
func (c *Channel) PendingRecords() int {
	return c.pool.Arena().Len()
}

// HandleSetup processes a vendor SETUP request. It returns false when the
// control pipe should be stalled.
func (c *Channel) HandleSetup(s *SetupRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.IsService() {
		switch s.Request {
		case ServiceInit:
			return c.processInit(s)
		case ServiceCheck:
			return c.processCheck(s)
		case ServiceSend:
			return c.processSend(s)
		case ServiceRecv:
			return c.processRecv(s)
		case ServiceReset:
			return c.processReset(s)
		default:
			return false
		}
	}
	return c.processRaw(s)
}

// HandleState processes a vendor-request state notification.
func (c *Channel) HandleState(ev BusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev {
	case TxCompleted:
		if c.cur != nil {
			rec := c.cur
			c.cur = nil
			c.finishActive(rec, control.ResultNone)
		}
	case BusReset:
		n := len(c.active)
		c.finishAll(control.ResultAborted)
		c.cur = nil
		if n > 0 {
			slog.Debug("[USB] bus reset, aborted requests", "count", n)
		}
	}
}

func (c *Channel) processInit(s *SetupRequest) bool {
	if !c.hasScratch(s) {
		return false
	}
	if len(c.active) >= c.opts.MaxActiveRequests {
		return c.reply(s, NewReply(StatusBusy))
	}
	// Records are never reused: a stale *control.Request must not alias a
	// newer request.
	rec := &record{}
	h, err := c.pool.Acquire(rec)
	if err != nil {
		return c.reply(s, NewReply(StatusBusy))
	}

	rec.handle = h
	rec.size = int(s.Value)
	rec.req = control.Request{
		ID:    c.nextID(),
		Type:  s.Index,
		Token: h.Token(),
	}

	status := StatusOK
	if rec.size == 0 {
		rec.state = StateProcessing
		c.scheduleDispatch(rec)
	} else {
		buf, st := c.pool.AllocBuffer(rec.size, &rec.task, func(b *reqpool.Buffer, err error) {
			c.allocDone(rec, b, err)
		})
		switch st {
		case reqpool.StatusReady:
			rec.data = buf
			rec.req.Data = buf.Bytes()
			rec.state = StateWaitingForData
		case reqpool.StatusPending:
			rec.state = StateAllocPending
			status = StatusPending
		default:
			c.releaseLocked(rec)
			return c.reply(s, NewReply(StatusNoMemory))
		}
	}
	c.active = append(c.active, rec)
	return c.reply(s, NewReply(status).WithID(rec.req.ID))
}

func (c *Channel) processCheck(s *SetupRequest) bool {
	if !c.hasScratch(s) {
		return false
	}
	rec := c.find(s.Index)
	if rec == nil {
		return c.reply(s, NewReply(StatusNotFound))
	}
	var rep Reply
	switch rec.state {
	case StateAllocPending, StateProcessing:
		rep = NewReply(StatusPending)
	case StateAllocFailed:
		rep = NewReply(StatusNoMemory)
		c.finishActive(rec, control.ResultNoMemory)
	case StateWaitingForData:
		rep = NewReply(StatusOK)
	case StateDone:
		rep = NewReply(StatusOK).WithResult(int32(rec.result)).WithSize(uint32(rec.reply.Len()))
		if rec.reply.Len() == 0 {
			// Nothing left to receive; recycle once this reply is sent.
			c.cur = rec
		}
	default:
		rep = NewReply(StatusError)
	}
	return c.reply(s, rep)
}

func (c *Channel) processSend(s *SetupRequest) bool {
	rec := c.find(s.Index)
	if rec == nil || rec.state != StateWaitingForData || int(s.Length) != rec.size {
		return false
	}
	dst := rec.data.Bytes()
	if int(s.Length) <= c.opts.MinTransferSize {
		if len(s.Data) < int(s.Length) {
			return false
		}
		copy(dst, s.Data[:s.Length])
	} else if s.Data == nil {
		// Let the controller receive straight into the request buffer; it
		// calls back once the data stage is complete.
		s.Data = dst
		return true
	} else {
		if len(s.Data) < int(s.Length) {
			return false
		}
		copy(dst, s.Data[:s.Length])
	}
	rec.state = StateProcessing
	c.scheduleDispatch(rec)
	return true
}

func (c *Channel) processRecv(s *SetupRequest) bool {
	rec := c.find(s.Index)
	if rec == nil || rec.state != StateDone || s.Length == 0 || rec.reply.Len() != int(s.Length) {
		return false
	}
	src := rec.reply.Bytes()
	if int(s.Length) <= c.opts.MinTransferSize {
		if len(s.Data) < int(s.Length) {
			return false
		}
		copy(s.Data, src)
		s.Data = s.Data[:s.Length]
	} else {
		s.Data = src
	}
	c.cur = rec
	return true
}

func (c *Channel) processReset(s *SetupRequest) bool {
	if !c.hasScratch(s) {
		return false
	}
	if s.Index != 0 {
		rec := c.find(s.Index)
		if rec == nil {
			return c.reply(s, NewReply(StatusNotFound))
		}
		c.finishActive(rec, control.ResultCancelled)
	} else {
		c.finishAll(control.ResultCancelled)
	}
	return c.reply(s, NewReply(StatusOK))
}

func (c *Channel) processRaw(s *SetupRequest) bool {
	if s.Request != RawRequest || !s.IsDeviceToHost() {
		return false
	}
	if s.Length == 0 || len(s.Data) < int(s.Length) {
		return false
	}
	switch s.Index {
	case RawDeviceID:
		n := hex.EncodedLen(len(c.opts.DeviceID))
		if int(s.Length) < n {
			return false
		}
		hex.Encode(s.Data, c.opts.DeviceID)
		s.Data = s.Data[:n]
	case RawSystemVersion:
		n := len(c.opts.SystemVersion)
		if int(s.Length) < n {
			return false
		}
		copy(s.Data, c.opts.SystemVersion)
		s.Data = s.Data[:n]
	default:
		return false
	}
	return true
}

// hasScratch checks that a service request comes with the controller's
// internal data stage buffer.
func (c *Channel) hasScratch(s *SetupRequest) bool {
	return int(s.Length) >= c.opts.MinTransferSize && len(s.Data) >= int(s.Length)
}

func (c *Channel) reply(s *SetupRequest, rep Reply) bool {
	n, err := rep.MarshalTo(s.Data[:s.Length])
	if err != nil {
		return false
	}
	s.Data = s.Data[:n]
	return true
}

func (c *Channel) find(id uint16) *record {
	if id == 0 {
		return nil
	}
	for _, rec := range c.active {
		if rec.req.ID == id {
			return rec
		}
	}
	return nil
}

// nextID returns the next request id, skipping 0 and ids still active.
func (c *Channel) nextID() uint16 {
	for {
		c.lastID++
		if c.lastID == 0 {
			continue
		}
		if c.find(c.lastID) == nil {
			return c.lastID
		}
	}
}

func (c *Channel) scheduleDispatch(rec *record) {
	c.queue.EnqueueFunc(&rec.task, func() { c.dispatch(rec) })
}

// finishActive removes rec from the host-visible set. Caller holds c.mu.
func (c *Channel) finishActive(rec *record, result control.Result) {
	for i, r := range c.active {
		if r == rec {
			last := len(c.active) - 1
			c.active[i] = c.active[last]
			c.active[last] = nil
			c.active = c.active[:last]
			break
		}
	}
	if c.cur == rec {
		c.cur = nil
	}
	rec.final = result

	switch rec.state {
	case StateAllocPending, StateProcessing:
		// The worker still owns the request; it is released when the
		// allocation or the handler completes.
		rec.detached = true
		return
	}
	if rec.data != nil && rec.data.Origin() == reqpool.FromSlab {
		c.pool.Free(rec.data)
		rec.data = nil
		rec.req.Data = nil
	}
	if rec.data == nil && rec.reply == nil && rec.done == nil {
		c.releaseLocked(rec)
		return
	}
	c.queue.EnqueueFunc(&rec.task, func() { c.finish(rec) })
}

func (c *Channel) finishAll(result control.Result) {
	for len(c.active) > 0 {
		c.finishActive(c.active[len(c.active)-1], result)
	}
}

func (c *Channel) releaseLocked(rec *record) {
	c.pool.Release(rec.handle)
}

// dispatch runs on the worker.
func (c *Channel) dispatch(rec *record) {
	c.mu.Lock()
	if rec.detached {
		c.mu.Unlock()
		c.finish(rec)
		return
	}
	req := &rec.req
	c.mu.Unlock()

	slog.Debug("[USB] dispatching request", "id", req.ID, "type", req.Type, "size", len(req.Data))
	c.handler.ProcessRequest(req, c)
}

// allocDone runs on the worker after a deferred heap allocation.
func (c *Channel) allocDone(rec *record, b *reqpool.Buffer, err error) {
	c.mu.Lock()
	if rec.detached {
		c.mu.Unlock()
		c.pool.Free(b)
		c.finish(rec)
		return
	}
	if err != nil {
		rec.state = StateAllocFailed
		c.mu.Unlock()
		slog.Warn("[USB] request buffer allocation failed", "id", rec.req.ID, "size", rec.size, "error", err)
		return
	}
	rec.data = b
	rec.req.Data = b.Bytes()
	rec.state = StateWaitingForData
	c.mu.Unlock()
}

// finish frees everything rec owns, runs its completion and recycles it.
// Worker only; rec is no longer reachable from the host.
func (c *Channel) finish(rec *record) {
	c.mu.Lock()
	data, reply := rec.data, rec.reply
	rec.data, rec.reply = nil, nil
	done, result := rec.done, rec.final
	rec.done = nil
	c.mu.Unlock()

	if err := c.pool.Free(data); err != nil {
		slog.Error("[USB] free request data", "id", rec.req.ID, "error", err)
	}
	if err := c.pool.Free(reply); err != nil {
		slog.Error("[USB] free reply data", "id", rec.req.ID, "error", err)
	}
	if done != nil {
		done(result)
	}

	c.mu.Lock()
	c.releaseLocked(rec)
	c.mu.Unlock()
}

// lookup resolves a handler's request to its record.
func (c *Channel) lookup(req *control.Request) (*record, bool) {
	rec, ok := c.pool.Lookup(reqpool.HandleFromToken(req.Token))
	if !ok || &rec.req != req {
		return nil, false
	}
	return rec, true
}

// AllocReplyData resizes the reply buffer, keeping existing contents.
// Worker only.
func (c *Channel) AllocReplyData(req *control.Request, size int) error {
	rec, ok := c.lookup(req)
	if !ok {
		return ErrStaleRequest
	}
	if size > maxReplySize {
		return fmt.Errorf("%w: %d", ErrReplyTooLarge, size)
	}
	var buf *reqpool.Buffer
	if size > 0 {
		var err error
		buf, err = c.pool.Buffers().AllocHeap(size)
		if err != nil {
			return fmt.Errorf("usbchan: alloc reply data: %w", err)
		}
		copy(buf.Bytes(), req.Reply)
	}
	c.mu.Lock()
	old := rec.reply
	rec.reply = buf
	req.Reply = buf.Bytes()
	c.mu.Unlock()
	return c.pool.Free(old)
}

// FreeRequestData releases the request payload.
func (c *Channel) FreeRequestData(req *control.Request) {
	rec, ok := c.lookup(req)
	if !ok {
		req.Data = nil
		return
	}
	c.mu.Lock()
	data := rec.data
	rec.data = nil
	req.Data = nil
	c.mu.Unlock()
	if err := c.pool.Free(data); err != nil {
		slog.Error("[USB] free request data", "id", req.ID, "error", err)
	}
}

// SetResult completes req. The host sees the result on its next CHECK.
func (c *Channel) SetResult(req *control.Request, result control.Result, done control.CompletionFunc) {
	rec, ok := c.lookup(req)
	if !ok {
		slog.Debug("[USB] result for stale request ignored", "id", req.ID)
		if done != nil {
			done(control.ResultCancelled)
		}
		return
	}
	c.FreeRequestData(req)

	c.mu.Lock()
	switch {
	case rec.detached:
		rec.done = done
		c.mu.Unlock()
		c.finish(rec)
	case rec.state == StateProcessing:
		rec.state = StateDone
		rec.done = done
		rec.result = result
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		slog.Warn("[USB] SetResult in unexpected state", "id", req.ID, "state", rec.state)
	}
}

// Compile-time check that Channel implements control.Channel.
var _ control.Channel = (*Channel)(nil)
