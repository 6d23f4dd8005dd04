// Package blechan implements the device side of the encrypted BLE control
// channel. Link callbacks (connect, disconnect, writes, flow control) only
// touch atomics and the inbound ring; decryption, dispatch and all outbound
// traffic run on the worker through Run.
package blechan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	blecrypto "github.com/chaz8081/ctrlchan/internal/ble/crypto"
	"github.com/chaz8081/ctrlchan/internal/ble/protocol"
	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

var (
	// ErrLinkBusy is returned by Link.Notify when the stack cannot accept
	// another packet yet. The packet is retried after OnSendComplete.
	ErrLinkBusy = errors.New("blechan: link busy")
	// ErrStaleRequest is returned for a request that is no longer tracked.
	ErrStaleRequest = errors.New("blechan: stale request")
	// ErrMessageTooLarge is returned when a peer announces a message above
	// the configured maximum.
	ErrMessageTooLarge = errors.New("blechan: message too large")
)

// Link is the radio side of the channel.
type Link interface {
	// Notify sends one packet on the TX characteristic.
	Notify(packet []byte) error
	// Disconnect drops the current connection.
	Disconnect() error
}

// Options configures a Channel.
type Options struct {
	// Secret is the AES key (16, 24 or 32 bytes).
	Secret []byte
	// NoncePrefix is the fixed part of every nonce.
	NoncePrefix []byte
	// DeriveKeys selects per-direction keys derived from Secret.
	DeriveKeys bool

	RxBufferSize      int
	MaxMessageSize    int
	MaxActiveRequests int
	// MaxQueuedReplies bounds replies waiting for the link, including
	// immediate busy replies.
	MaxQueuedReplies int
}

// DefaultOptions returns the defaults without key material.
func DefaultOptions() Options {
	return Options{
		RxBufferSize:      1024,
		MaxMessageSize:    4096,
		MaxActiveRequests: 4,
		MaxQueuedReplies:  16,
	}
}

// maxMessagesPerRun bounds inbound messages handled by one Run call.
const maxMessagesPerRun = 8

type record struct {
	req    control.Request
	handle reqpool.Handle
	gen    uint32
	msg    *reqpool.Buffer
	reply  *reqpool.Buffer
	stale  bool
	queued bool
}

// outbound is a reply waiting to be sealed. rec is nil for replies that
// never held a request slot.
type outbound struct {
	id     uint16
	result control.Result
	rec    *record
	done   control.CompletionFunc
}

type sending struct {
	buf     *reqpool.Buffer
	packets [][]byte
	next    int
	item    outbound
}

// Channel is the device side of the BLE control channel.
type Channel struct {
	handler control.Handler
	pool    *reqpool.Pool[*record]
	opts    Options
	keys    blecrypto.Keys
	link    Link

	gen       atomic.Uint32
	connected atomic.Bool
	notify    atomic.Bool
	writable  atomic.Bool
	mtu       atomic.Int32
	rx        *ring

	// mu guards replies and record flags shared with SetResult.
	mu      sync.Mutex
	replies []outbound

	// Worker state.
	seenGen uint32
	halted  bool
	cipher  *blecrypto.Cipher
	hdrBuf  [protocol.MessageHeaderSize]byte
	hdr     reader
	body    reader
	bodyBuf *reqpool.Buffer
	size    int
	inBody  bool
	out     *sending
}

// New creates a channel. Call SetLink before the first event.
func New(handler control.Handler, queue *taskqueue.Queue, bufs *reqpool.BufferPool, opts Options) (*Channel, error) {
	def := DefaultOptions()
	if opts.RxBufferSize <= 0 {
		opts.RxBufferSize = def.RxBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.MaxMessageSize > 0xffff {
		return nil, fmt.Errorf("blechan: max message size %d exceeds 65535", opts.MaxMessageSize)
	}
	if opts.MaxActiveRequests <= 0 {
		opts.MaxActiveRequests = def.MaxActiveRequests
	}
	if opts.MaxQueuedReplies <= 0 {
		opts.MaxQueuedReplies = def.MaxQueuedReplies
	}

	keys := blecrypto.SharedKeys(opts.Secret)
	if opts.DeriveKeys {
		var err error
		if keys, err = blecrypto.DeriveKeys(opts.Secret); err != nil {
			return nil, fmt.Errorf("blechan: %w", err)
		}
	}
	// Validate key material up front.
	if _, err := blecrypto.NewCipher(keys, opts.NoncePrefix); err != nil {
		return nil, fmt.Errorf("blechan: %w", err)
	}

	c := &Channel{
		handler: handler,
		pool:    reqpool.NewPool[*record](opts.MaxActiveRequests, bufs, queue),
		opts:    opts,
		keys:    keys,
		rx:      newRing(opts.RxBufferSize),
	}
	c.mtu.Store(protocol.DefaultMTU)
	c.hdr.start(c.hdrBuf[:])
	return c, nil
}

// SetLink attaches the radio link.
func (c *Channel) SetLink(l Link) {
	c.link = l
}

// Generation returns the current connection generation.
func (c *Channel) Generation() uint32 {
	return c.gen.Load()
}

// Connected reports whether a peer is connected.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// PendingRecords returns the number of request slots in use.
func (c *Channel) PendingRecords() int {
	return c.pool.Arena().Len()
}

// OnConnect records a new connection.
func (c *Channel) OnConnect() {
	c.newGeneration()
	c.connected.Store(true)
	c.writable.Store(true)
	slog.Debug("[BLE] connected", "generation", c.gen.Load())
}

// OnDisconnect records the loss of the connection.
func (c *Channel) OnDisconnect() {
	c.connected.Store(false)
	c.notify.Store(false)
	c.writable.Store(false)
	c.newGeneration()
	slog.Debug("[BLE] disconnected", "generation", c.gen.Load())
}

func (c *Channel) newGeneration() {
	c.mtu.Store(protocol.DefaultMTU)
	c.rx.reset(c.gen.Add(1))
}

// OnWrite buffers bytes written to the RX characteristic. Bytes that do not
// fit mark the ring as overflowed; the worker then drops the connection.
func (c *Channel) OnWrite(p []byte) {
	if !c.connected.Load() {
		return
	}
	c.rx.write(p)
}

// OnNotifyEnabled records the peer's notification subscription.
func (c *Channel) OnNotifyEnabled(enabled bool) {
	c.notify.Store(enabled)
}

// OnSendComplete marks the link ready for the next packet.
func (c *Channel) OnSendComplete() {
	c.writable.Store(true)
}

// OnMTU records a negotiated ATT MTU.
func (c *Channel) OnMTU(mtu int) {
	c.mtu.Store(int32(mtu))
}

// Run advances the channel: it resets after a generation change, decodes
// and dispatches complete inbound messages and sends queued replies. Worker
// only.
func (c *Channel) Run() error {
	if gen := c.gen.Load(); gen != c.seenGen {
		c.reset(gen)
	}
	if c.halted {
		c.rx.discard(c.seenGen)
		return nil
	}
	if !c.connected.Load() {
		return nil
	}
	if c.cipher == nil {
		cph, err := blecrypto.NewCipher(c.keys, c.opts.NoncePrefix)
		if err != nil {
			return fmt.Errorf("blechan: %w", err)
		}
		c.cipher = cph
	}
	if err := c.receive(); err != nil {
		c.fail(err)
		return err
	}
	if err := c.send(); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// fail drops all connection state and asks the link to disconnect. Inbound
// bytes are discarded until the next generation.
func (c *Channel) fail(err error) {
	slog.Error("[BLE] channel error, disconnecting", "error", err)
	c.reset(c.seenGen)
	c.halted = true
	if c.link != nil {
		if derr := c.link.Disconnect(); derr != nil {
			slog.Warn("[BLE] disconnect failed", "error", derr)
		}
	}
}

// reset discards the partial inbound message, the reply in flight and all
// queued replies, and marks requests still held by handlers as stale.
func (c *Channel) reset(gen uint32) {
	c.seenGen = gen
	c.halted = false
	c.hdr.start(c.hdrBuf[:])
	c.inBody = false
	c.freeBuf(c.bodyBuf)
	c.bodyBuf = nil

	var dropped []outbound
	if c.out != nil {
		c.freeBuf(c.out.buf)
		dropped = append(dropped, c.out.item)
		c.out = nil
	}

	c.mu.Lock()
	dropped = append(dropped, c.replies...)
	c.replies = nil
	c.pool.Arena().Each(func(_ reqpool.Handle, rec *record) {
		if !rec.queued {
			rec.stale = true
		}
	})
	c.mu.Unlock()

	for _, item := range dropped {
		c.complete(item, control.ResultAborted)
	}

	c.cipher = nil
}

func (c *Channel) receive() error {
	if c.rx.overflowed(c.seenGen) {
		return errors.New("blechan: inbound buffer overflow")
	}
	for range maxMessagesPerRun {
		if !c.inBody {
			if !c.hdr.fill(c.rx, c.seenGen) {
				return nil
			}
			h, err := protocol.ParseMessageHeader(c.hdrBuf[:])
			if err != nil {
				return err
			}
			if int(h.Size) > c.opts.MaxMessageSize {
				return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, h.Size)
			}
			c.size = int(h.Size)
			n := protocol.RequestHeaderSize + c.size + blecrypto.TagSize
			buf, err := c.pool.Buffers().Alloc(n)
			if err != nil {
				return fmt.Errorf("blechan: alloc message buffer: %w", err)
			}
			c.bodyBuf = buf
			c.body.start(buf.Bytes())
			c.inBody = true
		}
		if !c.body.fill(c.rx, c.seenGen) {
			return nil
		}
		c.inBody = false
		buf := c.bodyBuf
		c.bodyBuf = nil
		c.hdr.start(c.hdrBuf[:])
		if err := c.handleMessage(buf); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage decrypts a complete request body and dispatches it. buf
// holds the request header, payload and tag.
func (c *Channel) handleMessage(buf *reqpool.Buffer) error {
	ct := buf.Bytes()
	pt, err := c.cipher.Open(blecrypto.DirRequest, ct[:0], ct, c.hdrBuf[:])
	if err != nil {
		c.freeBuf(buf)
		return err
	}
	h, err := protocol.ParseRequestHeader(pt)
	if err != nil {
		c.freeBuf(buf)
		return err
	}

	rec := &record{
		req: control.Request{
			ID:   h.ID,
			Type: h.Type,
			Data: pt[protocol.RequestHeaderSize : protocol.RequestHeaderSize+c.size],
		},
		gen: c.seenGen,
		msg: buf,
	}
	if c.size == 0 {
		rec.req.Data = nil
	}
	handle, err := c.pool.Acquire(rec)
	if err != nil {
		c.freeBuf(buf)
		slog.Debug("[BLE] request rejected, no free slot", "id", h.ID)
		c.enqueue(outbound{id: h.ID, result: control.ResultBusy})
		return nil
	}
	rec.handle = handle
	rec.req.Token = handle.Token()
	c.handler.ProcessRequest(&rec.req, c)
	return nil
}

func (c *Channel) enqueue(item outbound) {
	c.mu.Lock()
	if len(c.replies) >= c.opts.MaxQueuedReplies {
		c.mu.Unlock()
		slog.Warn("[BLE] reply queue full, dropping reply", "id", item.id)
		c.complete(item, control.ResultLimitExceeded)
		return
	}
	if item.rec != nil {
		item.rec.queued = true
	}
	c.replies = append(c.replies, item)
	c.mu.Unlock()
}

// send seals the next queued reply if none is in flight and pushes packets
// while the link accepts them.
func (c *Channel) send() error {
	if c.out == nil {
		c.mu.Lock()
		if len(c.replies) == 0 {
			c.mu.Unlock()
			return nil
		}
		item := c.replies[0]
		c.replies = c.replies[1:]
		c.mu.Unlock()
		if err := c.seal(item); err != nil {
			return err
		}
		if c.out == nil {
			return nil
		}
	}

	for c.out.next < len(c.out.packets) {
		if !c.notify.Load() || !c.writable.Load() {
			return nil
		}
		c.writable.Store(false)
		err := c.link.Notify(c.out.packets[c.out.next])
		if errors.Is(err, ErrLinkBusy) {
			c.writable.Store(true)
			return nil
		}
		if err != nil {
			return fmt.Errorf("blechan: notify: %w", err)
		}
		c.out.next++
	}

	out := c.out
	c.out = nil
	c.freeBuf(out.buf)
	c.complete(out.item, control.ResultNone)
	return nil
}

// seal builds the encrypted message for item into c.out.
func (c *Channel) seal(item outbound) error {
	var payload []byte
	if item.rec != nil {
		payload = item.rec.reply.Bytes()
	}
	total := protocol.MessageHeaderSize + protocol.ReplyHeaderSize + len(payload) + blecrypto.TagSize
	buf, err := c.pool.Buffers().Alloc(total)
	if err != nil {
		slog.Warn("[BLE] no memory for reply", "id", item.id, "error", err)
		c.complete(item, control.ResultNoMemory)
		return nil
	}

	b := buf.Bytes()[:0]
	b = protocol.MessageHeader{Size: uint16(len(payload))}.AppendTo(b)
	b = protocol.ReplyHeader{ID: item.id, Result: int32(item.result)}.AppendTo(b)
	b = append(b, payload...)
	aad := b[:protocol.MessageHeaderSize]
	pt := b[protocol.MessageHeaderSize:]
	if _, err := c.cipher.Seal(blecrypto.DirReply, pt[:0], pt, aad); err != nil {
		c.freeBuf(buf)
		c.complete(item, control.ResultInternal)
		return err
	}

	if item.rec != nil {
		c.freeBuf(item.rec.reply)
		item.rec.reply = nil
		item.rec.req.Reply = nil
	}
	c.out = &sending{
		buf:     buf,
		packets: protocol.ChunkBytes(buf.Bytes(), protocol.PacketSize(int(c.mtu.Load()))),
		item:    item,
	}
	return nil
}

// complete releases the request behind item and reports result to its
// completion callback.
func (c *Channel) complete(item outbound, result control.Result) {
	if rec := item.rec; rec != nil {
		c.freeBuf(rec.msg)
		c.freeBuf(rec.reply)
		rec.msg, rec.reply = nil, nil
		c.pool.Release(rec.handle)
	}
	if item.done != nil {
		item.done(result)
	}
}

func (c *Channel) freeBuf(b *reqpool.Buffer) {
	if err := c.pool.Free(b); err != nil {
		slog.Error("[BLE] free buffer", "error", err)
	}
}

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
	c.mu.Lock()
	queued := rec.queued
	c.mu.Unlock()
	if queued {
		return fmt.Errorf("%w: reply already queued", ErrStaleRequest)
	}
	if size > c.opts.MaxMessageSize {
		return fmt.Errorf("%w: reply of %d bytes", ErrMessageTooLarge, size)
	}
	var buf *reqpool.Buffer
	if size > 0 {
		var err error
		buf, err = c.pool.Buffers().Alloc(size)
		if err != nil {
			return fmt.Errorf("blechan: alloc reply data: %w", err)
		}
		copy(buf.Bytes(), req.Reply)
	}
	old := rec.reply
	rec.reply = buf
	req.Reply = buf.Bytes()
	c.freeBuf(old)
	return nil
}

// FreeRequestData releases the request payload.
func (c *Channel) FreeRequestData(req *control.Request) {
	req.Data = nil
	rec, ok := c.lookup(req)
	if !ok {
		return
	}
	c.freeBuf(rec.msg)
	rec.msg = nil
}

// SetResult queues the reply for req. Requests from an earlier connection
// are dropped and done receives ResultCancelled.
func (c *Channel) SetResult(req *control.Request, result control.Result, done control.CompletionFunc) {
	rec, ok := c.lookup(req)
	if !ok {
		slog.Debug("[BLE] result for stale request ignored", "id", req.ID)
		if done != nil {
			done(control.ResultCancelled)
		}
		return
	}
	c.FreeRequestData(req)

	item := outbound{id: req.ID, result: result, rec: rec, done: done}
	c.mu.Lock()
	if rec.queued {
		c.mu.Unlock()
		slog.Warn("[BLE] SetResult on a request already answered", "id", req.ID)
		if done != nil {
			done(control.ResultInvalidState)
		}
		return
	}
	stale := rec.stale || rec.gen != c.gen.Load()
	if !stale {
		rec.queued = true
		c.replies = append(c.replies, item)
	}
	c.mu.Unlock()
	if stale {
		slog.Debug("[BLE] result for previous connection dropped", "id", req.ID)
		c.complete(item, control.ResultCancelled)
	}
}

// Compile-time check that Channel implements control.Channel.
var _ control.Channel = (*Channel)(nil)
