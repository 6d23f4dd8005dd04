package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	blecrypto "github.com/chaz8081/ctrlchan/internal/ble/crypto"
	"github.com/chaz8081/ctrlchan/internal/ble/protocol"
	"github.com/chaz8081/ctrlchan/internal/control"
)

var (
	// ErrNotConnected is returned by Do while no connection is up.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrDisconnected is returned to requests pending when the link drops.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ble: client closed")
	// ErrVersionMismatch is returned when the device speaks another
	// protocol version.
	ErrVersionMismatch = errors.New("ble: protocol version mismatch")
	// ErrTooLarge is returned for request data above MaxMessageSize.
	ErrTooLarge = errors.New("ble: request too large")
)

const connectTimeout = 10 * time.Second

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	Secret      []byte // AES key shared with the device
	NoncePrefix []byte // fixed nonce prefix shared with the device
	DeriveKeys  bool   // per-direction keys derived from Secret

	ReconnectMax    int           // max reconnect backoff in seconds
	InterChunkDelay time.Duration // delay between BLE write chunks
	MaxMessageSize  int           // largest request or reply payload
}

// DefaultClientOptions returns sensible defaults without key material.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ReconnectMax:    30,
		InterChunkDelay: 20 * time.Millisecond,
		MaxMessageSize:  4096,
	}
}

// Reply is a device reply matched to a request.
type Reply struct {
	ID     uint16
	Result control.Result
	Data   []byte
}

type result struct {
	reply Reply
	err   error
}

// Client is a BLE central that sends control requests to one device.
// Do is safe for concurrent use; requests are written one at a time and
// replies are matched by ID.
type Client struct {
	adapter Adapter
	address string
	keys    blecrypto.Keys
	opts    ClientOptions

	// writeMu orders sealing and writing so the request counter matches
	// wire order.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       Connection
	rxChar     Characteristic
	connected  bool
	closed     bool
	cipher     *blecrypto.Cipher
	packetSize int
	nextID     uint16
	waiters    map[uint16]chan result
	stream     []byte

	reconnecting atomic.Bool
	// life is cancelled by Close and bounds the reconnect loop.
	life context.Context
	stop context.CancelFunc
}

// NewClient creates a BLE client for the device at address.
func NewClient(adapter Adapter, address string, opts ClientOptions) (*Client, error) {
	def := DefaultClientOptions()
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	if opts.MaxMessageSize <= 0 || opts.MaxMessageSize > 0xffff {
		opts.MaxMessageSize = def.MaxMessageSize
	}

	keys := blecrypto.SharedKeys(opts.Secret)
	if opts.DeriveKeys {
		var err error
		if keys, err = blecrypto.DeriveKeys(opts.Secret); err != nil {
			return nil, fmt.Errorf("ble: %w", err)
		}
	}
	if _, err := blecrypto.NewCipher(keys, opts.NoncePrefix); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}

	life, stop := context.WithCancel(context.Background())
	return &Client{
		adapter: adapter,
		address: address,
		keys:    keys,
		opts:    opts,
		waiters: make(map[uint16]chan result),
		life:    life,
		stop:    stop,
	}, nil
}

// Connect establishes the initial BLE connection to the device. Later
// disconnects are followed by automatic reconnection until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	conn, err := c.adapter.Connect(ctx, c.address)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", c.address, err)
	}
	if err := c.attach(conn); err != nil {
		_ = conn.Disconnect()
		return err
	}

	slog.Info("[BLE] connected", "address", c.address)
	return nil
}

// Connected reports whether the client has a usable connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// attach checks the protocol version, subscribes to replies and makes conn
// the current connection.
func (c *Client) attach(conn Connection) error {
	verChar, err := conn.DiscoverCharacteristic(ServiceUUID, VersionCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover version characteristic: %w", err)
	}
	ver, err := verChar.Read()
	if err != nil {
		return fmt.Errorf("ble: read protocol version: %w", err)
	}
	if len(ver) != 1 || ver[0] != protocol.Version {
		return fmt.Errorf("%w: device reports %x", ErrVersionMismatch, ver)
	}
	txChar, err := conn.DiscoverCharacteristic(ServiceUUID, TXCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover TX characteristic: %w", err)
	}
	rxChar, err := conn.DiscoverCharacteristic(ServiceUUID, RXCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover RX characteristic: %w", err)
	}
	cph, err := blecrypto.NewCipher(c.keys, c.opts.NoncePrefix)
	if err != nil {
		return fmt.Errorf("ble: %w", err)
	}

	mtu := conn.MTU()
	if mtu <= 0 {
		mtu = protocol.DefaultMTU
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.conn = conn
	c.rxChar = rxChar
	c.cipher = cph
	c.stream = nil
	c.packetSize = protocol.PacketSize(mtu)
	c.connected = true
	c.mu.Unlock()

	if err := txChar.Subscribe(c.onNotify); err != nil {
		c.setDisconnected(conn, ErrDisconnected)
		return fmt.Errorf("ble: subscribe to TX characteristic: %w", err)
	}
	conn.OnDisconnect(func() {
		c.setDisconnected(conn, ErrDisconnected)
		if c.isClosed() {
			return
		}
		slog.Warn("[BLE] disconnected, reconnecting...")
		if c.reconnecting.CompareAndSwap(false, true) {
			go c.reconnectLoop()
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setDisconnected clears conn if it is still current and fails every
// pending request with err.
func (c *Client) setDisconnected(conn Connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.rxChar = nil
	c.cipher = nil
	c.stream = nil
	c.connected = false
	waiters := c.waiters
	c.waiters = make(map[uint16]chan result)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- result{err: err}
	}
}

// Do sends a request and waits for its reply. A non-zero Reply.Result is
// the device's answer, not an error.
func (c *Client) Do(ctx context.Context, typ uint16, data []byte) (Reply, error) {
	if len(data) > c.opts.MaxMessageSize {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return Reply{}, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return Reply{}, ErrNotConnected
	}
	id := c.allocID()
	w := make(chan result, 1)
	c.waiters[id] = w
	rxChar, cph, size := c.rxChar, c.cipher, c.packetSize
	c.mu.Unlock()

	err := c.write(rxChar, cph, size, id, typ, data)
	c.writeMu.Unlock()
	if err != nil {
		c.removeWaiter(id)
		return Reply{}, err
	}

	select {
	case r := <-w:
		return r.reply, r.err
	case <-ctx.Done():
		c.removeWaiter(id)
		return Reply{}, ctx.Err()
	}
}

// allocID returns an unused non-zero request ID (caller must hold mu).
func (c *Client) allocID() uint16 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.waiters[c.nextID]; !busy {
			return c.nextID
		}
	}
}

func (c *Client) removeWaiter(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

// write seals one request and sends it in packet-sized chunks.
func (c *Client) write(rxChar Characteristic, cph *blecrypto.Cipher, packetSize int, id, typ uint16, data []byte) error {
	msg := make([]byte, 0, protocol.MessageHeaderSize+protocol.RequestHeaderSize+len(data)+blecrypto.TagSize)
	msg = protocol.MessageHeader{Size: uint16(len(data))}.AppendTo(msg)
	msg = protocol.RequestHeader{ID: id, Type: typ}.AppendTo(msg)
	msg = append(msg, data...)
	pt := msg[protocol.MessageHeaderSize:]
	if _, err := cph.Seal(blecrypto.DirRequest, pt[:0], pt, msg[:protocol.MessageHeaderSize]); err != nil {
		return fmt.Errorf("ble: seal request: %w", err)
	}
	msg = msg[:cap(msg)]

	chunks := protocol.ChunkBytes(msg, packetSize)
	for i, chunk := range chunks {
		if err := rxChar.Write(chunk); err != nil {
			return fmt.Errorf("ble: write request: %w", err)
		}
		if i < len(chunks)-1 && c.opts.InterChunkDelay > 0 {
			time.Sleep(c.opts.InterChunkDelay)
		}
	}
	return nil
}

// onNotify reassembles reply messages from TX notifications and hands them
// to the waiting requests. A reply that fails authentication drops the
// connection.
func (c *Client) onNotify(p []byte) {
	type delivery struct {
		w     chan result
		reply Reply
	}
	var out []delivery
	var fatal error

	c.mu.Lock()
	if c.cipher == nil {
		c.mu.Unlock()
		return
	}
	c.stream = append(c.stream, p...)
	for len(c.stream) >= protocol.MessageHeaderSize {
		mh, err := protocol.ParseMessageHeader(c.stream)
		if err != nil {
			fatal = err
			break
		}
		if int(mh.Size) > c.opts.MaxMessageSize {
			fatal = fmt.Errorf("%w: reply of %d bytes", ErrTooLarge, mh.Size)
			break
		}
		n := protocol.MessageHeaderSize + protocol.ReplyHeaderSize + int(mh.Size) + blecrypto.TagSize
		if len(c.stream) < n {
			break
		}
		pt, err := c.cipher.Open(blecrypto.DirReply, nil, c.stream[protocol.MessageHeaderSize:n], c.stream[:protocol.MessageHeaderSize])
		if err != nil {
			fatal = err
			break
		}
		c.stream = c.stream[n:]
		rh, err := protocol.ParseReplyHeader(pt)
		if err != nil {
			fatal = err
			break
		}
		w, ok := c.waiters[rh.ID]
		if !ok {
			slog.Debug("[BLE] reply for unknown request dropped", "id", rh.ID)
			continue
		}
		delete(c.waiters, rh.ID)
		out = append(out, delivery{w: w, reply: Reply{
			ID:     rh.ID,
			Result: control.Result(rh.Result),
			Data:   pt[protocol.ReplyHeaderSize:],
		}})
	}
	if len(c.stream) == 0 {
		c.stream = nil
	}
	conn := c.conn
	c.mu.Unlock()

	for _, d := range out {
		d.w <- result{reply: d.reply}
	}
	if fatal != nil && conn != nil {
		slog.Error("[BLE] bad reply stream, disconnecting", "error", fatal)
		c.setDisconnected(conn, fmt.Errorf("%w: %w", ErrDisconnected, fatal))
		_ = conn.Disconnect()
	}
}

// Close gracefully disconnects the BLE client and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stop()
	conn := c.conn
	pending := len(c.waiters)
	c.mu.Unlock()

	if pending > 0 {
		slog.Warn("[BLE] closing with pending requests", "count", pending)
	}
	if conn == nil {
		return nil
	}
	c.setDisconnected(conn, ErrClosed)
	return conn.Disconnect()
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// reconnectLoop attempts to reconnect with exponential backoff until it
// succeeds or the client is closed.
func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-c.life.Done():
				return
			}
		}
		if c.life.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(c.life, connectTimeout)
		conn, err := c.adapter.Connect(ctx, c.address)
		cancel()
		if err != nil {
			slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
			continue
		}
		if err := c.attach(conn); err != nil {
			slog.Warn("[BLE] reconnect attach failed", "error", err, "attempt", attempt+1)
			_ = conn.Disconnect()
			if errors.Is(err, ErrClosed) {
				return
			}
			continue
		}

		slog.Info("[BLE] reconnected", "address", c.address)
		return
	}
}
