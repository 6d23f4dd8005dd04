package ble

import (
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/ctrlchan/internal/blechan"
	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

var (
	testSecret = []byte{
		0x42, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}
	testPrefix  = []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	testAddress = "AA:BB:CC:DD:EE:FF"
)

// testDevice runs a real blechan.Channel behind the mock adapter. Writes
// to the RX characteristic drive the channel synchronously; notifications
// go straight to the client's subscriber.
type testDevice struct {
	t     *testing.T
	ch    *blechan.Channel
	runMu sync.Mutex

	mu   sync.Mutex
	conn *mockConnection
}

func newTestDevice(t *testing.T, adapter *mockAdapter, handler control.Handler, deriveKeys bool) *testDevice {
	t.Helper()
	bufs := reqpool.NewBufferPool(reqpool.BufferConfig{SlabCount: 8, SlabSize: 256}, reqpool.NewLimitedHeap(1<<16))
	ch, err := blechan.New(handler, taskqueue.New(), bufs, blechan.Options{
		Secret:      testSecret,
		NoncePrefix: testPrefix,
		DeriveKeys:  deriveKeys,
	})
	if err != nil {
		t.Fatalf("blechan.New() error = %v", err)
	}
	d := &testDevice{t: t, ch: ch}
	ch.SetLink(d)
	adapter.onConnect = d.attach
	return d
}

func (d *testDevice) attach(conn *mockConnection) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	conn.rxChar.setOnWrite(func(p []byte) {
		d.ch.OnWrite(p)
		d.pump()
	})
	d.ch.OnConnect()
	d.ch.OnNotifyEnabled(true)
}

// pump runs the channel until it is idle.
func (d *testDevice) pump() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	for range 4 {
		if err := d.ch.Run(); err != nil {
			d.t.Logf("device Run() error = %v", err)
		}
	}
}

func (d *testDevice) current() *mockConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *testDevice) Notify(packet []byte) error {
	if conn := d.current(); conn != nil {
		conn.txChar.SimulateNotification(append([]byte(nil), packet...))
	}
	d.ch.OnSendComplete()
	return nil
}

func (d *testDevice) Disconnect() error {
	d.ch.OnDisconnect()
	if conn := d.current(); conn != nil {
		go conn.SimulateDisconnect()
	}
	return nil
}

func echoHandler() control.Handler {
	return control.HandlerFunc(func(req *control.Request, ch control.Channel) {
		control.Reply(ch, req, req.Data, nil)
	})
}

func testClientOptions() ClientOptions {
	opts := DefaultClientOptions()
	opts.Secret = testSecret
	opts.NoncePrefix = testPrefix
	opts.InterChunkDelay = 0
	return opts
}

func mustNewClient(t *testing.T, adapter Adapter, opts ClientOptions) *Client {
	t.Helper()
	client, err := NewClient(adapter, testAddress, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
