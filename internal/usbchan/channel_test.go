package usbchan

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/chaz8081/ctrlchan/internal/control"
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

const (
	testReqType    = 1234
	testSlabSize   = 128
	testMaxActive  = 4
	minTransferLen = 64

	vendorIn  = RequestDirectionIn | RequestTypeVendor
	vendorOut = RequestTypeVendor
)

// harness wires a Channel to a loopback controller and a settable handler.
type harness struct {
	t      *testing.T
	queue  *taskqueue.Queue
	heap   *reqpool.LimitedHeap
	bufs   *reqpool.BufferPool
	ch     *Channel
	lb     *Loopback
	handle func(req *control.Request, ch control.Channel)
	calls  int
}

func newHarness(t *testing.T, slots int) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		queue: taskqueue.New(),
		heap:  reqpool.NewLimitedHeap(0),
	}
	h.bufs = reqpool.NewBufferPool(reqpool.BufferConfig{SlabCount: 8, SlabSize: testSlabSize}, h.heap)
	h.ch = New(control.HandlerFunc(func(req *control.Request, ch control.Channel) {
		h.calls++
		if h.handle != nil {
			h.handle(req, ch)
		}
	}), h.queue, h.bufs, Options{
		MaxActiveRequests: testMaxActive,
		RequestSlots:      slots,
		MinTransferSize:   minTransferLen,
		DeviceID:          []byte{0xde, 0xad, 0xbe, 0xef},
		SystemVersion:     "1.2.3",
	})
	h.lb = NewLoopback(h.ch)
	return h
}

func (h *harness) service(request uint8, idx, val uint16) Reply {
	h.t.Helper()
	buf := make([]byte, minTransferLen)
	n, err := h.lb.Control(vendorIn, request, val, idx, buf)
	if err != nil {
		h.t.Fatalf("service request %d error = %v", request, err)
	}
	rep, err := ParseReply(buf[:n])
	if err != nil {
		h.t.Fatalf("ParseReply() error = %v", err)
	}
	return rep
}

func (h *harness) init(typ uint16, size int) Reply {
	h.t.Helper()
	return h.service(ServiceInit, typ, uint16(size))
}

func (h *harness) check(id uint16) Reply {
	h.t.Helper()
	return h.service(ServiceCheck, id, 0)
}

func (h *harness) reset(id uint16) Reply {
	h.t.Helper()
	return h.service(ServiceReset, id, 0)
}

func (h *harness) send(id uint16, data []byte) error {
	_, err := h.lb.Control(vendorOut, ServiceSend, 0, id, data)
	return err
}

func (h *harness) recv(id uint16, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := h.lb.Control(vendorIn, ServiceRecv, 0, id, buf)
	return buf[:n], err
}

func (h *harness) processAll() {
	for h.queue.Process() {
	}
}

func (h *harness) assertNoLeaks() {
	h.t.Helper()
	h.processAll()
	if st := h.bufs.Stats(); st.Outstanding() != 0 {
		h.t.Fatalf("buffers outstanding: %+v", st)
	}
	if used := h.heap.Used(); used != 0 {
		h.t.Fatalf("heap bytes outstanding = %d", used)
	}
	if n := h.ch.PendingRecords(); n != 0 {
		h.t.Fatalf("PendingRecords() = %d, want 0", n)
	}
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.IntN(256))
	}
	return b
}

func replyWith(data []byte) func(*control.Request, control.Channel) {
	return func(req *control.Request, ch control.Channel) {
		if err := ch.AllocReplyData(req, len(data)); err != nil {
			panic(err)
		}
		copy(req.Reply, data)
		ch.SetResult(req, control.ResultNone, nil)
	}
}

func TestInitEmptyRequestDispatchesImmediately(t *testing.T) {
	h := newHarness(t, 0)
	rep := h.init(testReqType, 0)
	if rep.Status != StatusOK || !rep.Has(FieldID) || rep.ID == 0 {
		t.Fatalf("INIT reply = %+v", rep)
	}
	if !h.queue.Process() {
		t.Fatal("no dispatch task queued")
	}
	if h.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", h.calls)
	}
}

func TestInitSmallRequestUsesSlab(t *testing.T) {
	h := newHarness(t, 0)
	rep := h.init(testReqType, testSlabSize)
	if rep.Status != StatusOK || rep.ID == 0 {
		t.Fatalf("INIT reply = %+v", rep)
	}
	if h.queue.Process() {
		t.Fatal("slab allocation queued a task")
	}
	if st := h.bufs.Stats(); st.SlabsInUse != 1 {
		t.Fatalf("SlabsInUse = %d, want 1", st.SlabsInUse)
	}
}

func TestInitLargeRequestAllocatesOnWorker(t *testing.T) {
	h := newHarness(t, 0)
	size := testSlabSize + 1
	rep := h.init(testReqType, size)
	if rep.Status != StatusPending || rep.ID == 0 {
		t.Fatalf("INIT reply = %+v", rep)
	}
	if h.heap.Used() != 0 {
		t.Fatal("heap allocated in the setup callback")
	}
	if !h.queue.Process() {
		t.Fatal("no allocation task queued")
	}
	if h.heap.Used() != size {
		t.Fatalf("heap.Used() = %d, want %d", h.heap.Used(), size)
	}
	if rep := h.check(rep.ID); rep.Status != StatusOK {
		t.Fatalf("CHECK after allocation = %v, want ok", rep.Status)
	}
}

func TestInitFallsBackToHeapWhenSlabsExhausted(t *testing.T) {
	h := newHarness(t, 0)
	h.bufs = reqpool.NewBufferPool(reqpool.BufferConfig{SlabCount: 1, SlabSize: testSlabSize}, h.heap)
	h.ch = New(control.HandlerFunc(func(*control.Request, control.Channel) {}), h.queue, h.bufs, Options{MaxActiveRequests: testMaxActive})
	h.lb = NewLoopback(h.ch)

	if rep := h.init(testReqType, 1); rep.Status != StatusOK {
		t.Fatalf("first INIT = %v, want ok", rep.Status)
	}
	rep := h.init(testReqType, 1)
	if rep.Status != StatusPending {
		t.Fatalf("second INIT = %v, want pending", rep.Status)
	}
	h.processAll()
	if h.heap.Used() != 1 {
		t.Fatalf("heap.Used() = %d, want 1", h.heap.Used())
	}
}

func TestInitBusyDoesNotConsumeID(t *testing.T) {
	h := newHarness(t, 0)
	var last uint16
	for i := 0; i < testMaxActive; i++ {
		rep := h.init(testReqType, 0)
		if rep.Status != StatusOK {
			t.Fatalf("INIT %d = %v, want ok", i, rep.Status)
		}
		last = rep.ID
	}
	rep := h.init(testReqType, 0)
	if rep.Status != StatusBusy {
		t.Fatalf("INIT over limit = %v, want busy", rep.Status)
	}
	if rep.Has(FieldID) {
		t.Fatal("busy reply carries an id")
	}
	if rep := h.reset(0); rep.Status != StatusOK {
		t.Fatalf("RESET = %v", rep.Status)
	}
	h.processAll()
	if rep := h.init(testReqType, 0); rep.ID != last+1 {
		t.Fatalf("next id = %d, want %d", rep.ID, last+1)
	}
}

func TestIDsUniqueAmongActive(t *testing.T) {
	h := newHarness(t, 0)
	h.ch.lastID = 0xfffe
	seen := map[uint16]bool{}
	for i := 0; i < testMaxActive; i++ {
		rep := h.init(testReqType, 0)
		if rep.ID == 0 {
			t.Fatal("id 0 assigned")
		}
		if seen[rep.ID] {
			t.Fatalf("duplicate id %d", rep.ID)
		}
		seen[rep.ID] = true
	}
}

func TestCheck(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		h := newHarness(t, 0)
		if rep := h.check(1234); rep.Status != StatusNotFound {
			t.Fatalf("CHECK = %v, want not found", rep.Status)
		}
	})

	t.Run("pending while processing", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.init(testReqType, 0).ID
		if rep := h.check(id); rep.Status != StatusPending {
			t.Fatalf("CHECK = %v, want pending", rep.Status)
		}
	})

	t.Run("pending while allocating", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.init(testReqType, testSlabSize+1).ID
		if rep := h.check(id); rep.Status != StatusPending {
			t.Fatalf("CHECK = %v, want pending", rep.Status)
		}
	})

	t.Run("no memory then purged", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.init(testReqType, testSlabSize+1).ID
		h.heap.SetLimit(1)
		if !h.queue.Process() {
			t.Fatal("no allocation task")
		}
		if rep := h.check(id); rep.Status != StatusNoMemory {
			t.Fatalf("CHECK = %v, want no memory", rep.Status)
		}
		if rep := h.check(id); rep.Status != StatusNotFound {
			t.Fatalf("second CHECK = %v, want not found", rep.Status)
		}
		h.assertNoLeaks()
	})

	t.Run("done without reply data", func(t *testing.T) {
		h := newHarness(t, 0)
		h.handle = func(req *control.Request, ch control.Channel) {
			ch.SetResult(req, control.ResultUnknown, nil)
		}
		id := h.init(testReqType, 0).ID
		h.processAll()
		rep := h.check(id)
		if rep.Status != StatusOK || rep.Result != int32(control.ResultUnknown) || rep.Size != 0 {
			t.Fatalf("CHECK = %+v", rep)
		}
		if rep := h.check(id); rep.Status != StatusNotFound {
			t.Fatalf("second CHECK = %v, want not found", rep.Status)
		}
		h.assertNoLeaks()
	})

	t.Run("done with reply data", func(t *testing.T) {
		h := newHarness(t, 0)
		h.handle = func(req *control.Request, ch control.Channel) {
			if err := ch.AllocReplyData(req, 1024); err != nil {
				t.Errorf("AllocReplyData() error = %v", err)
			}
			ch.SetResult(req, control.ResultUnknown, nil)
		}
		id := h.init(testReqType, 0).ID
		h.processAll()
		for i := 0; i < 2; i++ {
			rep := h.check(id)
			if rep.Status != StatusOK || rep.Result != int32(control.ResultUnknown) || rep.Size != 1024 {
				t.Fatalf("CHECK %d = %+v", i, rep)
			}
		}
	})

	t.Run("completion runs asynchronously", func(t *testing.T) {
		h := newHarness(t, 0)
		called := false
		var got control.Result = -1
		h.handle = func(req *control.Request, ch control.Channel) {
			ch.SetResult(req, control.ResultNone, func(r control.Result) {
				called = true
				got = r
			})
		}
		id := h.init(testReqType, 0).ID
		h.processAll()
		h.check(id)
		if called {
			t.Fatal("completion ran in the setup callback")
		}
		if !h.queue.Process() {
			t.Fatal("no completion task")
		}
		if !called || got != control.ResultNone {
			t.Fatalf("completion called=%v result=%v", called, got)
		}
	})
}

func TestSend(t *testing.T) {
	for _, size := range []int{minTransferLen, minTransferLen + 1, testSlabSize + 10} {
		r := rand.New(rand.NewPCG(1, uint64(size)))
		data := randomBytes(r, size)
		h := newHarness(t, 0)
		var got []byte
		h.handle = func(req *control.Request, ch control.Channel) {
			got = append([]byte(nil), req.Data...)
		}
		rep := h.init(testReqType, size)
		h.processAll()
		if err := h.send(rep.ID, data); err != nil {
			t.Fatalf("SEND(%d bytes) error = %v", size, err)
		}
		if !h.queue.Process() {
			t.Fatal("no dispatch task after SEND")
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("handler data mismatch for %d bytes", size)
		}
		if rep := h.check(rep.ID); rep.Status != StatusPending {
			t.Fatalf("CHECK after SEND = %v, want pending", rep.Status)
		}
	}
}

func TestSendFailures(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.send(1234, []byte("test")); !errors.Is(err, ErrStall) {
		t.Fatalf("SEND unknown id error = %v, want stall", err)
	}

	id := h.init(testReqType, 0).ID
	if err := h.send(id, []byte("test")); !errors.Is(err, ErrStall) {
		t.Fatalf("SEND in wrong state error = %v, want stall", err)
	}

	id = h.init(testReqType, 5).ID
	if err := h.send(id, []byte("test")); !errors.Is(err, ErrStall) {
		t.Fatalf("SEND wrong size error = %v, want stall", err)
	}
}

func TestRecv(t *testing.T) {
	for _, size := range []int{minTransferLen, minTransferLen + 1} {
		r := rand.New(rand.NewPCG(2, uint64(size)))
		data := randomBytes(r, size)
		h := newHarness(t, 0)
		h.handle = replyWith(data)
		id := h.init(testReqType, 0).ID
		h.processAll()
		got, err := h.recv(id, size)
		if err != nil {
			t.Fatalf("RECV error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("RECV data mismatch for %d bytes", size)
		}
		if rep := h.check(id); rep.Status != StatusNotFound {
			t.Fatalf("CHECK after RECV = %v, want not found", rep.Status)
		}
		h.assertNoLeaks()
	}
}

func TestRecvCompletion(t *testing.T) {
	h := newHarness(t, 0)
	called := false
	h.handle = func(req *control.Request, ch control.Channel) {
		if err := ch.AllocReplyData(req, 1024); err != nil {
			t.Errorf("AllocReplyData() error = %v", err)
		}
		ch.SetResult(req, control.ResultNone, func(control.Result) { called = true })
	}
	id := h.init(testReqType, 0).ID
	h.processAll()
	h.check(id)
	if h.queue.Process() || called {
		t.Fatal("CHECK completed a request that has reply data")
	}
	if _, err := h.recv(id, 1024); err != nil {
		t.Fatalf("RECV error = %v", err)
	}
	if called {
		t.Fatal("completion ran in the setup callback")
	}
	if !h.queue.Process() || !called {
		t.Fatal("completion not run after RECV")
	}
}

func TestReplyLimitedToRecvLength(t *testing.T) {
	h := newHarness(t, 0)
	h.handle = func(req *control.Request, ch control.Channel) {
		if err := ch.AllocReplyData(req, maxReplySize+1); !errors.Is(err, ErrReplyTooLarge) {
			t.Errorf("AllocReplyData(%d) error = %v, want ErrReplyTooLarge", maxReplySize+1, err)
		}
		if req.Reply != nil {
			t.Errorf("Reply = %d bytes after rejected allocation, want nil", len(req.Reply))
		}
		if err := ch.AllocReplyData(req, maxReplySize); err != nil {
			t.Errorf("AllocReplyData(%d) error = %v", maxReplySize, err)
		}
		ch.SetResult(req, control.ResultNone, nil)
	}
	id := h.init(testReqType, 0).ID
	h.processAll()
	rep := h.check(id)
	if rep.Status != StatusOK || rep.Size != maxReplySize {
		t.Fatalf("CHECK = %+v, want ok with %d bytes", rep, maxReplySize)
	}
	if _, err := h.recv(id, maxReplySize); err != nil {
		t.Fatalf("RECV error = %v", err)
	}
	h.assertNoLeaks()
}

func TestRecvFailures(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.recv(1234, 1); !errors.Is(err, ErrStall) {
		t.Fatalf("RECV unknown id error = %v, want stall", err)
	}
	id := h.init(testReqType, 0).ID
	if _, err := h.recv(id, 4); !errors.Is(err, ErrStall) {
		t.Fatalf("RECV before done error = %v, want stall", err)
	}
	h.handle = replyWith([]byte("test"))
	id = h.init(testReqType, 0).ID
	h.processAll()
	if _, err := h.recv(id, 5); !errors.Is(err, ErrStall) {
		t.Fatalf("RECV wrong size error = %v, want stall", err)
	}
}

func TestReset(t *testing.T) {
	t.Run("by id", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.init(testReqType, 0).ID
		if rep := h.reset(id); rep.Status != StatusOK {
			t.Fatalf("RESET = %v", rep.Status)
		}
		for i := 0; i < testMaxActive; i++ {
			if rep := h.init(testReqType, 0); rep.Status != StatusOK {
				t.Fatalf("INIT %d after RESET = %v", i, rep.Status)
			}
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		h := newHarness(t, 0)
		if rep := h.reset(99); rep.Status != StatusNotFound {
			t.Fatalf("RESET = %v, want not found", rep.Status)
		}
	})

	t.Run("all", func(t *testing.T) {
		h := newHarness(t, 0)
		for i := 0; i < testMaxActive; i++ {
			h.init(testReqType, testSlabSize*2)
		}
		if rep := h.reset(0); rep.Status != StatusOK {
			t.Fatalf("RESET = %v", rep.Status)
		}
		if h.ch.ActiveCount() != 0 {
			t.Fatalf("ActiveCount() = %d, want 0", h.ch.ActiveCount())
		}
		for i := 0; i < testMaxActive; i++ {
			if rep := h.init(testReqType, 0); rep.Status != StatusOK {
				t.Fatalf("INIT %d after RESET = %v", i, rep.Status)
			}
		}
		h.reset(0)
		h.assertNoLeaks()
	})
}

func TestResetWhileHandlerOwnsRequest(t *testing.T) {
	h := newHarness(t, 0)
	var held *control.Request
	h.handle = func(req *control.Request, ch control.Channel) {
		held = req
	}
	id := h.init(testReqType, 10).ID
	if err := h.send(id, make([]byte, 10)); err != nil {
		t.Fatalf("SEND error = %v", err)
	}
	h.processAll()
	if held == nil {
		t.Fatal("handler not called")
	}
	h.reset(id)
	if rep := h.check(id); rep.Status != StatusNotFound {
		t.Fatalf("CHECK after RESET = %v, want not found", rep.Status)
	}
	if h.ch.PendingRecords() != 1 {
		t.Fatalf("PendingRecords() = %d, want 1 while the handler holds it", h.ch.PendingRecords())
	}
	if err := h.ch.AllocReplyData(held, 16); err != nil {
		t.Fatalf("AllocReplyData() on detached request error = %v", err)
	}

	var got control.Result
	h.ch.SetResult(held, control.ResultNone, func(r control.Result) { got = r })
	if got != control.ResultCancelled {
		t.Fatalf("completion result = %v, want cancelled", got)
	}
	h.assertNoLeaks()

	// A second, stale completion is ignored.
	got = 0
	h.ch.SetResult(held, control.ResultNone, func(r control.Result) { got = r })
	if got != control.ResultCancelled {
		t.Fatalf("stale completion result = %v, want cancelled", got)
	}
	if err := h.ch.AllocReplyData(held, 1); !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("AllocReplyData() on released request error = %v", err)
	}
}

func TestResetBeforeDispatch(t *testing.T) {
	h := newHarness(t, 0)
	id := h.init(testReqType, 0).ID
	h.reset(id)
	h.processAll()
	if h.calls != 0 {
		t.Fatalf("handler called %d times for a purged request", h.calls)
	}
	h.assertNoLeaks()
}

func TestResetDuringAllocation(t *testing.T) {
	h := newHarness(t, 0)
	id := h.init(testReqType, testSlabSize*4).ID
	h.reset(id)
	h.processAll()
	h.assertNoLeaks()
}

func TestBusResetAbortsAll(t *testing.T) {
	h := newHarness(t, 0)
	var results []control.Result
	h.handle = func(req *control.Request, ch control.Channel) {
		if err := ch.AllocReplyData(req, 200); err != nil {
			t.Errorf("AllocReplyData() error = %v", err)
		}
		ch.SetResult(req, control.ResultNone, func(r control.Result) { results = append(results, r) })
	}
	h.init(testReqType, 0)
	h.init(testReqType, 0)
	h.processAll()
	h.lb.Reset()
	if h.ch.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after bus reset", h.ch.ActiveCount())
	}
	h.assertNoLeaks()
	if len(results) != 2 || results[0] != control.ResultAborted || results[1] != control.ResultAborted {
		t.Fatalf("completion results = %v, want two aborted", results)
	}
}

func TestRawRequests(t *testing.T) {
	h := newHarness(t, 0)
	buf := make([]byte, 32)
	n, err := h.lb.Control(vendorIn, RawRequest, 0, RawDeviceID, buf)
	if err != nil {
		t.Fatalf("device id error = %v", err)
	}
	if got := string(buf[:n]); got != "deadbeef" {
		t.Fatalf("device id = %q, want deadbeef", got)
	}
	n, err = h.lb.Control(vendorIn, RawRequest, 0, RawSystemVersion, buf)
	if err != nil || string(buf[:n]) != "1.2.3" {
		t.Fatalf("system version = %q, %v", buf[:n], err)
	}
	if _, err := h.lb.Control(vendorIn, RawRequest, 0, 999, buf); !errors.Is(err, ErrStall) {
		t.Fatalf("unknown raw request error = %v, want stall", err)
	}
	if _, err := h.lb.Control(vendorIn, RawRequest, 0, RawDeviceID, buf[:4]); !errors.Is(err, ErrStall) {
		t.Fatalf("short device id buffer error = %v, want stall", err)
	}
	if _, err := h.lb.Control(vendorOut, RawRequest, 0, RawDeviceID, buf); !errors.Is(err, ErrStall) {
		t.Fatalf("host-to-device raw request error = %v, want stall", err)
	}
}

func TestServiceRequestNeedsMinimumDataStage(t *testing.T) {
	h := newHarness(t, 0)
	buf := make([]byte, minTransferLen-1)
	if _, err := h.lb.Control(vendorIn, ServiceInit, 0, testReqType, buf); !errors.Is(err, ErrStall) {
		t.Fatalf("INIT with short data stage error = %v, want stall", err)
	}
}

// Scenario A: empty request, empty reply.
func TestScenarioEmptyRequest(t *testing.T) {
	h := newHarness(t, 0)
	h.handle = func(req *control.Request, ch control.Channel) {
		ch.SetResult(req, control.ResultNone, nil)
	}
	rep := h.init(10, 0)
	if rep.Status != StatusOK {
		t.Fatalf("INIT = %+v", rep)
	}
	h.processAll()
	got := h.check(rep.ID)
	if got.Status != StatusOK || got.Result != 0 || got.Size != 0 {
		t.Fatalf("CHECK = %+v, want ok/0/0", got)
	}
	if got := h.check(rep.ID); got.Status != StatusNotFound {
		t.Fatalf("second CHECK = %v, want not found", got.Status)
	}
	h.assertNoLeaks()
}

// Scenario B: payload in, reply out.
func TestScenarioPayloadAndReply(t *testing.T) {
	h := newHarness(t, 0)
	payload := bytes.Repeat([]byte{0x5a}, 100)
	reply := bytes.Repeat([]byte{0xa5}, 200)
	var seen []byte
	h.handle = func(req *control.Request, ch control.Channel) {
		seen = append([]byte(nil), req.Data...)
		replyWith(reply)(req, ch)
	}
	rep := h.init(20, len(payload))
	if rep.Status != StatusOK {
		t.Fatalf("INIT = %+v", rep)
	}
	if err := h.send(rep.ID, payload); err != nil {
		t.Fatalf("SEND error = %v", err)
	}
	h.processAll()
	if !bytes.Equal(seen, payload) {
		t.Fatal("handler saw wrong payload")
	}
	chk := h.check(rep.ID)
	if chk.Status != StatusOK || chk.Size != 200 {
		t.Fatalf("CHECK = %+v", chk)
	}
	got, err := h.recv(rep.ID, 200)
	if err != nil || !bytes.Equal(got, reply) {
		t.Fatalf("RECV = %d bytes, %v", len(got), err)
	}
	h.assertNoLeaks()
}

// Scenario C: saturation.
func TestScenarioSaturation(t *testing.T) {
	h := newHarness(t, 0)
	for i := 0; i < testMaxActive; i++ {
		h.init(10, 0)
	}
	if rep := h.init(10, 0); rep.Status != StatusBusy {
		t.Fatalf("INIT = %v, want busy", rep.Status)
	}
}

func TestStress(t *testing.T) {
	const (
		totalRequests = 100
		cancelEvery   = 10
	)
	type phase int
	const (
		waitAlloc phase = iota
		sendData
		waitReply
	)
	type pending struct {
		data  []byte
		phase phase
		id    uint16
	}

	r := rand.New(rand.NewPCG(42, 7))
	h := newHarness(t, totalRequests+testMaxActive)
	h.handle = func(req *control.Request, ch control.Channel) {
		if req.Type != testReqType {
			t.Errorf("request type = %d", req.Type)
		}
		if len(req.Data) > 0 {
			if err := ch.AllocReplyData(req, len(req.Data)); err != nil {
				t.Errorf("AllocReplyData() error = %v", err)
			}
			copy(req.Reply, req.Data)
		}
		ch.SetResult(req, control.ResultNone, nil)
	}

	var reqs []*pending
	ids := map[uint16]bool{}
	count := 0
	for {
		for len(reqs) < testMaxActive && count < totalRequests {
			p := &pending{data: randomBytes(r, r.IntN(testSlabSize*2+1))}
			rep := h.init(testReqType, len(p.data))
			switch {
			case rep.Status == StatusPending:
				p.phase = waitAlloc
			case rep.Status != StatusOK:
				t.Fatalf("INIT = %v", rep.Status)
			case len(p.data) > 0:
				p.phase = sendData
			default:
				p.phase = waitReply
			}
			if rep.ID == 0 || ids[rep.ID] {
				t.Fatalf("INIT id %d invalid or duplicate", rep.ID)
			}
			p.id = rep.ID
			ids[p.id] = true
			reqs = append(reqs, p)
			count++
		}
		if len(reqs) == 0 {
			break
		}

		kept := reqs[:0]
		for _, p := range reqs {
			done := false
			switch p.phase {
			case waitAlloc:
				rep := h.check(p.id)
				if rep.Status != StatusOK && rep.Status != StatusPending {
					t.Fatalf("CHECK during alloc = %v", rep.Status)
				}
				if rep.Status == StatusOK {
					p.phase = sendData
				}
			case sendData:
				if err := h.send(p.id, p.data); err != nil {
					t.Fatalf("SEND error = %v", err)
				}
				p.phase = waitReply
			case waitReply:
				rep := h.check(p.id)
				if rep.Status != StatusOK && rep.Status != StatusPending {
					t.Fatalf("CHECK for reply = %v", rep.Status)
				}
				if rep.Status == StatusOK {
					if rep.Result != 0 {
						t.Fatalf("result = %d", rep.Result)
					}
					if len(p.data) > 0 {
						if int(rep.Size) != len(p.data) {
							t.Fatalf("reply size = %d, want %d", rep.Size, len(p.data))
						}
						got, err := h.recv(p.id, len(p.data))
						if err != nil || !bytes.Equal(got, p.data) {
							t.Fatalf("RECV mismatch: %v", err)
						}
					} else if rep.Size != 0 {
						t.Fatalf("reply size = %d, want 0", rep.Size)
					}
					done = true
				}
			}
			if done {
				delete(ids, p.id)
			} else {
				kept = append(kept, p)
			}
		}
		reqs = kept

		if count%cancelEvery == 0 && len(reqs) > 0 {
			p := reqs[0]
			if rep := h.reset(p.id); rep.Status != StatusOK {
				t.Fatalf("RESET = %v", rep.Status)
			}
			delete(ids, p.id)
			reqs = reqs[1:]
		}
		h.queue.Process()
	}

	h.assertNoLeaks()
}
