package blechan

import (
	"errors"
	"sync"
)

// mockLink records notified packets. With autoComplete set it reports
// every packet as sent immediately, like a stack with a deep TX queue.
type mockLink struct {
	mu           sync.Mutex
	ch           *Channel
	packets      [][]byte
	busy         bool
	fail         bool
	autoComplete bool
	disconnects  int
}

func (l *mockLink) Notify(packet []byte) error {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return ErrLinkBusy
	}
	if l.fail {
		l.mu.Unlock()
		return errors.New("mock: radio error")
	}
	l.packets = append(l.packets, append([]byte(nil), packet...))
	auto := l.autoComplete
	l.mu.Unlock()
	if auto {
		l.ch.OnSendComplete()
	}
	return nil
}

func (l *mockLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

func (l *mockLink) setBusy(busy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = busy
}

func (l *mockLink) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.packets
	l.packets = nil
	return p
}

func (l *mockLink) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}
