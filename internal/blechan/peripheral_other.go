//go:build !linux

package blechan

// Peripheral is unavailable on this platform; Start always fails.
type Peripheral struct {
	ch *Channel
}

// NewPeripheral creates a peripheral for ch and attaches itself as the
// channel's link.
func NewPeripheral(ch *Channel, opts PeripheralOptions) *Peripheral {
	opts.applyDefaults()
	p := &Peripheral{ch: ch}
	ch.SetLink(p)
	return p
}

func (p *Peripheral) Start() error { return ErrPeripheralUnsupported }

func (p *Peripheral) Stop() error { return nil }

func (p *Peripheral) Notify(packet []byte) error { return ErrPeripheralUnsupported }

func (p *Peripheral) Disconnect() error { return nil }

// Compile-time check that Peripheral implements Link.
var _ Link = (*Peripheral)(nil)
