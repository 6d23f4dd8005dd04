package devicectl

import (
	"github.com/chaz8081/ctrlchan/internal/reqpool"
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

// Collector gathers diagnostics from the shared pools.
type Collector struct {
	Buffers *reqpool.BufferPool
	Queue   *taskqueue.Queue
	// Active reports the requests in flight per transport.
	Active []func() int
}

// Collect returns the current diagnostics. Sources left nil are skipped.
func (p *Collector) Collect() []Diagnostic {
	var diags []Diagnostic
	if len(p.Active) > 0 {
		n := 0
		for _, f := range p.Active {
			n += f()
		}
		diags = append(diags, Diagnostic{ID: DiagActiveRequests, Value: int32(n)})
	}
	if p.Buffers != nil {
		st := p.Buffers.Stats()
		diags = append(diags,
			Diagnostic{ID: DiagSlabsInUse, Value: int32(st.SlabsInUse)},
			Diagnostic{ID: DiagHeapBytes, Value: int32(st.HeapBytes)},
		)
	}
	if p.Queue != nil {
		diags = append(diags, Diagnostic{ID: DiagTaskQueueLen, Value: int32(p.Queue.Len())})
	}
	return diags
}
