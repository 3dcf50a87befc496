package projection

import (
	"context"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
)

// Fanout copies every core output to each named consumer. Sends never
// block: a consumer that falls behind loses events and counts them as
// drops under its name.
type Fanout struct {
	in      <-chan core.CoreOutput
	outs    map[string]chan<- core.CoreOutput
	metrics *observability.Metrics
}

func NewFanout(in <-chan core.CoreOutput, metrics *observability.Metrics) *Fanout {
	return &Fanout{in: in, outs: make(map[string]chan<- core.CoreOutput), metrics: metrics}
}

// Add registers a consumer. It must be called before Run.
func (f *Fanout) Add(name string, ch chan<- core.CoreOutput) {
	f.outs[name] = ch
}

// Run forwards until ctx is done or the input closes; it then closes every
// consumer channel.
func (f *Fanout) Run(ctx context.Context) error {
	defer func() {
		for _, ch := range f.outs {
			close(ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-f.in:
			if !ok {
				return nil
			}
			for name, ch := range f.outs {
				select {
				case ch <- out:
				default:
					if f.metrics != nil {
						f.metrics.ProjectionDrops.WithLabelValues(name).Inc()
					}
				}
			}
		}
	}
}
