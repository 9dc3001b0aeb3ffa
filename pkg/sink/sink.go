// Package sink implements C5: delivery of each InterceptedPrompt to
// external persistence collaborators. The contract (§4.5) is deliberately
// thin — Accept must be non-blocking for the emitter and must never let a
// failure propagate back to the capture path.
package sink

import (
	"log"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

// Sink accepts one InterceptedPrompt at a time. Implementations may buffer
// internally but must not block the caller for long, and must swallow their
// own errors (logging is acceptable; returning an error to the emitter is
// not part of the contract — emission never blocks on persistence).
type Sink interface {
	Accept(p *model.InterceptedPrompt)
}

// Registry fans a single emission out to every registered sink, in
// registration order, isolating failures between sinks. Per the sink
// delivery-ordering decision in SPEC_FULL.md §4.5/DESIGN.md, register the
// file sink before the document-store sink so file-then-DB ordering holds.
type Registry struct {
	sinks []Sink
	log   *log.Logger
}

// NewRegistry returns a Registry that logs sink panics with the given
// logger (nil uses the standard logger).
func NewRegistry(logger *log.Logger, sinks ...Sink) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{sinks: sinks, log: logger}
}

// Emit delivers p to every registered sink. A panicking sink is recovered
// and logged; it never reaches the caller and never stops delivery to the
// remaining sinks.
func (r *Registry) Emit(p *model.InterceptedPrompt) {
	for _, s := range r.sinks {
		r.deliver(s, p)
	}
}

func (r *Registry) deliver(s Sink, p *model.InterceptedPrompt) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Printf("sink: recovered panic delivering prompt %s: %v", p.ID, rec)
		}
	}()
	s.Accept(p)
}
