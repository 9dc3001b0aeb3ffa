package audit

import (
	"log"
	"os"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

// ChainAppender adapts a Chain into a sink.Sink, so it can be registered
// alongside the file and document-store sinks without either depending on
// the other. Per §4.5, this sink is purely observational: an append
// failure is logged, never returned, and never stops delivery to other sinks.
type ChainAppender struct {
	chain *Chain
	log   *log.Logger
}

// NewChainAppender wraps chain as a sink.Sink.
func NewChainAppender(chain *Chain) *ChainAppender {
	return &ChainAppender{chain: chain, log: log.New(os.Stderr, "[audit] ", log.LstdFlags)}
}

// Accept implements sink.Sink.
func (a *ChainAppender) Accept(p *model.InterceptedPrompt) {
	if _, err := a.chain.Append(p); err != nil {
		a.log.Printf("append failed for prompt %s: %v", p.ID, err)
	}
}
