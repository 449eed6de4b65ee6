package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
)

// DefaultDebounce is how long a session waits for the caller to stop
// changing the request before issuing provider calls.
const DefaultDebounce = 400 * time.Millisecond

// Result is one resolved quote attempt. Seq identifies which request it
// answers; sessions never deliver a result for a superseded request.
type Result struct {
	Seq      uint64
	Quote    model.SwapQuote
	Warnings []string
	Err      error
}

// Session serializes interactive quoting: rapid request revisions debounce
// into a single provider round trip, a newer request cancels the in-flight
// one, and late resolutions of superseded requests are dropped instead of
// overwriting fresher state.
type Session struct {
	agg      *Aggregator
	debounce time.Duration

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func NewSession(agg *Aggregator, debounce time.Duration) *Session {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Session{agg: agg, debounce: debounce}
}

// Request supersedes any in-flight request and resolves this one after the
// debounce window. The returned channel yields at most one Result and is
// closed without a value when the request is superseded or the context ends
// first.
func (s *Session) Request(ctx context.Context, req providers.SwapQuoteRequest) <-chan Result {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		defer cancel()

		timer := time.NewTimer(s.debounce)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		quote, warnings, err := s.agg.Best(ctx, req)
		if ctx.Err() != nil {
			return
		}
		if !s.isCurrent(seq) {
			return
		}
		out <- Result{Seq: seq, Quote: quote, Warnings: warnings, Err: err}
	}()
	return out
}

func (s *Session) isCurrent(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq == s.seq
}
