package runtime

import "sync/atomic"

// CancelToken is a read-only view of a CancelSource's stop flag,
// checked at suspension-point boundaries by cancellable async
// operations. The zero value never cancels.
type CancelToken struct {
	state *atomic.Bool
}

// StopRequested reports whether the associated source (if any) has
// requested cancellation.
func (t CancelToken) StopRequested() bool {
	return t.state != nil && t.state.Load()
}

// CancelSource can signal cancellation to every token derived from it.
type CancelSource struct {
	state *atomic.Bool
}

// NewCancelSource constructs a fresh, unsignaled source.
func NewCancelSource() *CancelSource {
	return &CancelSource{state: new(atomic.Bool)}
}

// Token returns a token bound to this source.
func (s *CancelSource) Token() CancelToken {
	return CancelToken{state: s.state}
}

// RequestStop signals cancellation to every token bound to s.
func (s *CancelSource) RequestStop() {
	s.state.Store(true)
}
