package progress

// Tracker receives progress events during download and install operations.
// Implementations must be safe for concurrent use from multiple goroutines.
type Tracker interface {
	OnEvent(any)
}

// NewTracker creates a Tracker from a typed callback function.
// The caller works with a concrete event type; the Tracker interface
// stays non-generic so producers can hold any tracker uniformly.
func NewTracker[E any](fn func(E)) Tracker {
	return funcTracker(func(v any) { fn(v.(E)) })
}

type funcTracker func(any)

func (f funcTracker) OnEvent(e any) { f(e) }

// Nop is a no-op tracker for callers that don't need progress.
var Nop Tracker = funcTracker(func(any) {})
