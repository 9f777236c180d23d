package sync

import "sync"

// Progress receives sync progress events. Implementations are never
// queried; the engine only pushes.
type Progress interface {
	// OnStart reports the total number of messages the run expects to
	// process. The total is an estimate from the counting pass and may
	// differ from what enumeration later yields.
	OnStart(total int64)

	// OnAdvance reports that n more messages were processed.
	OnAdvance(n int64)

	// OnFinish reports that the run ended, normally or not.
	OnFinish()
}

// NullProgress discards all progress events.
type NullProgress struct{}

func (NullProgress) OnStart(total int64) {}
func (NullProgress) OnAdvance(n int64)   {}
func (NullProgress) OnFinish()           {}

// counter tracks the monotonic processed count and forwards advances to
// the sink. The mutex keeps the count consistent if a future caller
// advances from more than one goroutine.
type counter struct {
	mu   sync.Mutex
	n    int64
	sink Progress
}

func (c *counter) advance(delta int64) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
	c.sink.OnAdvance(delta)
}

func (c *counter) count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
