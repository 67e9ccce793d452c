package clientprefetch

import (
	"context"
	"sync"
)

// Inflight counts prefetches that settle after Prefetch has returned, such as
// router promises, so the page program can stay alive until they are done.
type Inflight struct {
	wg sync.WaitGroup
}

// Track registers one pending prefetch. The returned func marks it settled;
// calls after the first are ignored.
func (f *Inflight) Track() (settle func()) {
	f.wg.Add(1)
	var once sync.Once
	return func() { once.Do(f.wg.Done) }
}

// Wait blocks until every tracked prefetch has settled or ctx ends.
func (f *Inflight) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
