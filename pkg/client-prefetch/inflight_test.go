package clientprefetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asyncNavigator settles every prefetch later, the way router promises do.
type asyncNavigator struct {
	inflight *Inflight
	delay    time.Duration
}

func (n asyncNavigator) Prefetch(string) error {
	settle := n.inflight.Track()
	time.AfterFunc(n.delay, func() {
		settle()
		settle()
	})
	return nil
}

func TestInflightWaitsForLateSettlement(t *testing.T) {
	inflight := &Inflight{}
	nav := asyncNavigator{inflight: inflight, delay: 30 * time.Millisecond}
	capability := func() (Navigator, bool) { return nav, true }

	start := time.Now()
	report := (&Executor{}).Run(context.Background(), capability, []string{"/a", "/b"})
	require.Equal(t, []string{"/a", "/b"}, report.Prefetched)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inflight.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestInflightWaitHonoursContext(t *testing.T) {
	inflight := &Inflight{}
	inflight.Track()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, inflight.Wait(ctx), context.DeadlineExceeded)
}

func TestInflightNothingTracked(t *testing.T) {
	assert.NoError(t, (&Inflight{}).Wait(context.Background()))
}
