package prewarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedProbe struct {
	method    string
	path      string
	userAgent string
}

type probeServer struct {
	*httptest.Server
	mu       sync.Mutex
	probes   []recordedProbe
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	release  chan struct{}
}

func newProbeServer(t *testing.T, blocking bool) *probeServer {
	s := &probeServer{}
	if blocking {
		s.release = make(chan struct{})
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			max := s.maxSeen.Load()
			if n <= max || s.maxSeen.CompareAndSwap(max, n) {
				break
			}
		}
		s.mu.Lock()
		s.probes = append(s.probes, recordedProbe{r.Method, r.URL.Path, r.UserAgent()})
		s.mu.Unlock()
		if s.release != nil {
			<-s.release
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *probeServer) recorded() []recordedProbe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedProbe(nil), s.probes...)
}

func waitAll(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestPrewarmReturnsBeforeProbesFinish(t *testing.T) {
	server := newProbeServer(t, true)
	d := New(Config{})

	start := time.Now()
	d.Prewarm([]string{"/category/1", "/product/2"}, server.URL)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool { return len(server.recorded()) == 2 }, time.Second, time.Millisecond)
	close(server.release)
	waitAll(t, d)
}

func TestProbesAreMarkedHeadRequests(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{})

	d.Prewarm([]string{"/profile"}, server.URL+"/")
	waitAll(t, d)

	probes := server.recorded()
	require.Len(t, probes, 1)
	assert.Equal(t, recordedProbe{http.MethodHead, "/profile", UserAgent}, probes[0])
}

func TestPrewarmCopiesRoutes(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{})

	routes := []string{"/category/1"}
	d.Prewarm(routes, server.URL)
	routes[0] = "/changed"
	waitAll(t, d)

	assert.Equal(t, "/category/1", server.recorded()[0].path)
}

func TestConcurrentProbesOfOneTargetCollapse(t *testing.T) {
	server := newProbeServer(t, true)
	d := New(Config{})

	d.Prewarm([]string{"/product/1", "/product/1"}, server.URL)
	require.Eventually(t, func() bool { return len(server.recorded()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(server.release)
	waitAll(t, d)

	assert.Len(t, server.recorded(), 1)
}

func TestConcurrencyBound(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{Concurrency: 1})

	d.Prewarm([]string{"/a", "/b", "/c", "/d"}, server.URL)
	waitAll(t, d)

	assert.Len(t, server.recorded(), 4)
	assert.EqualValues(t, 1, server.maxSeen.Load())
}

func TestRateLimitDropsProbes(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{RateLimit: 0.001, Burst: 1})

	d.Prewarm([]string{"/a", "/b", "/c"}, server.URL)
	waitAll(t, d)

	assert.Len(t, server.recorded(), 1)
}

func TestFailedProbesAreSwallowed(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	d := New(Config{ProbeTimeout: 100 * time.Millisecond})
	assert.NotPanics(t, func() {
		d.Prewarm([]string{"/a"}, url)
		d.Prewarm([]string{"/b"}, "://bad")
	})
	waitAll(t, d)
}

func TestWaitHonoursContext(t *testing.T) {
	server := newProbeServer(t, true)
	defer close(server.release)
	d := New(Config{})

	d.Prewarm([]string{"/slow"}, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

func TestPrewarmAfterCloseSendsNothing(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{})

	d.Prewarm([]string{"/before"}, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	d.Prewarm([]string{"/after"}, server.URL)
	waitAll(t, d)

	assert.Equal(t, []recordedProbe{{"HEAD", "/before", UserAgent}}, server.recorded())
}

func TestPrewarmDuringClose(t *testing.T) {
	server := newProbeServer(t, false)
	d := New(Config{})

	stop := make(chan struct{})
	var senders sync.WaitGroup
	for i := 0; i < 4; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Prewarm([]string{"/busy"}, server.URL)
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	n := len(server.recorded())
	close(stop)
	senders.Wait()
	waitAll(t, d)
	assert.Equal(t, n, len(server.recorded()))
}

func TestNothingToPrewarm(t *testing.T) {
	d := New(Config{})
	d.Prewarm(nil, "http://example.com")
	d.Prewarm([]string{"/"}, "")
	waitAll(t, d)
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "http://origin/product/1", Target("http://origin", "/product/1"))
	assert.Equal(t, "http://origin/product/1", Target("http://origin/", "product/1"))
	assert.Equal(t, "http://origin/?q=1", Target("http://origin", "/?q=1"))
}
