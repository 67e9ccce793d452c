package prediction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/always-prefetch/metrics"
	"github.com/always-cache/always-prefetch/model"
	rulepredictor "github.com/always-cache/always-prefetch/pkg/rule-predictor"
	"github.com/always-cache/always-prefetch/pkg/vocabulary"
)

// vocab: "/"=0 "/category/1"=1 "/product/1"=2 "/profile"=3 PAD=4 UNK=5
var testRoutes = []string{"/", "/category/1", "/product/1", "/profile"}

type fixedClassifier []float32

func (c fixedClassifier) Predict(context.Context, []int) ([]float32, error) {
	return c, nil
}

func handleFor(c model.Classifier) *model.Handle {
	return &model.Handle{
		Classifier: c,
		Vocabulary: vocabulary.New(testRoutes),
		Window:     model.DefaultWindow,
		Runtime:    "test",
	}
}

// countingLoader counts calls and blocks until release is closed.
type countingLoader struct {
	calls   atomic.Int32
	release chan struct{}
	handle  *model.Handle
	err     error
}

func (l *countingLoader) Load(ctx context.Context) (*model.Handle, error) {
	l.calls.Add(1)
	if l.release != nil {
		<-l.release
	}
	return l.handle, l.err
}

func TestConcurrentFirstCallsShareOneLoad(t *testing.T) {
	loader := &countingLoader{
		release: make(chan struct{}),
		handle:  handleFor(fixedClassifier{0.1, 0.2, 0.6, 0.1, 0, 0}),
	}
	svc := New(Config{Load: loader.Load})

	const callers = 50
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Predict(context.Background(), []string{"/"})
		}(i)
	}

	require.Eventually(t, func() bool { return svc.State() == Loading }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	assert.EqualValues(t, 1, loader.calls.Load())
	assert.Equal(t, 1, svc.LoadCount())
	assert.Equal(t, Ready, svc.State())
	for _, res := range results {
		assert.Equal(t, SourceModel, res.Source)
		assert.Equal(t, []string{"/product/1", "/category/1", "/"}, res.Routes)
	}
}

func TestUnavailableMatchesRules(t *testing.T) {
	loader := &countingLoader{err: errors.New("vocab fetch failed")}
	svc := New(Config{Load: loader.Load})
	rules := rulepredictor.New(rulepredictor.DefaultPolicy())

	histories := [][]string{
		{"/"},
		{"/category/3"},
		{"/product/7"},
		{"/profile"},
		{"/somewhere/else"},
		{"/", "/category/1", "/product/2"},
	}
	for _, paths := range histories {
		res := svc.Predict(context.Background(), paths)
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, rules.Predict(paths), res.Routes)
	}
	assert.Equal(t, Unavailable, svc.State())
	// unavailable is sticky, no retry per request
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestScenarios(t *testing.T) {
	svc := New(Config{})

	assert.Equal(t, []string{"/category/1", "/category/2", "/profile"},
		svc.GetPredictedRoutes(context.Background(), []string{"/"}))
	assert.Equal(t, []string{"/category/1", "/product/8", "/"},
		svc.GetPredictedRoutes(context.Background(), []string{"/product/7"}))
}

func TestEmptyHistoryDoesNotLoad(t *testing.T) {
	loader := &countingLoader{handle: handleFor(fixedClassifier{1, 0, 0, 0, 0, 0})}
	svc := New(Config{Load: loader.Load})

	res := svc.Predict(context.Background(), nil)
	assert.Equal(t, []string{}, res.Routes)
	assert.Equal(t, SourceNone, res.Source)
	assert.Equal(t, 0, svc.LoadCount())
	assert.Equal(t, Uninitialized, svc.State())
	assert.EqualValues(t, 0, loader.calls.Load())
}

func TestModelResultIsAuthoritative(t *testing.T) {
	// only "/profile" has mass; the rules would have given three routes
	loader := &countingLoader{handle: handleFor(fixedClassifier{0, 0, 0, 1, 0, 0})}
	svc := New(Config{Load: loader.Load})

	res := svc.Predict(context.Background(), []string{"/"})
	assert.Equal(t, SourceModel, res.Source)
	assert.Equal(t, []string{"/profile"}, res.Routes)
}

func TestEmptyModelResultFallsBack(t *testing.T) {
	// all mass on PAD and UNK
	loader := &countingLoader{handle: handleFor(fixedClassifier{0, 0, 0, 0, 0.5, 0.5})}
	svc := New(Config{Load: loader.Load})

	res := svc.Predict(context.Background(), []string{"/profile"})
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, []string{"/", "/category/1", "/category/2"}, res.Routes)
	assert.Equal(t, Ready, svc.State())
}

func TestCallerGivesUpWithoutCancellingLoad(t *testing.T) {
	loader := &countingLoader{
		release: make(chan struct{}),
		handle:  handleFor(fixedClassifier{0, 1, 0, 0, 0, 0}),
	}
	svc := New(Config{Load: loader.Load})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := svc.Predict(ctx, []string{"/"})
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, Loading, svc.State())

	close(loader.release)
	assert.Equal(t, Ready, svc.Load(context.Background()))
	res = svc.Predict(context.Background(), []string{"/"})
	assert.Equal(t, SourceModel, res.Source)
	assert.Equal(t, 1, svc.LoadCount())
}

func TestLoadPanicMakesServiceUnavailable(t *testing.T) {
	svc := New(Config{Load: func(context.Context) (*model.Handle, error) {
		panic("runtime missing")
	}})
	res := svc.Predict(context.Background(), []string{"/"})
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, Unavailable, svc.State())
}

func TestInvalidate(t *testing.T) {
	loader := &countingLoader{release: make(chan struct{}), err: model.ErrUnavailable}
	svc := New(Config{Load: loader.Load})

	go svc.Load(context.Background())
	require.Eventually(t, func() bool { return svc.State() == Loading }, time.Second, time.Millisecond)
	assert.False(t, svc.Invalidate())

	close(loader.release)
	assert.Equal(t, Unavailable, svc.Load(context.Background()))
	assert.True(t, svc.Invalidate())
	assert.Equal(t, Uninitialized, svc.State())

	assert.Equal(t, Unavailable, svc.Load(context.Background()))
	assert.Equal(t, 2, svc.LoadCount())
	assert.EqualValues(t, 2, loader.calls.Load())
}

func TestLoaderFromConfig(t *testing.T) {
	svc := New(Config{
		Load:    Loader(model.LoaderConfig{Runtime: model.NullRuntime{}, ModelURL: "model.json"}),
		Metrics: metrics.New(metrics.Config{}),
	})
	assert.Equal(t, Unavailable, svc.Load(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "state(9)", State(9).String())
}
