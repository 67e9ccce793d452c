// Package model loads sequence classifiers and turns their output into route predictions.
package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/always-cache/always-prefetch/pkg/vocabulary"
)

// ErrUnavailable is returned when no inference runtime can serve predictions
// in this process.
var ErrUnavailable = fmt.Errorf("model runtime unavailable")

// Classifier scores every vocabulary id as the next route for an encoded
// context window. The returned slice has one probability per id.
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, seq []int) ([]float32, error)
}

// Runtime turns a serialized model artifact into a Classifier for the
// vocabulary the model was trained on.
type Runtime interface {
	Name() string
	Load(ctx context.Context, artifact []byte, vocab *vocabulary.Vocabulary) (Classifier, error)
}

// Handle is a loaded classifier together with the vocabulary it was trained on.
// A handle is immutable once created.
type Handle struct {
	Classifier Classifier
	Vocabulary *vocabulary.Vocabulary
	Window     int
	Runtime    string
}

var runtimes = map[string]Runtime{
	NgramRuntimeName: NgramRuntime{},
}

// SelectRuntime is the startup capability check: it returns the named runtime
// if this build supports it, and the null runtime otherwise.
func SelectRuntime(name string) (Runtime, bool) {
	if rt, ok := runtimes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return rt, true
	}
	return NullRuntime{}, false
}

// NullRuntime never loads a model. It stands in for a missing or unsupported
// runtime so callers take the fallback path.
type NullRuntime struct{}

func (NullRuntime) Name() string { return "none" }

func (NullRuntime) Load(context.Context, []byte, *vocabulary.Vocabulary) (Classifier, error) {
	return nil, ErrUnavailable
}
