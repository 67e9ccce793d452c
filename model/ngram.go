package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/always-cache/always-prefetch/pkg/vocabulary"
)

const (
	NgramRuntimeName = "ngram"
	ngramFormat      = "ngram/v1"
)

// NgramRuntime loads back-off n-gram classifiers.
//
// The artifact is a JSON document:
//
//	{
//	  "format": "ngram/v1",
//	  "order": 3,
//	  "vocab_size": 24,
//	  "pad": 22,
//	  "contexts": {
//	    "":     {"0": 12, "3": 4},
//	    "0":    {"3": 9, "4": 2},
//	    "0,3":  {"7": 5}
//	  }
//	}
//
// Context keys are comma-separated ids, oldest first; the empty key is the
// unigram distribution. Weights need not sum to one. Leading padding is
// stripped using the vocabulary's PAD id; "pad" is optional and, when present,
// must agree with it.
type NgramRuntime struct{}

type ngramArtifact struct {
	Format    string                        `json:"format"`
	Order     int                           `json:"order"`
	VocabSize int                           `json:"vocab_size"`
	Pad       *int                          `json:"pad"`
	Contexts  map[string]map[string]float64 `json:"contexts"`
}

type ngramClassifier struct {
	order     int
	vocabSize int
	pad       int
	dists     map[string][]float32
}

func (NgramRuntime) Name() string { return NgramRuntimeName }

func (NgramRuntime) Load(_ context.Context, artifact []byte, vocab *vocabulary.Vocabulary) (Classifier, error) {
	if vocab == nil {
		return nil, fmt.Errorf("no vocabulary for ngram artifact")
	}
	vocabSize := vocab.Size()
	var a ngramArtifact
	if err := json.Unmarshal(artifact, &a); err != nil {
		return nil, fmt.Errorf("decode ngram artifact: %w", err)
	}
	if a.Format != ngramFormat {
		return nil, fmt.Errorf("unsupported artifact format %q", a.Format)
	}
	if a.Order < 1 {
		return nil, fmt.Errorf("invalid ngram order %d", a.Order)
	}
	if a.VocabSize != vocabSize {
		return nil, fmt.Errorf("artifact vocab_size %d does not match vocabulary size %d", a.VocabSize, vocabSize)
	}

	if a.Pad != nil && *a.Pad != vocab.Pad() {
		return nil, fmt.Errorf("artifact pad %d does not match vocabulary PAD %d", *a.Pad, vocab.Pad())
	}

	c := &ngramClassifier{
		order:     a.Order,
		vocabSize: vocabSize,
		pad:       vocab.Pad(),
		dists:     make(map[string][]float32, len(a.Contexts)),
	}
	for key, weights := range a.Contexts {
		dist := make([]float32, vocabSize)
		var total float64
		for idStr, w := range weights {
			id, err := strconv.Atoi(idStr)
			if err != nil || id < 0 || id >= vocabSize {
				return nil, fmt.Errorf("context %q: invalid id %q", key, idStr)
			}
			if w < 0 {
				return nil, fmt.Errorf("context %q: negative weight for id %d", key, id)
			}
			dist[id] += float32(w)
			total += w
		}
		if total == 0 {
			continue
		}
		for i := range dist {
			dist[i] = float32(float64(dist[i]) / total)
		}
		c.dists[key] = dist
	}
	return c, nil
}

// Predict returns the distribution of the longest known suffix of the context.
func (c *ngramClassifier) Predict(ctx context.Context, seq []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := seq
	for len(ids) > 0 && ids[0] == c.pad {
		ids = ids[1:]
	}
	n := c.order - 1
	if n > len(ids) {
		n = len(ids)
	}
	for ; n >= 0; n-- {
		if dist, ok := c.dists[contextKey(ids[len(ids)-n:])]; ok {
			out := make([]float32, len(dist))
			copy(out, dist)
			return out, nil
		}
	}
	return nil, fmt.Errorf("no distribution for context %v", seq)
}

func contextKey(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
