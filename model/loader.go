package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/always-prefetch/pkg/vocabulary"
)

// DefaultWindow is the number of recent routes a classifier sees.
const DefaultWindow = 5

// maxArtifactBytes bounds what a loader reads from a single location.
const maxArtifactBytes = 64 << 20

type LoaderConfig struct {
	// Location of the model artifact: http(s) URL, file:// URL or filesystem path.
	ModelURL string
	// Location of the vocab.json that belongs to the model.
	VocabURL string
	Runtime  Runtime
	// Context window size, DefaultWindow if zero.
	Window int
	// Client used for http(s) locations, http.DefaultClient if nil.
	HTTPClient *http.Client
}

// LoadHandle fetches the artifact and the vocabulary concurrently and hands the
// artifact to the runtime.
func LoadHandle(ctx context.Context, cfg LoaderConfig) (*Handle, error) {
	if cfg.Runtime == nil {
		return nil, ErrUnavailable
	}
	if _, isNull := cfg.Runtime.(NullRuntime); isNull || cfg.ModelURL == "" {
		return nil, ErrUnavailable
	}
	if cfg.VocabURL == "" {
		return nil, errors.New("no vocabulary location configured")
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	var (
		artifact []byte
		vocab    *vocabulary.Vocabulary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := fetch(gctx, client, cfg.ModelURL)
		if err != nil {
			return errors.Wrap(err, "failed to fetch model artifact")
		}
		artifact = b
		return nil
	})
	g.Go(func() error {
		b, err := fetch(gctx, client, cfg.VocabURL)
		if err != nil {
			return errors.Wrap(err, "failed to fetch vocabulary")
		}
		v, err := vocabulary.Parse(bytes.NewReader(b))
		if err != nil {
			return errors.Wrap(err, "failed to parse vocabulary")
		}
		vocab = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	classifier, err := cfg.Runtime.Load(ctx, artifact, vocab)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load model with runtime %s", cfg.Runtime.Name())
	}
	return &Handle{
		Classifier: classifier,
		Vocabulary: vocab,
		Window:     window,
		Runtime:    cfg.Runtime.Name(),
	}, nil
}

// fetch reads a location that is either an http(s) URL, a file:// URL or a path.
func fetch(ctx context.Context, client *http.Client, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// plain paths, including windows drive letters
		return readFile(location)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return readFile(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		res, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: unexpected status %d", location, res.StatusCode)
		}
		return io.ReadAll(io.LimitReader(res.Body, maxArtifactBytes))
	default:
		return nil, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxArtifactBytes))
}
