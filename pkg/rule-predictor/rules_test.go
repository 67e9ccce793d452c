package rulepredictor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictPolicyTable(t *testing.T) {
	p := New(Policy{})
	tests := []struct {
		name  string
		paths []string
		want  []string
	}{
		{"home", []string{"/"}, []string{"/category/1", "/category/2", "/profile"}},
		{"category", []string{"/", "/category/3"}, []string{"/category/3", "/product/1", "/product/2"}},
		{"category subpage", []string{"/category/shoes/sale"}, []string{"/category/shoes", "/product/1", "/product/2"}},
		{"product", []string{"/product/7"}, []string{"/category/1", "/product/8", "/"}},
		{"product with query", []string{"/product/41?ref=home"}, []string{"/category/1", "/product/42", "/"}},
		{"non-numeric product", []string{"/product/abc"}, []string{"/", "/category/1", "/profile"}},
		{"profile", []string{"/product/1", "/profile"}, []string{"/", "/category/1", "/category/2"}},
		{"other", []string{"/checkout"}, []string{"/", "/category/1", "/profile"}},
		{"only the last path counts", []string{"/profile", "/checkout"}, []string{"/", "/category/1", "/profile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Predict(tt.paths))
		})
	}
}

func TestPredictEmpty(t *testing.T) {
	p := New(Policy{})
	assert.Equal(t, []string{}, p.Predict(nil))
	assert.Equal(t, []string{}, p.Predict([]string{}))
}

func TestPredictIsPureAndBounded(t *testing.T) {
	p := New(Policy{})
	inputs := []string{"/", "/category/9", "/product/0", "/profile", "/x", "", "/product/18446744073709551615"}
	for _, last := range inputs {
		first := p.Predict([]string{last})
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, p.Predict([]string{"/ignored", last}))
		}
		assert.LessOrEqual(t, len(first), MaxPredictions)
		seen := map[string]bool{}
		for _, r := range first {
			assert.False(t, seen[r], "duplicate %s for %q", r, last)
			seen[r] = true
		}
	}
}

func TestCustomPolicyCannotProduceDuplicates(t *testing.T) {
	p := New(Policy{Home: "/", Profile: "/"})
	got := p.Predict([]string{"/checkout"})
	assert.Equal(t, []string{"/", "/category/1"}, got)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, Dedupe([]string{"/a", "", "/a", "/b", "/c"}, 2))
	assert.Empty(t, Dedupe(nil, 3))
}

func TestLoadPolicy(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "rules.yaml")
	err := os.WriteFile(filename, []byte("profile: /account\ncategoryPrefix: /c/\n"), 0644)
	require.NoError(t, err)

	policy, err := LoadPolicy(filename)
	require.NoError(t, err)
	assert.Equal(t, "/account", policy.Profile)
	assert.Equal(t, "/c/", policy.CategoryPrefix)
	assert.Equal(t, "/", policy.Home)
	assert.Equal(t, "/product/", policy.ProductPrefix)

	p := New(policy)
	assert.Equal(t, []string{"/c/1", "/c/2", "/account"}, p.Predict([]string{"/"}))
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
