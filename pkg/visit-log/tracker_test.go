package visitlog

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackFromEmptyLog(t *testing.T) {
	tr := NewTracker(nil)
	window, next := tr.Track("", "/")
	assert.Equal(t, []string{"/"}, window)
	require.NotEmpty(t, next)
	assert.Equal(t, []string{"/"}, tr.Decode(next))
}

func TestTrackEvictsOldestBeyondCap(t *testing.T) {
	tr := NewTracker(nil)
	token := ""
	var window []string
	for i := 1; i <= 15; i++ {
		window, token = tr.Track(token, fmt.Sprintf("/product/%d", i))
	}

	log := tr.Decode(token)
	require.Len(t, log, DefaultCap)
	assert.Equal(t, "/product/6", log[0])
	assert.Equal(t, "/product/15", log[DefaultCap-1])
	assert.Equal(t, []string{"/product/11", "/product/12", "/product/13", "/product/14", "/product/15"}, window)
}

func TestMalformedTokenIsEmptyLog(t *testing.T) {
	emptyLog, _ := PlainCodec{}.Encode(nil)
	tests := map[string]string{
		"garbage":        "%%%not-base64",
		"not an array":   "eyJhIjoxfQ", // {"a":1}
		"numbers":        "WzEsMl0",    // [1,2]
		"empty array ok": emptyLog,
	}
	tr := NewTracker(nil)
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, []string{}, tr.Decode(token))
			window, next := tr.Track(token, "/profile")
			assert.Equal(t, []string{"/profile"}, window)
			assert.NotEmpty(t, next)
		})
	}
}

func TestOversizedDecodedLogIsTrimmed(t *testing.T) {
	log := make([]string, 40)
	for i := range log {
		log[i] = fmt.Sprintf("/category/%d", i)
	}
	token, err := PlainCodec{}.Encode(log)
	require.NoError(t, err)

	got := NewTracker(nil).Decode(token)
	assert.Len(t, got, DefaultCap)
	assert.Equal(t, "/category/39", got[len(got)-1])
}

func TestLongRoutesAreNotRecorded(t *testing.T) {
	long := "/" + strings.Repeat("a", MaxRouteLength)
	got := Append([]string{"/"}, long, DefaultCap)
	assert.Equal(t, []string{"/"}, got)
	assert.Equal(t, []string{"/"}, Append([]string{"/"}, "", DefaultCap))
}

func TestAppendDoesNotAlias(t *testing.T) {
	log := make([]string, 2, 10)
	log[0], log[1] = "/", "/profile"
	a := Append(log, "/category/1", DefaultCap)
	b := Append(log, "/category/2", DefaultCap)
	assert.Equal(t, "/category/1", a[2])
	assert.Equal(t, "/category/2", b[2])
	assert.Len(t, log, 2)
}

func TestWindow(t *testing.T) {
	log := []string{"/a", "/b", "/c"}
	assert.Equal(t, []string{"/b", "/c"}, Window(log, 2))
	assert.Equal(t, log, Window(log, 5))
	assert.Equal(t, []string{}, Window(log, 0))
}

func TestSignedTokens(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	codec := SignedCodec{Key: []byte("secret"), Now: func() time.Time { return now }}
	tr := &Tracker{Codec: codec}

	_, token := tr.Track("", "/")
	_, token = tr.Track(token, "/category/1")
	assert.Equal(t, []string{"/", "/category/1"}, tr.Decode(token))

	t.Run("wrong key", func(t *testing.T) {
		other := &Tracker{Codec: SignedCodec{Key: []byte("other"), Now: codec.Now}}
		assert.Equal(t, []string{}, other.Decode(token))
	})
	t.Run("expired", func(t *testing.T) {
		later := SignedCodec{Key: codec.Key, Now: func() time.Time { return now.Add(2 * time.Hour) }}
		assert.Equal(t, []string{}, (&Tracker{Codec: later}).Decode(token))
	})
	t.Run("unsigned token", func(t *testing.T) {
		plain, err := PlainCodec{}.Encode([]string{"/"})
		require.NoError(t, err)
		assert.Equal(t, []string{}, tr.Decode(plain))
	})
	t.Run("empty key", func(t *testing.T) {
		_, err := SignedCodec{}.Encode([]string{"/"})
		assert.Error(t, err)
	})
}

func TestCookieRoundTrip(t *testing.T) {
	tr := NewTracker(nil)
	_, token := tr.Track("", "/product/3")

	c := tr.Cookie(token)
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 3600, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	rec := httptest.NewRecorder()
	http.SetCookie(rec, c)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Cookie", strings.Split(rec.Header().Get("Set-Cookie"), ";")[0])

	assert.Equal(t, token, tr.Read(req))
	assert.Equal(t, []string{"/product/3"}, tr.Decode(tr.Read(req)))
}

func TestReadWithoutCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", NewTracker(nil).Read(req))
}
