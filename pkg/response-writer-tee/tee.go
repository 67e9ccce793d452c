package tee

import (
	"bytes"
	"net/http"
	"strconv"
)

// DefaultLimit is the largest body a ResponseSaver holds back.
const DefaultLimit = 4 << 20

// HoldFunc decides, once status and headers are final, whether the body
// should be held back for rewriting instead of streamed.
type HoldFunc func(status int, header http.Header) bool

// ResponseSaver is a wrapper around http.ResponseWriter that can hold a
// response back in a buffer so that its body can be rewritten before it is sent.
// Responses that are not held, or that outgrow the limit, are streamed to
// the underlying http.ResponseWriter unchanged.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	decided      bool
	holding      bool
	hold         HoldFunc
	limit        int
}

// NewResponseSaver returns a new ResponseSaver writing to w.
// A nil hold streams every response.
func NewResponseSaver(w http.ResponseWriter, hold HoldFunc) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		b:      &bytes.Buffer{},
		header: http.Header{},
		hold:   hold,
		limit:  DefaultLimit,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter.
// The decision to hold is made at the first write, so the handler may still
// rely on content type sniffing.
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.decided {
		t.decide(b)
	}
	if t.holding {
		if t.b.Len()+len(b) <= t.limit {
			return t.b.Write(b)
		}
		if err := t.release(); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(b)
}

// Flush sends everything so far. A held response is released and will not be rewritten.
func (t *ResponseSaver) Flush() {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.decided {
		t.decided = true
		t.writeHeader()
	} else if t.holding {
		t.release()
	}
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// Held reports whether the complete body so far is still in the buffer.
func (t *ResponseSaver) Held() bool {
	return t.holding
}

// Body returns the held body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Finish completes the response. A held response is sent with body in place
// of the buffered one; for any other response body is ignored.
func (t *ResponseSaver) Finish(body []byte) error {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.decided {
		// nothing was written, nothing to rewrite
		t.decided = true
		t.writeHeader()
		return nil
	}
	if !t.holding {
		return nil
	}
	t.holding = false
	t.header.Set("Content-Length", strconv.Itoa(len(body)))
	t.writeHeader()
	_, err := t.rw.Write(body)
	t.b.Reset()
	return err
}

func (t *ResponseSaver) decide(b []byte) {
	t.decided = true
	if t.header.Get("Content-Type") == "" && t.header.Get("Content-Encoding") == "" && len(b) > 0 {
		t.header.Set("Content-Type", http.DetectContentType(b))
	}
	t.holding = t.hold != nil && t.hold(t.status, t.header)
	if !t.holding {
		t.writeHeader()
	}
}

func (t *ResponseSaver) release() error {
	t.holding = false
	t.writeHeader()
	_, err := t.rw.Write(t.b.Bytes())
	t.b.Reset()
	return err
}

func (t *ResponseSaver) writeHeader() {
	copyHeader(t.rw.Header(), t.header)
	t.rw.WriteHeader(t.status)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
