package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/agent/internal/config"
)

func defaultRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxDisconnects:         3,
		IdleTimeout:            2 * time.Second,
		MaxTimeout:             10 * time.Second,
		TimeBetweenRetries:     10 * time.Millisecond,
		WorstCaseDownloadSpeed: 1_000_000,
	}
}

func TestFetch_HappyPath(t *testing.T) {
	payload := []byte("hello firmware bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := New(srv.Client(), defaultRetry(), "NHL/test", nil)

	var got []byte
	var completed bool
	err := d.Fetch(context.Background(), srv.URL, 0, func(e Event) error {
		if e.Kind == EventData {
			got = append(got, e.Data...)
		} else {
			completed = true
		}
		return nil
	})

	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, payload, got)
}

func TestFetch_ResumesAfterMidStreamReset(t *testing.T) {
	full := make([]byte, 4096)
	for i := range full {
		full[i] = byte(i % 251)
	}

	var mu sync.Mutex
	attempt := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()

		rangeHdr := r.Header.Get("Range")
		if n == 1 {
			assert.Empty(t, rangeHdr)
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusOK)
			w.Write(full[:2048])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			// Simulate connection drop by returning early; httptest closes
			// the body for us once the handler returns.
			return
		}

		assert.Equal(t, "bytes=2048-4096", rangeHdr)
		w.WriteHeader(http.StatusOK)
		w.Write(full[2048:])
	}))
	defer srv.Close()

	retry := defaultRetry()
	retry.IdleTimeout = 200 * time.Millisecond
	d := New(srv.Client(), retry, "NHL/test", nil)

	var got []byte
	err := d.Fetch(context.Background(), srv.URL, 0, func(e Event) error {
		if e.Kind == EventData {
			got = append(got, e.Data...)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestFetch_HTTPErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(srv.Client(), defaultRetry(), "NHL/test", nil)

	err := d.Fetch(context.Background(), srv.URL, 0, func(Event) error { return nil })
	require.Error(t, err)
	httpErr, ok := err.(*HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestFetch_MaxDisconnectsZeroIsImmediatelyFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
		// body closes abruptly: the second declared byte never arrives
	}))
	defer srv.Close()

	retry := defaultRetry()
	retry.MaxDisconnects = 0
	retry.IdleTimeout = 50 * time.Millisecond
	d := New(srv.Client(), retry, "NHL/test", nil)

	err := d.Fetch(context.Background(), srv.URL, 0, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrMaxDisconnectsReached)
}

func TestFetch_RedirectFollowed(t *testing.T) {
	payload := []byte("redirected payload")
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer final.Close()

	initial := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer initial.Close()

	d := New(initial.Client(), defaultRetry(), "NHL/test", nil)

	var got []byte
	err := d.Fetch(context.Background(), initial.URL, 0, func(e Event) error {
		if e.Kind == EventData {
			got = append(got, e.Data...)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_TooManyRedirectsIsTerminal(t *testing.T) {
	var handler http.HandlerFunc
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r)
	}))
	defer srv.Close()
	handler = func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}

	d := New(srv.Client(), defaultRetry(), "NHL/test", nil)

	err := d.Fetch(context.Background(), srv.URL, 0, func(Event) error { return nil })
	require.Error(t, err)
}

func TestFetch_OneByteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x42})
	}))
	defer srv.Close()

	d := New(srv.Client(), defaultRetry(), "NHL/test", nil)

	percents := []int{}
	err := d.Fetch(context.Background(), srv.URL, 0, func(e Event) error {
		percents = append(percents, e.PercentCompleted)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 100, percents[len(percents)-1])
}
