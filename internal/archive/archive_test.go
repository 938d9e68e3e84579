package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetlink/agent/internal/config"
)

type fakePolicy struct {
	mu       sync.Mutex
	decision Decision
	ready    []string
	errs     []error
}

func (p *fakePolicy) ArchiveAvailable(ArchiveInfo) Decision { return p.decision }
func (p *fakePolicy) ArchiveReady(info ArchiveInfo, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, path)
}
func (p *fakePolicy) HandleError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

type fakeVerifier struct {
	ok bool
}

func (v *fakeVerifier) Verify(ctx context.Context, file, publicKey string) (bool, error) {
	return v.ok, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestApplyArchive_ValidSignatureReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	policy := &fakePolicy{decision: Decision{Action: ActionDownload}}
	dataDir := t.TempDir()

	mgr := NewManager(ManagerConfig{
		Policy:     policy,
		Verifier:   &fakeVerifier{ok: true},
		HTTPClient: srv.Client(),
		Retry:      config.RetryConfig{MaxDisconnects: 1, IdleTimeout: time.Second, WorstCaseDownloadSpeed: 1_000_000},
		DataDir:    dataDir,
		UserAgent:  "NHL/test",
	})

	status := mgr.ApplyArchive(context.Background(), ArchiveInfo{UUID: "A1", URL: srv.URL + "/archive.bin"}, []string{"key-1"})
	assert.Equal(t, StatusDownloading, status)

	waitFor(t, func() bool {
		policy.mu.Lock()
		defer policy.mu.Unlock()
		return len(policy.ready) == 1
	})
	assert.Equal(t, StatusReady, mgr.Status())
}

func TestApplyArchive_InvalidSignatureDiscarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	policy := &fakePolicy{decision: Decision{Action: ActionDownload}}
	dataDir := t.TempDir()

	mgr := NewManager(ManagerConfig{
		Policy:     policy,
		Verifier:   &fakeVerifier{ok: false},
		HTTPClient: srv.Client(),
		Retry:      config.RetryConfig{MaxDisconnects: 1, IdleTimeout: time.Second, WorstCaseDownloadSpeed: 1_000_000},
		DataDir:    dataDir,
		UserAgent:  "NHL/test",
	})

	mgr.ApplyArchive(context.Background(), ArchiveInfo{UUID: "A1", URL: srv.URL + "/archive.bin"}, []string{"key-1"})

	waitFor(t, func() bool { return mgr.Status() == StatusInvalid })
	policy.mu.Lock()
	defer policy.mu.Unlock()
	assert.Empty(t, policy.ready)
}

func TestApplyArchive_EmptyPublicKeysRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	policy := &fakePolicy{decision: Decision{Action: ActionDownload}}
	dataDir := t.TempDir()

	mgr := NewManager(ManagerConfig{
		Policy:     policy,
		Verifier:   &fakeVerifier{ok: true},
		HTTPClient: srv.Client(),
		Retry:      config.RetryConfig{MaxDisconnects: 1, IdleTimeout: time.Second, WorstCaseDownloadSpeed: 1_000_000},
		DataDir:    dataDir,
		UserAgent:  "NHL/test",
	})

	mgr.ApplyArchive(context.Background(), ArchiveInfo{UUID: "A1", URL: srv.URL + "/archive.bin"}, nil)

	waitFor(t, func() bool { return mgr.Status() == StatusInvalid })
}
