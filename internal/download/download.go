// Package download implements the resumable HTTP(S) downloader described in
// spec §4.3: range-resume, redirect rewriting, and the three-timer
// retry/timeout model.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/config"
)

// Sentinel errors matching the taxonomy in spec §7.
var (
	ErrMaxDisconnectsReached = errors.New("download: max_disconnects_reached")
	ErrMaxTimeoutReached     = errors.New("download: max_timeout_reached")
)

// HTTPError wraps a fatal non-2xx, non-redirect response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download: http_error %d", e.StatusCode)
}

const maxRedirects = 2

// EventKind identifies what an Event carries.
type EventKind int

const (
	EventData EventKind = iota
	EventComplete
)

// Event is delivered to Handler for every chunk and at completion.
type Event struct {
	Kind             EventKind
	Data             []byte
	PercentCompleted int
}

// Handler processes one Event; returning an error aborts the download
// (spec §4.3 "handler may return {:error, reason} to abort").
type Handler func(Event) error

// Downloader performs one resumable download per Fetch call. It is safe to
// reuse across calls but not to call Fetch concurrently on the same instance
// (spec §5: at most one Downloader runs per manager at any instant — callers
// enforce that by owning one Downloader per in-flight update/archive).
type Downloader struct {
	client    *http.Client
	retry     config.RetryConfig
	userAgent string
	logger    *zap.Logger
}

// New builds a Downloader. client may be nil, in which case http.DefaultClient
// is used (tests substitute a client pointed at httptest servers).
func New(client *http.Client, retry config.RetryConfig, userAgent string, logger *zap.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{client: client, retry: retry, userAgent: userAgent, logger: logger.With(zap.String("component", "download"))}
}

// Fetch downloads rawURL, resuming from resumeFrom bytes if nonzero, invoking
// handler for each chunk and once more on completion.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, resumeFrom int64, handler Handler) error {
	start := time.Now()
	currentURL := rawURL
	downloaded := resumeFrom
	var total int64 = -1
	retries := 0
	redirects := 0

	// worstCaseBudget is the size-proportional timeout budget from spec §4.3.
	// Unlike MaxTimeout (a wall-clock deadline from start), this budget is
	// consumed only while a response body is actually being streamed: it is
	// paused across disconnects/retries and resumed on reconnect, rather than
	// restarting at full size on every attempt. -1 means "not yet known"
	// (total size undetermined); 0 means "disabled".
	worstCaseBudget := time.Duration(-1)

	for {
		if d.retry.MaxTimeout > 0 && time.Since(start) > d.retry.MaxTimeout {
			return ErrMaxTimeoutReached
		}

		req, err := d.buildRequest(ctx, currentURL, downloaded, total, retries)
		if err != nil {
			return err
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries++
			if d.retry.MaxDisconnects >= 0 && retries > d.retry.MaxDisconnects {
				return ErrMaxDisconnectsReached
			}
			d.logger.Warn("transport error, retrying", zap.Error(err), zap.Int("retry", retries))
			d.sleep(ctx, d.retry.TimeBetweenRetries)
			continue
		}

		if isRedirect(resp.StatusCode) {
			resp.Body.Close()
			redirects++
			if redirects > maxRedirects {
				return fmt.Errorf("download: exceeded max redirects (%d)", maxRedirects)
			}
			loc := resp.Header.Get("Location")
			next, err := rewriteLocation(currentURL, loc)
			if err != nil {
				return fmt.Errorf("download: bad redirect Location: %w", err)
			}
			currentURL = next
			retries = 0 // fresh location, reset retry state per spec §4.3
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			d.logger.Error("fatal http status", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
			return &HTTPError{StatusCode: resp.StatusCode}
		}

		if total < 0 {
			total = contentLengthOf(resp, downloaded)
		}
		if worstCaseBudget < 0 {
			worstCaseBudget = d.worstCaseTimeout(total)
		}

		var handlerErr error
		attemptStart := time.Now()
		err = d.stream(ctx, resp.Body, &downloaded, total, worstCaseBudget, func(ev Event) error {
			if herr := handler(ev); herr != nil {
				handlerErr = herr
				return herr
			}
			return nil
		})
		resp.Body.Close()
		if worstCaseBudget > 0 {
			worstCaseBudget -= time.Since(attemptStart)
			if worstCaseBudget < 0 {
				worstCaseBudget = 0
			}
		}
		if err == nil {
			return handler(Event{Kind: EventComplete, PercentCompleted: 100})
		}
		if handlerErr != nil || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, errWorstCaseTimeout) && worstCaseBudget <= 0 {
			return ErrMaxTimeoutReached
		}
		// Idle timeout, worst-case slice or a transport error mid-body:
		// reconnect and resume from downloaded.
		retries++
		if d.retry.MaxDisconnects >= 0 && retries > d.retry.MaxDisconnects {
			return ErrMaxDisconnectsReached
		}
		d.logger.Warn("stream interrupted, retrying", zap.Error(err), zap.Int("retry", retries), zap.Int64("downloaded", downloaded))
		d.sleep(ctx, d.retry.TimeBetweenRetries)
	}
}

func (d *Downloader) buildRequest(ctx context.Context, rawURL string, downloaded, total int64, retryNum int) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("download: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Retry-Number", fmt.Sprintf("%d", retryNum))

	if downloaded > 0 {
		if total > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", downloaded, total))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))
		}
	}
	return req, nil
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

func rewriteLocation(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(loc).String(), nil
}

func contentLengthOf(resp *http.Response, alreadyDownloaded int64) int64 {
	if resp.ContentLength < 0 {
		return -1
	}
	// ContentLength reflects only the bytes this response carries; when
	// resuming, the total file size is what we already had plus what's left.
	return alreadyDownloaded + resp.ContentLength
}

var (
	errIdleTimeout      = errors.New("download: idle timeout")
	errWorstCaseTimeout = errors.New("download: worst case timeout")
)

// worstCaseTimeout computes a size-proportional timeout from
// worst_case_download_speed once content-length is known, floored at 60s
// (spec §4.3).
func (d *Downloader) worstCaseTimeout(total int64) time.Duration {
	if total <= 0 || d.retry.WorstCaseDownloadSpeed <= 0 {
		return 0
	}
	seconds := float64(total) / float64(d.retry.WorstCaseDownloadSpeed)
	t := time.Duration(seconds * float64(time.Second))
	if t < 60*time.Second {
		return 60 * time.Second
	}
	return t
}

func (d *Downloader) stream(ctx context.Context, body io.Reader, downloaded *int64, total int64, worstCase time.Duration, handler Handler) error {
	idle := d.retry.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	var worstTimer *time.Timer
	var worstCh <-chan time.Time
	if worstCase > 0 {
		worstTimer = time.NewTimer(worstCase)
		defer worstTimer.Stop()
		worstCh = worstTimer.C
	}

	type readResult struct {
		n   int
		err error
	}
	buf := make([]byte, 32*1024)
	resultCh := make(chan readResult, 1)

	readOnce := func() {
		n, err := body.Read(buf)
		resultCh <- readResult{n: n, err: err}
	}

	go readOnce()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleTimer.C:
			return errIdleTimeout
		case <-worstCh:
			return errWorstCaseTimeout
		case res := <-resultCh:
			if res.n > 0 {
				*downloaded += int64(res.n)
				percent := percentCompleted(*downloaded, total)
				if err := handler(Event{Kind: EventData, Data: append([]byte(nil), buf[:res.n]...), PercentCompleted: percent}); err != nil {
					return err
				}
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(idle)
			}
			if res.err == io.EOF {
				return nil
			}
			if res.err != nil {
				return res.err
			}
			go readOnce()
		}
	}
}

func percentCompleted(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(float64(downloaded) / float64(total) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (d *Downloader) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
