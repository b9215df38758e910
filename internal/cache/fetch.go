package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// ErrSourceUnavailable reports a shard source that stayed unreachable after
// the bounded retry budget. Fatal for the affected shard only.
var ErrSourceUnavailable = errors.New("shard source unavailable")

// fetcher streams raw shard records from file:// and http(s):// sources.
// A shared rate limiter spreads fetch starts so a wide brace expansion does
// not stampede the source.
type fetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

func newFetcher(attempts int, backoff time.Duration, fetchRate rate.Limit) *fetcher {
	if attempts < 1 {
		attempts = 1
	}
	return &fetcher{
		client:   &http.Client{Timeout: 5 * time.Minute},
		limiter:  rate.NewLimiter(fetchRate, 1),
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// records fetches the shard at uri and returns its raw records, retrying
// transient failures with exponential backoff.
func (f *fetcher) records(ctx context.Context, uri string) ([]string, error) {
	var lastErr error
	delay := f.backoff
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		recs, err := f.fetchOnce(ctx, uri)
		if err == nil {
			return recs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrSourceUnavailable, uri, f.attempts, lastErr)
}

func (f *fetcher) fetchOnce(ctx context.Context, uri string) ([]string, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %s", resp.Status)
		}
		return readRecords(resp.Body)
	case strings.HasPrefix(uri, "file://"):
		return readRecordsFile(strings.TrimPrefix(uri, "file://"))
	default:
		return readRecordsFile(uri)
	}
}

func readRecordsFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return readRecords(file)
}

// readRecords splits a shard into text records: one per line, with JSONL
// lines ({"text": ...}) unwrapped to their text field.
func readRecords(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			var doc struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(line), &doc); err != nil {
				return nil, fmt.Errorf("bad jsonl record: %w", err)
			}
			out = append(out, doc.Text)
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
