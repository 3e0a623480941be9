package snapshot

import (
	"context"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/cloudflare/pywasm-bootstrap/telemetry"
)

// DefaultFetchRetries and DefaultFetchBackoff implement spec.md §5's
// "retry on transient failure up to three attempts with a fixed 5-second
// back-off", used only by the local-development direct-fetch path (§9
// Open Question: the artifact-bundler path is preferred in production).
const (
	DefaultFetchRetries = 3
	DefaultFetchBackoff = 5 * time.Second
)

// FetchFunc performs one attempt at fetching a snapshot artifact reader.
// It may suspend (spec.md §5: "Artifact fetch ... may suspend").
type FetchFunc func(ctx context.Context) (SnapshotReader, error)

// FetchingSnapshotReader retries FetchFunc up to retries times with a
// fixed backoff between attempts, each attempt wrapped in a traced span.
type FetchingSnapshotReader struct {
	fetch   FetchFunc
	retries int
	backoff time.Duration
	tracer  telemetry.Tracer
}

// NewFetchingSnapshotReader builds a retrying reader using the default
// retry count and backoff.
func NewFetchingSnapshotReader(fetch FetchFunc, tracer telemetry.Tracer) *FetchingSnapshotReader {
	return NewFetchingSnapshotReaderWithBackoff(fetch, DefaultFetchRetries, DefaultFetchBackoff, tracer)
}

// NewFetchingSnapshotReaderWithBackoff builds a retrying reader with an
// explicit retry count and backoff, for tests that cannot afford a real
// 5-second wait.
func NewFetchingSnapshotReaderWithBackoff(fetch FetchFunc, retries int, backoff time.Duration, tracer telemetry.Tracer) *FetchingSnapshotReader {
	return &FetchingSnapshotReader{fetch: fetch, retries: retries, backoff: backoff, tracer: tracer}
}

// Fetch attempts fetch up to r.retries times, returning the first
// successful reader or the last error if every attempt failed.
func (r *FetchingSnapshotReader) Fetch(ctx context.Context) (SnapshotReader, error) {
	var lastErr error
	for attempt := 0; attempt < r.retries; attempt++ {
		spanCtx, span := r.tracer.Start(ctx, "snapshot.fetch")
		span.SetAttr("attempt", attempt+1)
		reader, err := r.fetch(spanCtx)
		span.End(err)
		if err == nil {
			return reader, nil
		}
		lastErr = err

		if attempt < r.retries-1 {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, goerrors.WrapPrefix(lastErr, "snapshot: fetch failed after retries", 0)
}
