package briefing

import (
	"context"
	"fmt"
	"time"

	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

// Artifact is a fetched briefing image: a local file when the download
// worked, otherwise only the remote URL.
type Artifact struct {
	Path      string
	URL       string
	FetchedAt time.Time
}

// Local reports whether the artifact resolved to a file on disk.
func (a Artifact) Local() bool { return a.Path != "" }

// Photo builds the attachment reference handed to the sink.
func (a Artifact) Photo() kit.Photo {
	if a.Local() {
		return kit.Photo{Path: a.Path}
	}
	return kit.Photo{URL: a.URL}
}

// Fetcher retrieves today's briefing image.
type Fetcher interface {
	Fetch(ctx context.Context) (Artifact, error)
}

// Sink delivers a photo to a chat.
type Sink interface {
	SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy bounds a retried operation: at most Attempts tries with a
// fixed Backoff between them.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var (
	// ScheduledRetry is used by the dispatch loop.
	ScheduledRetry = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}
	// InteractiveRetry is used by send-now.
	InteractiveRetry = RetryPolicy{Attempts: 3, Backoff: 5 * time.Second}
)

// Retry runs fn until it succeeds or the policy is exhausted. It returns the
// number of attempts made and the last error. A cancelled ctx stops the
// backoff wait and returns the last error joined with ctx's.
func Retry(ctx context.Context, p RetryPolicy, sleep Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if sleep == nil {
		sleep = SleepContext
	}
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == p.Attempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Backoff); serr != nil {
			return attempt, fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
	return p.Attempts, err
}

// DeliverWithRetry sends art to target under p. Failures are logged per
// attempt; the caller gets the attempt count and the final error.
func DeliverWithRetry(ctx context.Context, sink Sink, target kit.ChatTarget, art Artifact, p RetryPolicy, sleep Sleeper, log logx.Logger) (int, error) {
	photo := art.Photo()
	return Retry(ctx, p, sleep, func(ctx context.Context, attempt int) error {
		_, err := sink.SendPhoto(ctx, target, photo, nil)
		if err != nil {
			log.Warn("briefing send failed",
				logx.String("recipient", target.Key()),
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", p.Attempts),
				logx.Bool("local", photo.IsLocal()),
				logx.Err(err),
			)
		}
		return err
	})
}
