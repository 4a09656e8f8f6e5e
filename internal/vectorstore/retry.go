package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pinecone-io/go-pinecone/pinecone"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryConfig enables retries of transient backend failures. Retries are
// off unless MaxRetries is positive; callers with job-level retry policy
// leave it at zero.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 0
	MaxRetries int

	// Backoff is the initial delay, doubled on each retry.
	// Default: 500ms
	Backoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
}

// retryOperation runs op until it succeeds, fails permanently, or runs out
// of attempts. Only transient errors are retried.
func retryOperation(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	attempts := uint(1)
	if cfg.MaxRetries > 0 {
		attempts += uint(cfg.MaxRetries)
	}
	err := retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.Backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransientError),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// IsTransientError reports whether err is worth retrying: gRPC
// unavailability, throttling, aborts and deadlines.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// isQdrantNotFound reports whether err means the collection does not exist.
func isQdrantNotFound(err error) bool {
	return isGRPCNotFound(err)
}

// isPineconeNotFound reports whether err means the namespace does not
// exist. Data plane calls fail with gRPC statuses, control plane calls with
// a PineconeError carrying the HTTP status.
func isPineconeNotFound(err error) bool {
	var pcErr *pinecone.PineconeError
	if errors.As(err, &pcErr) {
		return pcErr.Code == http.StatusNotFound
	}
	return isGRPCNotFound(err)
}

func isGRPCNotFound(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}
