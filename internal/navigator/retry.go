package navigator

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// MaxRetries caps Config.Retries.
const MaxRetries = 5

// retryBaseDelay is the backoff unit; attempt n waits n*n units plus jitter.
var retryBaseDelay = 500 * time.Millisecond

// doWithRetry sends the request built by buildReq. With retries == 0 it makes
// exactly one call. Otherwise transport failures, 5xx and 429 are retried up
// to retries extra times; the last response or error is returned as is.
func doWithRetry(ctx context.Context, client *http.Client, retries int, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * retryBaseDelay
			backoff := base + time.Duration(rand.Int63n(int64(base/2)+1))
			logger.Warn("retrying navigator request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if attempt >= retries {
			return resp, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("navigator request failed, will retry", "err", err)
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			logger.Warn("navigator server error, will retry", "status", resp.StatusCode)
			continue
		}
		return resp, nil
	}
}
