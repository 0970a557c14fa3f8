package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	appLog "qm/internal/log"
)

// Refresher renews the credential used by external calls.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Policy wraps one external call: attempt, classify the failure, refresh and
// retry once for KindAuthExpired, retry once after a backoff for
// KindTransient, otherwise propagate.
type Policy struct {
	refresher Refresher
	delay     time.Duration
}

// NewPolicy returns a Policy. refresher may be nil when the callee has no
// credential to renew; auth failures then propagate immediately.
func NewPolicy(refresher Refresher, delay time.Duration) *Policy {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Policy{refresher: refresher, delay: delay}
}

// Do runs fn under the policy. The returned error is prefixed with op and
// keeps its Kind.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var refreshed, retried bool

	attempt := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		switch KindOf(err) {
		case KindAuthExpired:
			if refreshed || p.refresher == nil {
				return backoff.Permanent(err)
			}
			refreshed = true
			appLog.Debug("credential expired; refreshing", "op", op)
			if rerr := p.refresher.Refresh(ctx); rerr != nil {
				return backoff.Permanent(AuthExpired(fmt.Errorf("refresh credential: %w", rerr)))
			}
			return err
		case KindTransient:
			if retried {
				return backoff.Permanent(err)
			}
			retried = true
			appLog.Debug("transient failure; retrying", "op", op, "err", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.delay
	b.MaxElapsedTime = 0

	// At most one refresh retry plus one transient retry.
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
