package txstore

import (
	"context"

	"golang.org/x/time/rate"
)

// Spec §4.5.2/§5: trySet never blocks and no internal wait queue exists —
// any retry/backoff on ErrTransactionLocked is the caller's responsibility.
// RetryPut/RetryTrySet are the rate-limited retry helpers this package
// offers callers who don't want to hand-roll a backoff loop, mirroring the
// throttled-wait pattern CopyThrottled uses around rate.Limiter.WaitN.

// RetryTrySet calls TrySet repeatedly, waiting on limiter between attempts,
// until it succeeds, ctx is done, or TrySet itself returns an error. Pass a
// limiter with a small burst (1-2) and a modest rate to avoid hammering a
// contended key.
func RetryTrySet[K any, V any](ctx context.Context, limiter *rate.Limiter, m *TransactionMap[K, V], key K, value V, tombstone bool) (bool, error) {
	for {
		ok, err := m.TrySet(key, value, tombstone, false)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
}

// RetryPut is RetryTrySet specialised to a non-tombstone write, returning
// once the key is no longer locked by another transaction.
func RetryPut[K any, V any](ctx context.Context, limiter *rate.Limiter, m *TransactionMap[K, V], key K, value V) error {
	_, err := RetryTrySet(ctx, limiter, m, key, value, false)
	return err
}
