package catalogue

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/sehha/claimsbridge/internal/envelope"
)

const lockReleaseTimeout = 5 * time.Second

// ClaimLock pins one pooled connection for the lifetime of an advisory lock.
// Postgres advisory locks are session-scoped, so the unlock must run on the
// same connection that acquired it.
type ClaimLock struct {
	store   *Store
	key     int64
	release func()
}

// claimLockKey hashes a claim ID into the 64-bit advisory lock space.
func claimLockKey(claimID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(claimID))
	return int64(h.Sum64())
}

// AcquireClaimLock takes the per-claim advisory lock without blocking.
// Returns (nil, nil) when another run already holds the lock.
func (s *Store) AcquireClaimLock(ctx context.Context, claimID string) (*ClaimLock, error) {
	key := claimLockKey(claimID)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, storeErr(err, "CLAIM_LOCK_ACQUIRE")
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, storeErr(err, "CLAIM_LOCK_ACQUIRE")
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}

	lock := &ClaimLock{store: s, key: key}
	lock.release = func() {
		// Unlock on the owning session, then return the connection. Closing
		// the connection would also drop the lock on a crash.
		unlockCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return lock, nil
}

// Release frees the advisory lock and its pinned connection. Safe to call
// once per lock.
func (l *ClaimLock) Release() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// ErrClaimLocked is returned by callers that need a taxonomy error for a
// contended claim.
func ErrClaimLocked(claimID string) error {
	return envelope.New(envelope.KindConflict, "PIPELINE_CLAIM_IN_FLIGHT",
		"a pipeline run is already in flight for claim "+claimID)
}
