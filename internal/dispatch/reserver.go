package dispatch

import (
	"errors"
	"sync"
)

// ErrTooManyClaims is returned by a claimReserver when a worker has
// reached its concurrent-claim bound.
var ErrTooManyClaims = errors.New("dispatch: worker has too many concurrent claims")

// claimReserver bounds how many tasks a single worker identity may hold
// in_progress at once. Adapted from the teacher's
// UniformlyBoundedClientReserver (lib/limiter/reservation.go): the same
// mutex-guarded counting-map shape, keyed here by worker remote address
// instead of core.ClientID, since the Dispatch API has no TLS client
// identity to key on.
//
// Keying by remote address (host:ephemeral-port) means claims from the
// same worker do not aggregate across reconnects or separate keep-alive
// connections, each of which gets its own port and therefore its own
// counter. This is harmless today because MaxConcurrentClaimsPerWorker
// is never set above its unbounded zero value, but if that knob is ever
// wired up to enforce a real per-worker limit, the key needs to become
// a stable worker identity (e.g. a request header) instead of
// RemoteAddr.
type claimReserver struct {
	max int64

	mu       sync.Mutex
	byWorker map[string]int64
}

func newClaimReserver(max int64) *claimReserver {
	return &claimReserver{max: max, byWorker: make(map[string]int64)}
}

func (r *claimReserver) tryReserve(worker string) error {
	if r.max <= 0 {
		return nil // unbounded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byWorker[worker] >= r.max {
		return ErrTooManyClaims
	}
	r.byWorker[worker]++
	return nil
}

func (r *claimReserver) release(worker string) {
	if r.max <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byWorker[worker]
	if n <= 1 {
		delete(r.byWorker, worker)
		return
	}
	r.byWorker[worker] = n - 1
}
