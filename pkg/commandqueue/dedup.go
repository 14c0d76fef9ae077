package commandqueue

import (
	"context"
	"sync"
	"time"
)

const maxDedupSweepEvery = time.Minute

// claim is the task a dedup key was first submitted as.
type claim struct {
	taskID string
	at     time.Time
}

// dedupCache remembers submission keys for a TTL so a retried async call is queued once.
type dedupCache struct {
	mu     sync.Mutex
	claims map[string]claim
	ttl    time.Duration
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		claims: make(map[string]claim),
		ttl:    ttl,
		now:    time.Now,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go dc.sweepLoop(ctx)
	return dc
}

// Stop ends the sweeper and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Claim records key for taskID. When key is already claimed and unexpired it
// returns the earlier task id and false.
func (dc *dedupCache) Claim(key, taskID string) (string, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if c, ok := dc.claims[key]; ok && now.Sub(c.at) <= dc.ttl {
		return c.taskID, false
	}
	dc.claims[key] = claim{taskID: taskID, at: now}
	return taskID, true
}

// Forget releases key, e.g. when the submission it guarded was refused.
func (dc *dedupCache) Forget(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.claims, key)
}

// expire drops claims older than the TTL and returns how many went.
func (dc *dedupCache) expire() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	n := 0
	for key, c := range dc.claims {
		if now.Sub(c.at) > dc.ttl {
			delete(dc.claims, key)
			n++
		}
	}
	return n
}

func (dc *dedupCache) sweepLoop(ctx context.Context) {
	defer close(dc.done)

	every := dc.ttl
	if every > maxDedupSweepEvery {
		every = maxDedupSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.expire()
		}
	}
}

// Size returns the number of live claims.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.claims)
}
