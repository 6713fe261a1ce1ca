package bus

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/swbus/internal/observability"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/rs/zerolog"
)

type result struct {
	env *protocol.Envelope
	err error
}

type pendingRequest struct {
	env      *protocol.Envelope
	started  time.Time
	deadline time.Time
	// next is the heap key: the attempt expiry, or the retransmit time when
	// resend is set.
	next     time.Time
	resend   bool
	attempts int
	via      string
	attemptT time.Duration

	done  chan result
	index int
}

type pendingHeap []*pendingRequest

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	p := x.(*pendingRequest)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// PendingInfo describes one outstanding request.
type PendingInfo struct {
	ID          uint64    `json:"id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Attempts    int       `json:"attempts"`
	Via         string    `json:"via,omitempty"`
	Deadline    time.Time `json:"deadline"`
}

// pendingTable correlates outstanding requests with their responses and
// drives per-attempt retries and the overall deadline. One goroutine (run)
// owns the timer; everything else only edits the heap under mu and wakes it.
type pendingTable struct {
	mu   sync.Mutex
	byID map[uint64]*pendingRequest
	h    pendingHeap
	wake chan struct{}
	rng  *rand.Rand

	retry     RetryConfig
	send      func(env *protocol.Envelope) (string, error)
	reachable func(dst protocol.Address) bool
	metrics   *observability.BusMetrics
	log       zerolog.Logger
}

func newPendingTable(retry RetryConfig, metrics *observability.BusMetrics, log zerolog.Logger) *pendingTable {
	return &pendingTable{
		byID:    make(map[uint64]*pendingRequest),
		wake:    make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		retry:   retry,
		metrics: metrics,
		log:     log,
	}
}

func (t *pendingTable) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// add registers env before its first send so a fast response cannot race
// the bookkeeping.
func (t *pendingTable) add(env *protocol.Envelope, timeout time.Duration) *pendingRequest {
	now := time.Now()
	attemptT := t.retry.AttemptTimeout
	if attemptT <= 0 || attemptT > timeout {
		attemptT = timeout / time.Duration(t.retry.MaxAttempts)
	}
	if attemptT <= 0 {
		attemptT = timeout
	}
	p := &pendingRequest{
		env:      env,
		started:  now,
		deadline: now.Add(timeout),
		attempts: 1,
		attemptT: attemptT,
		done:     make(chan result, 1),
		index:    -1,
	}
	p.next = minTime(now.Add(attemptT), p.deadline)

	t.mu.Lock()
	t.byID[env.ID] = p
	heap.Push(&t.h, p)
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)
	t.signal()
	return p
}

func (t *pendingTable) setVia(p *pendingRequest, via string) {
	t.mu.Lock()
	p.via = via
	t.mu.Unlock()
}

// finishLocked removes p and hands it the outcome. Returns false when p was
// already finished.
func (t *pendingTable) finishLocked(p *pendingRequest, r result) bool {
	if cur, ok := t.byID[p.env.ID]; !ok || cur != p {
		return false
	}
	delete(t.byID, p.env.ID)
	if p.index >= 0 {
		heap.Remove(&t.h, p.index)
	}
	p.done <- r
	t.metrics.RequestDone(outcomeOf(r), time.Since(p.started))
	return true
}

func (t *pendingTable) finish(p *pendingRequest, r result) bool {
	t.mu.Lock()
	ok := t.finishLocked(p, r)
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)
	return ok
}

// cancel drops p without signalling it, for callers that gave up.
func (t *pendingTable) cancel(p *pendingRequest, err error) {
	t.finish(p, result{err: err})
}

// resolve matches a response to its request. A response only counts when it
// comes from the address the request was sent to, or is an infrastructure
// failure reported on its path.
func (t *pendingTable) resolve(resp *protocol.Envelope) bool {
	t.mu.Lock()
	p, ok := t.byID[resp.CorrelationID]
	if !ok || p.env.Source != resp.Destination {
		t.mu.Unlock()
		return false
	}
	if resp.Source != p.env.Destination && resp.Status == protocol.StatusOK {
		t.mu.Unlock()
		return false
	}
	t.finishLocked(p, result{env: resp})
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)
	return true
}

// sessionLost fails requests whose destination became unroutable and resends
// the rest that last went out through the lost session.
func (t *pendingTable) sessionLost(id string) {
	now := time.Now()
	t.mu.Lock()
	for _, p := range t.byID {
		if !t.reachable(p.env.Destination) {
			t.finishLocked(p, result{err: fmt.Errorf("%w: %w", protocol.ErrUnreachable, protocol.ErrSessionLost)})
			continue
		}
		if p.via == id {
			p.resend = true
			p.next = now
			heap.Fix(&t.h, p.index)
		}
	}
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)
	t.signal()
}

// endpointGone fails requests aimed at a local address that no longer
// resolves anywhere.
func (t *pendingTable) endpointGone(addr protocol.Address) {
	t.mu.Lock()
	for _, p := range t.byID {
		if p.env.Destination == addr && !t.reachable(addr) {
			t.finishLocked(p, result{err: fmt.Errorf("%w: endpoint %s closed", protocol.ErrUnreachable, addr)})
		}
	}
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)
}

func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	for _, p := range t.byID {
		t.finishLocked(p, result{err: err})
	}
	t.mu.Unlock()
	t.metrics.SetPending(0)
}

func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *pendingTable) snapshot() []PendingInfo {
	t.mu.Lock()
	out := make([]PendingInfo, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, PendingInfo{
			ID:          p.env.ID,
			Source:      p.env.Source.String(),
			Destination: p.env.Destination.String(),
			Attempts:    p.attempts,
			Via:         p.via,
			Deadline:    p.deadline,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *pendingTable) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.mu.Lock()
		wait := time.Hour
		if len(t.h) > 0 {
			wait = max(time.Until(t.h[0].next), 0)
		}
		t.mu.Unlock()
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			t.failAll(ErrNodeClosed)
			return nil
		case <-t.wake:
		case now := <-timer.C:
			t.expire(now)
		}
	}
}

// expire handles every heap entry that is due. Sends happen outside mu.
func (t *pendingTable) expire(now time.Time) {
	var resend []*pendingRequest
	t.mu.Lock()
	for len(t.h) > 0 && !t.h[0].next.After(now) {
		p := t.h[0]
		switch {
		case !now.Before(p.deadline):
			t.finishLocked(p, result{err: fmt.Errorf("%w: no response from %s", protocol.ErrTimeout, p.env.Destination)})
		case p.resend:
			p.resend = false
			p.attempts++
			p.next = minTime(now.Add(p.attemptT), p.deadline)
			heap.Fix(&t.h, p.index)
			resend = append(resend, p)
		case p.attempts >= t.retry.MaxAttempts:
			t.finishLocked(p, result{err: fmt.Errorf("%w: no response from %s after %d attempts", protocol.ErrTimeout, p.env.Destination, p.attempts)})
		case !t.reachable(p.env.Destination):
			t.finishLocked(p, result{err: fmt.Errorf("%w: %s", protocol.ErrUnreachable, p.env.Destination)})
		default:
			p.resend = true
			p.next = minTime(now.Add(t.retry.Backoff.Delay(p.attempts, t.rng)), p.deadline)
			heap.Fix(&t.h, p.index)
		}
	}
	n := len(t.byID)
	t.mu.Unlock()
	t.metrics.SetPending(n)

	for _, p := range resend {
		t.metrics.Retry()
		t.log.Debug().Uint64("id", p.env.ID).Str("dst", p.env.Destination.String()).Int("attempt", p.attempts).Msg("bus.pending retry")
		via, err := t.send(p.env)
		if errors.Is(err, protocol.ErrQueueFull) {
			// Counts as a lost attempt; the attempt timer is already armed.
			continue
		}
		if err != nil {
			t.finish(p, result{err: err})
			continue
		}
		t.setVia(p, via)
	}
}

func outcomeOf(r result) string {
	if r.err != nil {
		return protocol.StatusFor(r.err).String()
	}
	return r.env.Status.String()
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
