package roster

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/domain"
)

// HandQueue holds pending speak requests, at most one per user, in raise order.
type HandQueue struct {
	mu    sync.Mutex
	queue []domain.HandRaiseRequest
}

func NewHandQueue() *HandQueue { return &HandQueue{} }

// Raise enqueues req. It returns false when the user already has a pending request.
func (q *HandQueue) Raise(req domain.HandRaiseRequest) bool {
	if req.UserID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.queue {
		if r.UserID == req.UserID {
			return false
		}
	}
	if req.RaisedAt.IsZero() {
		req.RaisedAt = time.Now()
	}
	q.queue = append(q.queue, req)
	return true
}

// Resolve removes the user's request on approve or reject.
func (q *HandQueue) Resolve(id domain.UserID) (domain.HandRaiseRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.queue {
		if r.UserID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return r, true
		}
	}
	return domain.HandRaiseRequest{}, false
}

func (q *HandQueue) Pending(id domain.UserID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.queue {
		if r.UserID == id {
			return true
		}
	}
	return false
}

func (q *HandQueue) Snapshot() []domain.HandRaiseRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.HandRaiseRequest, len(q.queue))
	copy(out, q.queue)
	return out
}

func (q *HandQueue) Clear() {
	q.mu.Lock()
	q.queue = nil
	q.mu.Unlock()
}
