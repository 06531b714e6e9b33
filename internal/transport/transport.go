// Package transport sends push requests to the synchronization backend over
// HTTP or NATS request/reply.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// ErrRejected is returned when the backend answered but refused the push.
var ErrRejected = errors.New("push rejected")

// Pusher is implemented by every transport.
type Pusher interface {
	Push(ctx context.Context, req model.PushRequest) error
}

// envelope is the message sent to the backend.
type envelope struct {
	RequestID string `json:"request_id"`
	model.PushRequest
}

// Reply is the backend answer to a push.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func encode(req model.PushRequest) (string, []byte, error) {
	id := uuid.NewString()
	data, err := json.Marshal(envelope{RequestID: id, PushRequest: req})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode push request: %w", err)
	}
	return id, data, nil
}

// decodeReply turns a backend reply into an error, nil when the push was
// accepted.
func decodeReply(data []byte) error {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("failed to decode push reply: %w", err)
	}
	if !reply.OK {
		if reply.Error == "" {
			return ErrRejected
		}
		return fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return nil
}

// Paced limits the rate at which pushes leave this site.
type Paced struct {
	next    Pusher
	limiter *rate.Limiter
}

// NewPaced wraps a transport with a token bucket of the given rate and
// burst. A non-positive rate disables pacing.
func NewPaced(next Pusher, perSecond float64, burst int) *Paced {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Paced{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Push waits for a token and forwards the request.
func (p *Paced) Push(ctx context.Context, req model.PushRequest) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push rate limit: %w", err)
	}
	return p.next.Push(ctx, req)
}
