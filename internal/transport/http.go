package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 64 << 10

// HTTPTransport posts push requests as JSON to the backend endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPTransport creates an HTTP transport with the given request timeout.
func NewHTTPTransport(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Push sends one push request. Non-2xx responses and replies with ok=false
// are failures.
func (t *HTTPTransport) Push(ctx context.Context, req model.PushRequest) error {
	id, body, err := encode(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", id)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("failed to read push reply: %w", err)
	}

	t.logger.Debug("Push reply received",
		zap.String("request_id", id),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var reply Reply
		if json.Unmarshal(data, &reply) == nil && reply.Error != "" {
			return fmt.Errorf("%w: backend returned %d: %s", ErrRejected, resp.StatusCode, reply.Error)
		}
		return fmt.Errorf("%w: backend returned %d", ErrRejected, resp.StatusCode)
	}

	// An empty 2xx body counts as accepted.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeReply(data)
}
