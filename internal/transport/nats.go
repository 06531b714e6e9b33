package transport

import (
	"context"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// NATSTransport sends push requests as NATS requests and waits for a reply.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSTransport creates a NATS transport on an existing connection.
func NewNATSTransport(conn *nats.Conn, subject string, timeout time.Duration, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		logger:  logger,
	}
}

// Push sends one push request and decodes the reply.
func (t *NATSTransport) Push(ctx context.Context, req model.PushRequest) error {
	id, data, err := encode(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.conn.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		return fmt.Errorf("push request on %s failed: %w", t.subject, err)
	}

	t.logger.Debug("Push reply received",
		zap.String("request_id", id),
		zap.String("subject", t.subject),
	)

	return decodeReply(msg.Data)
}
