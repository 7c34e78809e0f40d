// Package notify publishes terminal-state notifications to NATS with bounded
// retry. Delivery is best effort; the durable record of outcome is the
// request row, not the notification.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
)

// ErrUnavailable indicates the broker rejected the publish after all retry
// attempts.
var ErrUnavailable = errors.New("broker unavailable")

// Message is the terminal-state notification payload. item_ids is always a
// list (empty on failure, never null); version is null on failure.
type Message struct {
	RequestID      string             `json:"request_id"`
	ProjectID      *string            `json:"project_id"`
	Parent         *int64             `json:"parent"`
	ParentType     *artifact.TaskType `json:"parent_type"`
	TaskType       artifact.TaskType  `json:"task_type"`
	Status         artifact.Status    `json:"status"`
	ErrorMessage   *string            `json:"error_message"`
	ItemIDs        []int64            `json:"item_ids"`
	Version        *int               `json:"version"`
	WorkItemID     *string            `json:"work_item_id"`
	ParentBoardID  *string            `json:"parent_board_id"`
	IsReprocessing bool               `json:"is_reprocessing"`
	Platform       artifact.Platform  `json:"platform,omitempty"`
}

// Emitter publishes notifications on one subject.
type Emitter struct {
	nc         *nats.Conn
	subject    string
	maxRetries int
	log        *logging.Logger
}

// NewEmitter wires an Emitter over an established NATS connection.
func NewEmitter(nc *nats.Conn, subject string, maxRetries int, log *logging.Logger) *Emitter {
	if log == nil {
		log = logging.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Emitter{
		nc:         nc,
		subject:    subject,
		maxRetries: maxRetries,
		log:        log.Named("notify"),
	}
}

// Emit publishes msg, retrying on broker errors up to the configured attempt
// count. Returns ErrUnavailable once all attempts are exhausted.
func (e *Emitter) Emit(ctx context.Context, msg *Message) error {
	if msg.ItemIDs == nil {
		msg.ItemIDs = []int64{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	op := func() (struct{}, error) {
		if err := e.nc.Publish(e.subject, data); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, e.nc.Flush()
	}
	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.maxRetries)),
	); err != nil {
		e.log.Error(ctx, "notification publish failed",
			zap.String("subject", e.subject),
			zap.String("status", string(msg.Status)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.log.Debug(ctx, "notification published",
		zap.String("subject", e.subject),
		zap.String("status", string(msg.Status)),
		zap.Int64s("item_ids", msg.ItemIDs))
	return nil
}
