// Package dispatch moves queued jobs between the intake layer and the
// workers over a NATS queue group. Each worker consumes one job at a time;
// the queue group spreads jobs across worker processes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/gateway"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/orchestrator"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

// Prompt carries the raw prompt roles through the queue.
type Prompt struct {
	System    string `json:"system"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	UserInput string `json:"user_input,omitempty"`
}

// Options are per-job generation overrides. Absent fields keep the gateway
// defaults.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Job is the wire payload for one queued request. A non-nil ArtifactID marks
// a reprocessing job.
type Job struct {
	RequestID     string   `json:"request_id"`
	TaskType      string   `json:"task_type"`
	Prompt        Prompt   `json:"prompt"`
	ParentType    string   `json:"parent_type,omitempty"`
	Language      string   `json:"language,omitempty"`
	Options       *Options `json:"options,omitempty"`
	WorkItemID    *string  `json:"work_item_id,omitempty"`
	ParentBoardID *string  `json:"parent_board_id,omitempty"`
	TypeTest      string   `json:"type_test,omitempty"`
	ArtifactID    *int64   `json:"artifact_id,omitempty"`
	ProjectID     *string  `json:"project_id,omitempty"`
	Platform      string   `json:"platform,omitempty"`
}

// ToRequest converts the wire payload into the orchestrator invocation.
func (j *Job) ToRequest() *orchestrator.ProcessRequest {
	req := &orchestrator.ProcessRequest{
		RequestID: j.RequestID,
		TaskType:  j.TaskType,
		Prompt: orchestrator.PromptFields{
			System:    j.Prompt.System,
			User:      j.Prompt.User,
			Assistant: j.Prompt.Assistant,
			UserInput: j.Prompt.UserInput,
		},
		ParentType:    j.ParentType,
		Language:      j.Language,
		WorkItemID:    j.WorkItemID,
		ParentBoardID: j.ParentBoardID,
		TypeTest:      j.TypeTest,
		ArtifactID:    j.ArtifactID,
		ProjectID:     j.ProjectID,
		Platform:      j.Platform,
	}
	if j.Options != nil {
		req.Options = &gateway.Options{
			Model:       j.Options.Model,
			Temperature: j.Options.Temperature,
			MaxTokens:   j.Options.MaxTokens,
			TopP:        j.Options.TopP,
		}
	}
	return req
}

// Enqueuer publishes jobs onto the work subject.
type Enqueuer struct {
	nc      *nats.Conn
	subject string
	log     *logging.Logger
}

// NewEnqueuer wires an Enqueuer over an established NATS connection.
func NewEnqueuer(nc *nats.Conn, subject string, log *logging.Logger) *Enqueuer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Enqueuer{nc: nc, subject: subject, log: log.Named("dispatch")}
}

// Enqueue publishes one job. The caller decides what a publish failure means;
// intake surfaces it as a server error before any worker sees the request.
func (e *Enqueuer) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := e.nc.Publish(e.subject, data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	if err := e.nc.Flush(); err != nil {
		return fmt.Errorf("flush job: %w", err)
	}
	e.log.Debug(ctx, "job enqueued",
		zap.String("request_id", job.RequestID),
		zap.String("task_type", job.TaskType))
	return nil
}

// Processor runs one request to a terminal status.
type Processor interface {
	Process(ctx context.Context, req *orchestrator.ProcessRequest) error
}

// Consumer pulls jobs from the queue group and hands them to the processor
// one at a time. A panic in the processor is converted into a best-effort
// FAILED status plus a minimal notification; a request that already reached
// COMPLETED is never overwritten.
type Consumer struct {
	nc       *nats.Conn
	subject  string
	queue    string
	proc     Processor
	store    *store.Store
	notifier orchestrator.Notifier
	log      *logging.Logger

	sub *nats.Subscription
	wg  sync.WaitGroup
}

// NewConsumer wires a Consumer. The store and notifier are only used by the
// panic recovery path.
func NewConsumer(nc *nats.Conn, subject, queue string, proc Processor, st *store.Store, notifier orchestrator.Notifier, log *logging.Logger) *Consumer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Consumer{
		nc:       nc,
		subject:  subject,
		queue:    queue,
		proc:     proc,
		store:    st,
		notifier: notifier,
		log:      log.Named("dispatch"),
	}
}

// Start subscribes and begins consuming until ctx is cancelled or Stop is
// called.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.nc.QueueSubscribeSync(c.subject, c.queue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	c.wg.Add(1)
	go c.run(ctx)
	c.log.Info(ctx, "consumer started",
		zap.String("subject", c.subject),
		zap.String("queue", c.queue))
	return nil
}

// Stop unsubscribes and waits for the in-flight job to finish.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		msg, err := c.sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, nats.ErrBadSubscription) ||
				errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			c.log.Error(ctx, "receive job", zap.Error(err))
			continue
		}
		c.handle(ctx, msg.Data)
	}
}

func (c *Consumer) handle(ctx context.Context, data []byte) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		c.log.Error(ctx, "malformed job payload dropped", zap.Error(err))
		return
	}
	defer c.recoverJob(ctx, &job)

	// Process owns the failure contract; the returned error is already
	// reflected in the request row and notification.
	if err := c.proc.Process(ctx, job.ToRequest()); err != nil {
		c.log.Warn(ctx, "job finished with failure",
			zap.String("request_id", job.RequestID),
			zap.Error(err))
	}
}

// recoverJob is the last line of defense: a panic escaping the processor
// still yields a terminal FAILED status and a notification, unless the
// request already completed.
func (c *Consumer) recoverJob(ctx context.Context, job *Job) {
	r := recover()
	if r == nil {
		return
	}
	ctx = logging.WithRequestID(ctx, job.RequestID)
	c.log.Error(ctx, "job handler panicked", zap.Any("panic", r))

	row, err := c.store.GetRequest(ctx, job.RequestID)
	if err == nil && row.Status.Terminal() {
		return
	}
	msg := "processing failed: internal error"
	if err := c.store.SetRequestStatus(ctx, job.RequestID, artifact.StatusFailed, msg); err != nil {
		c.log.Error(ctx, "failed status update after panic", zap.Error(err))
	}
	if err := c.notifier.Emit(ctx, &notify.Message{
		RequestID:      job.RequestID,
		TaskType:       artifact.TaskType(job.TaskType),
		Status:         artifact.StatusFailed,
		ErrorMessage:   &msg,
		ItemIDs:        []int64{},
		IsReprocessing: job.ArtifactID != nil,
	}); err != nil {
		c.log.Error(ctx, "notification dropped after panic", zap.Error(err))
	}
}
