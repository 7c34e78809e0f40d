package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/orchestrator"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
	})
	return server
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type stubProcessor struct {
	fn func(ctx context.Context, req *orchestrator.ProcessRequest) error
}

func (s *stubProcessor) Process(ctx context.Context, req *orchestrator.ProcessRequest) error {
	return s.fn(ctx, req)
}

type stubNotifier struct {
	messages chan *notify.Message
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{messages: make(chan *notify.Message, 4)}
}

func (s *stubNotifier) Emit(ctx context.Context, msg *notify.Message) error {
	s.messages <- msg
	return nil
}

func TestJobToRequestCarriesOptions(t *testing.T) {
	temp := 0.2
	maxTokens := 1500
	artifactID := int64(44)
	job := &Job{
		RequestID:  "req-1",
		TaskType:   "user_story",
		Prompt:     Prompt{System: "s", User: "u", Assistant: "a", UserInput: "in"},
		ParentType: "feature",
		Language:   "english",
		Options:    &Options{Model: "gpt-4o", Temperature: &temp, MaxTokens: &maxTokens},
		ArtifactID: &artifactID,
		Platform:   "jira",
	}

	req := job.ToRequest()
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "user_story", req.TaskType)
	assert.Equal(t, "in", req.Prompt.UserInput)
	assert.Equal(t, "feature", req.ParentType)
	require.NotNil(t, req.Options)
	assert.Equal(t, "gpt-4o", req.Options.Model)
	assert.Equal(t, 0.2, *req.Options.Temperature)
	assert.Equal(t, 1500, *req.Options.MaxTokens)
	assert.Nil(t, req.Options.TopP)
	require.NotNil(t, req.ArtifactID)
	assert.Equal(t, int64(44), *req.ArtifactID)
}

func TestEnqueueDeliversToConsumer(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan *orchestrator.ProcessRequest, 1)
	proc := &stubProcessor{fn: func(ctx context.Context, req *orchestrator.ProcessRequest) error {
		got <- req
		return nil
	}}

	consumer := NewConsumer(nc, "test.jobs", "workers", proc, newTestStore(t), newStubNotifier(), logging.NewTestLogger(t))
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(consumer.Stop)

	enq := NewEnqueuer(nc, "test.jobs", logging.NewTestLogger(t))
	require.NoError(t, enq.Enqueue(context.Background(), &Job{
		RequestID: "req-q",
		TaskType:  "epic",
		Prompt:    Prompt{System: "s", User: "u"},
	}))

	select {
	case req := <-got:
		assert.Equal(t, "req-q", req.RequestID)
		assert.Equal(t, "epic", req.TaskType)
		assert.Equal(t, "s", req.Prompt.System)
	case <-time.After(2 * time.Second):
		t.Fatal("job not delivered")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	invoked := make(chan struct{}, 1)
	proc := &stubProcessor{fn: func(ctx context.Context, req *orchestrator.ProcessRequest) error {
		invoked <- struct{}{}
		return nil
	}}

	consumer := NewConsumer(nc, "test.jobs", "workers", proc, newTestStore(t), newStubNotifier(), logging.NewTestLogger(t))
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(consumer.Stop)

	require.NoError(t, nc.Publish("test.jobs", []byte("{not json")))
	require.NoError(t, nc.Flush())

	select {
	case <-invoked:
		t.Fatal("malformed payload must not reach the processor")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPanicRecoveryMarksRequestFailed(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	st := newTestStore(t)
	require.NoError(t, st.InsertRequest(context.Background(), &artifact.Request{
		RequestID: "req-panic",
		TaskType:  artifact.TypeTask,
		Status:    artifact.StatusPending,
	}))

	proc := &stubProcessor{fn: func(ctx context.Context, req *orchestrator.ProcessRequest) error {
		panic("boom")
	}}
	notifier := newStubNotifier()

	consumer := NewConsumer(nc, "test.jobs", "workers", proc, st, notifier, logging.NewTestLogger(t))
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(consumer.Stop)

	enq := NewEnqueuer(nc, "test.jobs", logging.NewTestLogger(t))
	require.NoError(t, enq.Enqueue(context.Background(), &Job{
		RequestID: "req-panic",
		TaskType:  "task",
	}))

	select {
	case msg := <-notifier.messages:
		assert.Equal(t, "req-panic", msg.RequestID)
		assert.Equal(t, artifact.StatusFailed, msg.Status)
		assert.Empty(t, msg.ItemIDs)
		require.NotNil(t, msg.ErrorMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("no recovery notification")
	}

	row, err := st.GetRequest(context.Background(), "req-panic")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, row.Status)
}

func TestPanicRecoveryNeverOverwritesCompleted(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	st := newTestStore(t)
	require.NoError(t, st.InsertRequest(context.Background(), &artifact.Request{
		RequestID: "req-done",
		TaskType:  artifact.TypeTask,
		Status:    artifact.StatusPending,
	}))
	require.NoError(t, st.SetRequestStatus(context.Background(), "req-done", artifact.StatusCompleted, ""))

	proc := &stubProcessor{fn: func(ctx context.Context, req *orchestrator.ProcessRequest) error {
		panic("boom")
	}}
	notifier := newStubNotifier()

	consumer := NewConsumer(nc, "test.jobs", "workers", proc, st, notifier, logging.NewTestLogger(t))
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(consumer.Stop)

	enq := NewEnqueuer(nc, "test.jobs", logging.NewTestLogger(t))
	require.NoError(t, enq.Enqueue(context.Background(), &Job{
		RequestID: "req-done",
		TaskType:  "task",
	}))

	select {
	case <-notifier.messages:
		t.Fatal("completed request must not produce a recovery notification")
	case <-time.After(300 * time.Millisecond):
	}

	row, err := st.GetRequest(context.Background(), "req-done")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusCompleted, row.Status)
}
