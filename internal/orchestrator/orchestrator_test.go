package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/gateway"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

type fakeGenerator struct {
	calls int
	text  string
	usage gateway.Result
	err   error
}

func (f *fakeGenerator) Generate(ctx context.Context, p gateway.Prompt, opts *gateway.Options) (*gateway.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Result{
		Text:             f.text,
		PromptTokens:     f.usage.PromptTokens,
		CompletionTokens: f.usage.CompletionTokens,
	}, nil
}

type fakeNotifier struct {
	messages []*notify.Message
	err      error
}

func (f *fakeNotifier) Emit(ctx context.Context, msg *notify.Message) error {
	f.messages = append(f.messages, msg)
	return f.err
}

func (f *fakeNotifier) last(t *testing.T) *notify.Message {
	t.Helper()
	require.NotEmpty(t, f.messages)
	return f.messages[len(f.messages)-1]
}

type fixture struct {
	store    *store.Store
	gen      *fakeGenerator
	notifier *fakeNotifier
	engine   *Engine
}

func newFixture(t *testing.T, generated string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gen := &fakeGenerator{
		text:  generated,
		usage: gateway.Result{PromptTokens: 30, CompletionTokens: 70},
	}
	notifier := &fakeNotifier{}
	return &fixture{
		store:    st,
		gen:      gen,
		notifier: notifier,
		engine:   New(st, gen, notifier, nil, logging.NewTestLogger(t)),
	}
}

func (fx *fixture) insertRequest(t *testing.T, req *artifact.Request) {
	t.Helper()
	if req.Status == "" {
		req.Status = artifact.StatusPending
	}
	require.NoError(t, fx.store.InsertRequest(context.Background(), req))
}

func (fx *fixture) seedArtifact(t *testing.T, rec *artifact.Record) {
	t.Helper()
	require.NoError(t, fx.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return fx.store.InsertArtifactTx(context.Background(), tx, rec)
	}))
}

func (fx *fixture) countArtifacts(t *testing.T, taskType artifact.TaskType) int {
	t.Helper()
	n := 0
	for id := int64(1); id < 100; id++ {
		if ok, err := fx.store.ArtifactExists(context.Background(), taskType, id); err == nil && ok {
			n++
		}
	}
	return n
}

const epicJSON = `{
	"title": "Payments revamp",
	"description": "Rebuild the payments stack",
	"tags": ["payments"],
	"reflection": {"problem": "legacy"},
	"summary": "s"
}`

func TestCreateEpicFirstVersion(t *testing.T) {
	fx := newFixture(t, epicJSON)
	parent := int64(123)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-epic", Parent: &parent, TaskType: artifact.TypeEpic,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-epic",
		TaskType:   "epic",
		ParentType: "project",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	row, err := fx.store.GetRequest(context.Background(), "req-epic")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusCompleted, row.Status)
	assert.NotNil(t, row.ProcessedAt)

	msg := fx.notifier.last(t)
	assert.Equal(t, artifact.StatusCompleted, msg.Status)
	require.Len(t, msg.ItemIDs, 1)
	require.NotNil(t, msg.Version)
	assert.Equal(t, 1, *msg.Version)

	rec, err := fx.store.GetArtifact(context.Background(), artifact.TypeEpic, msg.ItemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.True(t, rec.IsActive)
	require.NotNil(t, rec.TeamProjectID)
	assert.Equal(t, int64(123), *rec.TeamProjectID)
	assert.Equal(t, 30, rec.PromptTokens)
	assert.Equal(t, 70, rec.CompletionTokens)
}

func TestCreateSecondVersionSupersedes(t *testing.T) {
	featureJSON := `{"title": "Checkout v2", "description": "d", "acceptance_criteria": ["pays"]}`
	fx := newFixture(t, featureJSON)

	// Parent epic the hierarchy validator must find.
	epicParent := int64(9)
	epic := &artifact.Record{
		TaskType: artifact.TypeEpic, Parent: &epicParent, TeamProjectID: &epicParent,
		Title: "parent epic", Version: 1, IsActive: true,
	}
	fx.seedArtifact(t, epic)

	parentType := artifact.TypeEpic
	old := &artifact.Record{
		TaskType: artifact.TypeFeature, Parent: &epic.ID, ParentType: &parentType,
		Title: "Checkout v1", Version: 1, IsActive: true,
	}
	fx.seedArtifact(t, old)

	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-feat", Parent: &epic.ID, ParentType: &parentType,
		TaskType: artifact.TypeFeature,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-feat",
		TaskType:   "feature",
		ParentType: "epic",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	msg := fx.notifier.last(t)
	require.Len(t, msg.ItemIDs, 1)
	require.NotNil(t, msg.Version)
	assert.Equal(t, 2, *msg.Version)

	superseded, err := fx.store.GetArtifact(context.Background(), artifact.TypeFeature, old.ID)
	require.NoError(t, err)
	assert.False(t, superseded.IsActive)

	current, err := fx.store.GetArtifact(context.Background(), artifact.TypeFeature, msg.ItemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.True(t, current.IsActive)
	require.NotNil(t, current.AcceptanceCriteria)
	assert.Equal(t, "- pays", *current.AcceptanceCriteria)
}

func TestParentWithoutTypeFailsBeforeGeneration(t *testing.T) {
	fx := newFixture(t, `{}`)
	parent := int64(5)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-np", Parent: &parent, TaskType: artifact.TypeUserStory,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-np",
		TaskType:  "user_story",
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, fx.gen.calls, "generation must not run on validation failure")

	row, err := fx.store.GetRequest(context.Background(), "req-np")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)

	msg := fx.notifier.last(t)
	assert.Equal(t, artifact.StatusFailed, msg.Status)
	assert.Empty(t, msg.ItemIDs)
	assert.Nil(t, msg.Version)
}

func TestMissingParentFailsValidation(t *testing.T) {
	fx := newFixture(t, `{}`)
	parent := int64(404)
	parentType := artifact.TypeEpic
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-mp", Parent: &parent, ParentType: &parentType,
		TaskType: artifact.TypeFeature,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-mp",
		TaskType:   "feature",
		ParentType: "epic",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, fx.gen.calls)
}

func TestUnknownTaskTypeEmitsMinimalNotification(t *testing.T) {
	fx := newFixture(t, `{}`)

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-bad",
		TaskType:  "campaign",
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, fx.gen.calls)

	msg := fx.notifier.last(t)
	assert.Equal(t, artifact.StatusFailed, msg.Status)
	assert.Empty(t, msg.ItemIDs)
}

func TestTerminalRequestShortCircuits(t *testing.T) {
	fx := newFixture(t, epicJSON)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-done", TaskType: artifact.TypeEpic, Status: artifact.StatusCompleted,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-done",
		TaskType:  "epic",
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)
	assert.Zero(t, fx.gen.calls, "redelivery of a terminal request must be a no-op")
	assert.Empty(t, fx.notifier.messages)
}

func TestMissingRequestRowAbortsSilently(t *testing.T) {
	fx := newFixture(t, epicJSON)

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-ghost",
		TaskType:  "epic",
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)
	assert.Zero(t, fx.gen.calls)
	assert.Empty(t, fx.notifier.messages)
}

func TestInvalidModelFailure(t *testing.T) {
	fx := newFixture(t, "")
	fx.gen.err = fmt.Errorf("%w: gpt-nonexistent: the model does not exist", gateway.ErrInvalidModel)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-im", TaskType: artifact.TypeEpic,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-im",
		TaskType:  "epic",
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	assert.ErrorIs(t, err, gateway.ErrInvalidModel)

	row, err := fx.store.GetRequest(context.Background(), "req-im")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "gpt-nonexistent")

	assert.Zero(t, fx.countArtifacts(t, artifact.TypeEpic))

	msg := fx.notifier.last(t)
	assert.Equal(t, artifact.StatusFailed, msg.Status)
	assert.Empty(t, msg.ItemIDs)
	assert.Nil(t, msg.Version)
}

func TestMalformedResponseFailsParsing(t *testing.T) {
	fx := newFixture(t, "sorry, I cannot produce JSON today")
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-parse", TaskType: artifact.TypeFeature,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-parse",
		TaskType:  "feature",
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	assert.ErrorIs(t, err, ErrParsing)

	row, err := fx.store.GetRequest(context.Background(), "req-parse")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, row.Status)
	assert.Zero(t, fx.countArtifacts(t, artifact.TypeFeature), "no rows may survive a parse failure")
}

func TestErrorMessageTruncatedTo500(t *testing.T) {
	fx := newFixture(t, "")
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	fx.gen.err = errors.New(string(long))
	fx.insertRequest(t, &artifact.Request{RequestID: "req-long", TaskType: artifact.TypeTask})

	_ = fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-long",
		TaskType:  "task",
		Prompt:    PromptFields{System: "s", User: "u"},
	})

	row, err := fx.store.GetRequest(context.Background(), "req-long")
	require.NoError(t, err)
	require.NotNil(t, row.ErrorMessage)
	assert.LessOrEqual(t, len(*row.ErrorMessage), 500)
}

func seedTestCase(t *testing.T, fx *fixture) *artifact.Record {
	t.Helper()
	storyID := int64(77)
	parentType := artifact.TypeUserStory
	tc := &artifact.Record{
		TaskType: artifact.TypeTestCase, Parent: &storyID, ParentType: &parentType,
		Title: "Login works", Gherkin: []byte(`{"given": "old"}`),
		Version: 1, IsActive: true, PromptTokens: 100, CompletionTokens: 200,
		Actions: []artifact.Action{
			{Step: "old step", ExpectedResult: "old result", Version: 1, IsActive: true},
		},
	}
	fx.seedArtifact(t, tc)
	return tc
}

func TestReprocessTestCaseReplacesActions(t *testing.T) {
	updateJSON := `{
		"title": "Login works v2",
		"priority": "high",
		"gherkin": {"given": "new"},
		"actions": [
			{"step": "open page", "expected_result": "form"},
			{"step": "submit", "expected_result": "home"}
		]
	}`
	fx := newFixture(t, updateJSON)
	tc := seedTestCase(t, fx)

	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-rp", TaskType: artifact.TypeTestCase,
		ArtifactType: &tc.TaskType, ArtifactID: &tc.ID,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-rp",
		TaskType:   "test_case",
		ArtifactID: &tc.ID,
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	got, err := fx.store.GetArtifact(context.Background(), artifact.TypeTestCase, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "version increments by exactly one")
	assert.Equal(t, "Login works v2", got.Title)
	assert.JSONEq(t, `{"given": "new"}`, string(got.Gherkin))
	assert.Equal(t, 130, got.PromptTokens, "token counters accumulate")
	assert.Equal(t, 270, got.CompletionTokens)
	require.Len(t, got.Actions, 2, "actions fully replaced")
	assert.Equal(t, "open page", got.Actions[0].Step)
	assert.Equal(t, 2, got.Actions[0].Version)

	msg := fx.notifier.last(t)
	assert.True(t, msg.IsReprocessing)
	assert.Equal(t, []int64{tc.ID}, msg.ItemIDs)
	require.NotNil(t, msg.Version)
	assert.Equal(t, 2, *msg.Version)
}

func TestReprocessNonexistentArtifactFails(t *testing.T) {
	fx := newFixture(t, `{"title": "t", "description": "d", "estimate": "1h"}`)
	missing := int64(999)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-miss", TaskType: artifact.TypeTask, ArtifactID: &missing,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-miss",
		TaskType:   "task",
		ArtifactID: &missing,
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	assert.ErrorIs(t, err, ErrValidation)

	row, err := fx.store.GetRequest(context.Background(), "req-miss")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, row.Status)

	msg := fx.notifier.last(t)
	assert.Equal(t, artifact.StatusFailed, msg.Status)
	assert.Empty(t, msg.ItemIDs)
}

func TestReprocessSetsPlatformOnlyWhenUnset(t *testing.T) {
	fx := newFixture(t, `{"title": "t2", "description": "d2", "estimate": "3h"}`)
	storyID := int64(4)
	parentType := artifact.TypeUserStory
	task := &artifact.Record{
		TaskType: artifact.TypeTask, Parent: &storyID, ParentType: &parentType,
		Title: "t1", Version: 1, IsActive: true, Platform: artifact.PlatformJira,
	}
	fx.seedArtifact(t, task)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-plat", TaskType: artifact.TypeTask, ArtifactID: &task.ID,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-plat",
		TaskType:   "task",
		ArtifactID: &task.ID,
		Platform:   "azure",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	got, err := fx.store.GetArtifact(context.Background(), artifact.TypeTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.PlatformJira, got.Platform, "platform must not be overwritten")
	assert.Equal(t, "t2", got.Title)
}

func TestAutomationScriptMergesIntoTestCase(t *testing.T) {
	fx := newFixture(t, "/* cy.visit('/login') */")
	tc := seedTestCase(t, fx)

	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-as", Parent: &tc.ID, TaskType: artifact.TypeAutomationScript,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-as",
		TaskType:   "automation_script",
		ParentType: "test_case",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	got, err := fx.store.GetArtifact(context.Background(), artifact.TypeTestCase, tc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Script)
	assert.Equal(t, "cy.visit('/login')", *got.Script)
	assert.Equal(t, 130, got.PromptTokens)
	assert.Equal(t, 1, got.Version, "script merge does not bump the version")
	assert.Equal(t, 1, fx.countArtifacts(t, artifact.TypeTestCase), "no new row is created")

	msg := fx.notifier.last(t)
	assert.Equal(t, []int64{tc.ID}, msg.ItemIDs)
}

func TestAutomationScriptUnwrappedFails(t *testing.T) {
	fx := newFixture(t, "cy.visit('/login')")
	tc := seedTestCase(t, fx)

	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-as-bad", Parent: &tc.ID, TaskType: artifact.TypeAutomationScript,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-as-bad",
		TaskType:   "automation_script",
		ParentType: "test_case",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	assert.ErrorIs(t, err, ErrParsing)

	got, err := fx.store.GetArtifact(context.Background(), artifact.TypeTestCase, tc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Script)
	assert.Equal(t, 100, got.PromptTokens, "tokens untouched on failure")
}

func TestNotifierOutageDoesNotFlipCompleted(t *testing.T) {
	fx := newFixture(t, epicJSON)
	fx.notifier.err = notify.ErrUnavailable
	parent := int64(55)
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-broker", Parent: &parent, TaskType: artifact.TypeEpic,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID:  "req-broker",
		TaskType:   "epic",
		ParentType: "project",
		Prompt:     PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	row, err := fx.store.GetRequest(context.Background(), "req-broker")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusCompleted, row.Status,
		"the request row is the durable outcome; notification loss is logged only")
}

func TestCreateWithoutParentIsVersionOne(t *testing.T) {
	fx := newFixture(t, epicJSON)
	projectID := "7b0c9c0a-8e6f-4d36-b8a7-3a90f2a7f001"
	fx.insertRequest(t, &artifact.Request{
		RequestID: "req-ind", TaskType: artifact.TypeEpic, ProjectID: &projectID,
	})

	err := fx.engine.Process(context.Background(), &ProcessRequest{
		RequestID: "req-ind",
		TaskType:  "epic",
		ProjectID: &projectID,
		Prompt:    PromptFields{System: "s", User: "u"},
	})
	require.NoError(t, err)

	msg := fx.notifier.last(t)
	require.NotNil(t, msg.Version)
	assert.Equal(t, 1, *msg.Version)
	require.NotNil(t, msg.ProjectID)
	assert.Equal(t, projectID, *msg.ProjectID)

	rec, err := fx.store.GetArtifact(context.Background(), artifact.TypeEpic, msg.ItemIDs[0])
	require.NoError(t, err)
	require.NotNil(t, rec.ProjectID)
	assert.Equal(t, projectID, *rec.ProjectID)
}
