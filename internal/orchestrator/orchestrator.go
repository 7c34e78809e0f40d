// Package orchestrator owns the shared control flow that turns a pending
// request into persisted artifact records and exactly one terminal status,
// with a best-effort notification mirroring the outcome.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/gateway"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/parse"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

// Generator is the content generation capability the orchestrator depends on.
type Generator interface {
	Generate(ctx context.Context, p gateway.Prompt, opts *gateway.Options) (*gateway.Result, error)
}

// Notifier publishes terminal-state messages.
type Notifier interface {
	Emit(ctx context.Context, msg *notify.Message) error
}

// Recorder counts request outcomes and dropped notifications. Nil disables
// recording.
type Recorder interface {
	RequestCompleted(taskType string)
	RequestFailed(taskType string)
	NotificationDropped()
}

// PromptFields are the raw prompt roles as supplied by the caller, before
// placeholder substitution.
type PromptFields struct {
	System    string
	User      string
	Assistant string
	UserInput string
}

// ProcessRequest is the orchestrator invocation contract, carried verbatim in
// dispatch job payloads. A non-nil ArtifactID selects the reprocessing
// workflow.
type ProcessRequest struct {
	RequestID     string
	TaskType      string
	Prompt        PromptFields
	ParentType    string
	Language      string
	Options       *gateway.Options
	WorkItemID    *string
	ParentBoardID *string
	TypeTest      string
	ArtifactID    *int64
	ProjectID     *string
	Platform      string
}

func (r *ProcessRequest) reprocessing() bool { return r.ArtifactID != nil }

// Engine is the request orchestrator.
type Engine struct {
	store    *store.Store
	gen      Generator
	notifier Notifier
	rec      Recorder
	log      *logging.Logger
}

// New wires an Engine. rec may be nil.
func New(st *store.Store, gen Generator, notifier Notifier, rec Recorder, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{
		store:    st,
		gen:      gen,
		notifier: notifier,
		rec:      rec,
		log:      log.Named("orchestrator"),
	}
}

// Process runs one request to a terminal status. Every failure is converted
// internally into (status FAILED, best-effort notification); the returned
// error reports what went wrong for the dispatch layer's logs only.
func (e *Engine) Process(ctx context.Context, req *ProcessRequest) error {
	ctx = logging.WithRequestID(ctx, req.RequestID)
	ctx = logging.WithTaskType(ctx, req.TaskType)

	taskType, err := artifact.ParseTaskType(req.TaskType)
	if err != nil || !taskType.Generatable() {
		verr := fmt.Errorf("%w: invalid task type %q", ErrValidation, req.TaskType)
		// No reliable request row yet; emit a minimal notification only.
		e.emitInitialFailure(ctx, req, verr)
		return verr
	}

	if req.ProjectID != nil {
		if _, err := uuid.Parse(*req.ProjectID); err != nil {
			verr := fmt.Errorf("%w: invalid project id %q", ErrValidation, *req.ProjectID)
			e.emitInitialFailure(ctx, req, verr)
			return verr
		}
	}

	row, err := e.store.GetRequest(ctx, req.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		// The dispatch layer owns detection of lost requests.
		e.log.Error(ctx, "request row not found, aborting")
		return nil
	}
	if err != nil {
		e.log.Error(ctx, "load request", zap.Error(err))
		return err
	}
	if row.Status.Terminal() {
		e.log.Info(ctx, "request already terminal, skipping redelivery",
			zap.String("status", row.Status.String()))
		return nil
	}

	projectID := req.ProjectID
	if projectID == nil {
		projectID = row.ProjectID
	}

	parent, parentType, projectID, verr := e.resolveParent(ctx, req, row, taskType, projectID)
	if verr != nil {
		e.fail(ctx, req, row, taskType, parent, parentType, projectID, verr)
		return verr
	}

	language, err := artifact.ParseLanguage(req.Language)
	if err != nil {
		verr := fmt.Errorf("%w: %v", ErrValidation, err)
		e.fail(ctx, req, row, taskType, parent, parentType, projectID, verr)
		return verr
	}

	prompt := gateway.Prompt{
		System:    req.Prompt.System,
		User:      req.Prompt.User,
		Assistant: req.Prompt.Assistant,
		UserInput: req.Prompt.UserInput,
		Language:  language,
		TypeTest:  req.TypeTest,
	}
	result, err := e.gen.Generate(ctx, prompt, req.Options)
	if err != nil {
		e.fail(ctx, req, row, taskType, parent, parentType, projectID, err)
		return err
	}
	usage := parse.Usage{PromptTokens: result.PromptTokens, CompletionTokens: result.CompletionTokens}

	corr := correlation{
		workItemID:    req.WorkItemID,
		parentBoardID: req.ParentBoardID,
		platform:      artifact.Platform(req.Platform),
	}

	var itemIDs []int64
	var version int
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		if req.reprocessing() {
			itemIDs, version, txErr = e.reprocess(ctx, tx, taskType, *req.ArtifactID, result.Text, usage, corr)
		} else {
			itemIDs, version, txErr = e.create(ctx, tx, taskType, parent, parentType, projectID, result.Text, usage, corr)
		}
		return txErr
	})
	if err != nil {
		e.fail(ctx, req, row, taskType, parent, parentType, projectID, err)
		return err
	}

	if err := e.store.SetRequestStatus(ctx, req.RequestID, artifact.StatusCompleted, ""); err != nil {
		e.log.Error(ctx, "completed status update failed", zap.Error(err))
	}
	if e.rec != nil {
		e.rec.RequestCompleted(string(taskType))
	}

	e.emit(ctx, &notify.Message{
		RequestID:      req.RequestID,
		ProjectID:      projectID,
		Parent:         parent,
		ParentType:     parentType,
		TaskType:       taskType,
		Status:         artifact.StatusCompleted,
		ItemIDs:        itemIDs,
		Version:        &version,
		WorkItemID:     req.WorkItemID,
		ParentBoardID:  req.ParentBoardID,
		IsReprocessing: req.reprocessing(),
		Platform:       corr.platform,
	})

	e.log.Info(ctx, "request completed",
		zap.Int64s("item_ids", itemIDs),
		zap.Int("version", version))
	return nil
}

// resolveParent determines the hierarchical parent for this request. For
// creation it comes from the request row plus the call's parent type; for
// reprocessing it is derived from the artifact being reprocessed. The
// returned error is always a validation failure.
func (e *Engine) resolveParent(ctx context.Context, req *ProcessRequest, row *artifact.Request, taskType artifact.TaskType, projectID *string) (*int64, *artifact.TaskType, *string, error) {
	if req.reprocessing() {
		if !taskType.Stored() {
			return nil, nil, projectID, fmt.Errorf("%w: task type %q cannot be reprocessed", ErrValidation, taskType)
		}
		existing, err := e.store.GetArtifact(ctx, taskType, *req.ArtifactID)
		if errors.Is(err, store.ErrNotFound) {
			// Surfaces as a failure inside the reprocessor; parent stays
			// unknown here.
			e.log.Warn(ctx, "artifact for reprocessing not found during parent resolution",
				zap.Int64("artifact_id", *req.ArtifactID))
			return nil, nil, projectID, nil
		}
		if err != nil {
			return nil, nil, projectID, fmt.Errorf("%w: load artifact %d: %v", ErrValidation, *req.ArtifactID, err)
		}
		if projectID == nil {
			projectID = existing.ProjectID
		}
		if taskType == artifact.TypeEpic {
			// Epics have no artifact-level parent; their parent slot holds
			// the external team id.
			return nil, nil, projectID, nil
		}
		return existing.Parent, existing.ParentType, projectID, nil
	}

	parent := row.Parent
	var parentType *artifact.TaskType
	if req.ParentType != "" {
		pt, err := artifact.ParseTaskType(req.ParentType)
		if err != nil {
			return parent, nil, projectID, fmt.Errorf("%w: invalid parent type %q", ErrValidation, req.ParentType)
		}
		parentType = &pt
	}

	if parent != nil && parentType == nil {
		return parent, nil, projectID, fmt.Errorf("%w: parent id without parent type", ErrValidation)
	}
	if parent != nil && *parentType != artifact.TypeProject {
		exists, err := e.store.ArtifactExists(ctx, *parentType, *parent)
		if err != nil {
			return parent, parentType, projectID, fmt.Errorf("%w: validate parent: %v", ErrValidation, err)
		}
		if !exists {
			return parent, parentType, projectID, fmt.Errorf("%w: parent not found: id=%d type=%s", ErrValidation, *parent, *parentType)
		}
	}
	return parent, parentType, projectID, nil
}

// fail converts any processing error into the terminal failure contract:
// durable FAILED status plus a best-effort notification with an empty item
// list and null version.
func (e *Engine) fail(ctx context.Context, req *ProcessRequest, row *artifact.Request, taskType artifact.TaskType, parent *int64, parentType *artifact.TaskType, projectID *string, cause error) {
	class := classify(cause)
	msg := failureMessage(cause)
	e.log.Error(ctx, "request failed",
		zap.String("class", string(class)),
		zap.Error(cause))

	if err := e.store.SetRequestStatus(ctx, req.RequestID, artifact.StatusFailed, msg); err != nil {
		e.log.Error(ctx, "failed status update failed", zap.Error(err))
	}
	if e.rec != nil {
		e.rec.RequestFailed(string(taskType))
	}

	if parent == nil && row != nil {
		parent = row.Parent
	}
	if parentType == nil && row != nil {
		parentType = row.ParentType
	}
	e.emit(ctx, &notify.Message{
		RequestID:      req.RequestID,
		ProjectID:      projectID,
		Parent:         parent,
		ParentType:     parentType,
		TaskType:       taskType,
		Status:         artifact.StatusFailed,
		ErrorMessage:   &msg,
		ItemIDs:        []int64{},
		WorkItemID:     req.WorkItemID,
		ParentBoardID:  req.ParentBoardID,
		IsReprocessing: req.reprocessing(),
		Platform:       artifact.Platform(req.Platform),
	})
}

// emitInitialFailure handles failures that occur before the request row can
// be located: a minimal notification, no durable write.
func (e *Engine) emitInitialFailure(ctx context.Context, req *ProcessRequest, cause error) {
	msg := failureMessage(cause)
	e.log.Error(ctx, "initial validation failed", zap.Error(cause))
	e.emit(ctx, &notify.Message{
		RequestID:      req.RequestID,
		TaskType:       artifact.TaskType(req.TaskType),
		Status:         artifact.StatusFailed,
		ErrorMessage:   &msg,
		ItemIDs:        []int64{},
		IsReprocessing: req.reprocessing(),
	})
}

// emit publishes best-effort: a broker outage never changes the durable
// outcome recorded on the request row.
func (e *Engine) emit(ctx context.Context, msg *notify.Message) {
	if err := e.notifier.Emit(ctx, msg); err != nil {
		e.log.Error(ctx, "notification dropped", zap.Error(err))
		if e.rec != nil {
			e.rec.NotificationDropped()
		}
	}
}
