package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/parse"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

// correlation carries the caller-echoed downstream identifiers stamped onto
// created and reprocessed records.
type correlation struct {
	workItemID    *string
	parentBoardID *string
	platform      artifact.Platform
}

// create is the creation workflow: compute the next version for the lineage,
// deactivate prior active members, parse the generated text into drafts and
// insert them as one batch. Runs entirely inside the caller's transaction.
func (e *Engine) create(ctx context.Context, tx *sql.Tx, taskType artifact.TaskType, parent *int64, parentType *artifact.TaskType, projectID *string, text string, usage parse.Usage, corr correlation) ([]int64, int, error) {
	if taskType == artifact.TypeAutomationScript {
		return e.mergeScript(ctx, tx, parent, text, usage)
	}

	version := 1
	if parent != nil && parentType != nil {
		lineageType := parentType
		if taskType == artifact.TypeEpic {
			// Epic lineages are keyed by the external team id alone.
			lineageType = nil
		}
		members, err := e.store.ActiveLineageTx(ctx, tx, taskType, *parent, lineageType)
		if err != nil {
			return nil, 0, err
		}
		version = nextVersion(members)
		if len(members) > 0 {
			ids := make([]int64, len(members))
			for i, m := range members {
				ids[i] = m.ID
			}
			if err := e.store.DeactivateArtifactsTx(ctx, tx, ids, taskType == artifact.TypeTestCase); err != nil {
				return nil, 0, err
			}
			e.log.Debug(ctx, "deactivated prior lineage members",
				zap.Int("count", len(members)),
				zap.Int("new_version", version))
		}
	}

	drafts, err := parse.Creation(taskType, text, usage)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParsing, err)
	}

	now := time.Now().UTC()
	itemIDs := make([]int64, 0, len(drafts))
	for _, draft := range drafts {
		draft.Parent = parent
		draft.ParentType = parentType
		draft.ProjectID = projectID
		draft.Version = version
		draft.IsActive = true
		draft.WorkItemID = corr.workItemID
		draft.ParentBoardID = corr.parentBoardID
		draft.Platform = corr.platform
		draft.CreatedAt = now
		draft.UpdatedAt = now
		if taskType == artifact.TypeEpic {
			// The parent slot of an epic holds the external team id.
			draft.TeamProjectID = parent
		}
		for i := range draft.Actions {
			draft.Actions[i].Version = version
			draft.Actions[i].IsActive = true
			draft.Actions[i].Platform = corr.platform
		}

		if err := e.store.InsertArtifactTx(ctx, tx, draft); err != nil {
			if errors.Is(err, store.ErrConstraint) {
				return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return nil, 0, err
		}
		itemIDs = append(itemIDs, draft.ID)
	}

	e.log.Info(ctx, "created artifacts",
		zap.Int("count", len(itemIDs)),
		zap.Int("version", version))
	return itemIDs, version, nil
}

// mergeScript merges a generated automation script into its target test
// case: no new row, script replaced, token counters accumulated.
func (e *Engine) mergeScript(ctx context.Context, tx *sql.Tx, parent *int64, text string, usage parse.Usage) ([]int64, int, error) {
	if parent == nil {
		return nil, 0, fmt.Errorf("%w: automation script requires a target test case id", ErrValidation)
	}
	script, err := parse.AutomationScript(text)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParsing, err)
	}

	target, err := e.store.GetArtifactTx(ctx, tx, artifact.TypeTestCase, *parent)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: test case %d not found for automation script", ErrParsing, *parent)
	}
	if err != nil {
		return nil, 0, err
	}

	target.Script = &script
	target.PromptTokens += usage.PromptTokens
	target.CompletionTokens += usage.CompletionTokens
	target.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateArtifactTx(ctx, tx, target); err != nil {
		return nil, 0, err
	}

	e.log.Info(ctx, "automation script merged",
		zap.Int64("test_case_id", target.ID))
	return []int64{target.ID}, target.Version, nil
}

// nextVersion is 1 + max version across the active members, or 1 when the
// lineage is empty.
func nextVersion(members []store.LineageMember) int {
	max := 0
	for _, m := range members {
		if m.Version > max {
			max = m.Version
		}
	}
	return max + 1
}
