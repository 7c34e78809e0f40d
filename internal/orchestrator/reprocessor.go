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

// reprocess is the reprocessing workflow: load the artifact, merge the
// type-specific update fields in place, accumulate token counters and bump
// the version by exactly one. Runs inside the caller's transaction.
func (e *Engine) reprocess(ctx context.Context, tx *sql.Tx, taskType artifact.TaskType, artifactID int64, text string, usage parse.Usage, corr correlation) ([]int64, int, error) {
	if !taskType.Stored() {
		return nil, 0, fmt.Errorf("%w: task type %q cannot be reprocessed", ErrValidation, taskType)
	}

	existing, err := e.store.GetArtifactTx(ctx, tx, taskType, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s %d not found for reprocessing", ErrValidation, taskType, artifactID)
	}
	if err != nil {
		return nil, 0, err
	}

	upd, err := parse.ForUpdate(taskType, text)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParsing, err)
	}

	existing.PromptTokens += usage.PromptTokens
	existing.CompletionTokens += usage.CompletionTokens
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	if corr.workItemID != nil {
		existing.WorkItemID = corr.workItemID
	}
	if corr.parentBoardID != nil {
		existing.ParentBoardID = corr.parentBoardID
	}
	if corr.platform != "" && existing.Platform == "" {
		existing.Platform = corr.platform
	}

	mergeUpdate(existing, upd, taskType)

	if err := e.store.UpdateArtifactTx(ctx, tx, existing); err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return nil, 0, err
	}

	if taskType == artifact.TypeTestCase {
		actions := make([]artifact.Action, len(upd.Actions))
		for i, a := range upd.Actions {
			actions[i] = artifact.Action{
				Step:           a.Step,
				ExpectedResult: a.ExpectedResult,
				Version:        existing.Version,
				IsActive:       true,
				Platform:       existing.Platform,
			}
		}
		if err := e.store.ReplaceActionsTx(ctx, tx, existing.ID, actions); err != nil {
			return nil, 0, err
		}
	}

	e.log.Info(ctx, "artifact reprocessed",
		zap.Int64("artifact_id", existing.ID),
		zap.Int("version", existing.Version))
	return []int64{existing.ID}, existing.Version, nil
}

// mergeUpdate applies only the fields each type defines. Anything the update
// parser did not produce keeps its stored value.
func mergeUpdate(rec *artifact.Record, upd *parse.Update, taskType artifact.TaskType) {
	switch taskType {
	case artifact.TypeEpic:
		rec.Title = upd.Title
		rec.Description = upd.Description
		rec.Tags = upd.Tags
		rec.Summary = upd.Summary
		rec.Reflection = upd.Reflection
	case artifact.TypeFeature:
		rec.Title = upd.Title
		rec.Description = upd.Description
		rec.AcceptanceCriteria = upd.AcceptanceCriteria
		rec.Summary = upd.Summary
	case artifact.TypeUserStory:
		rec.Title = upd.Title
		rec.Description = upd.Description
		rec.AcceptanceCriteria = upd.AcceptanceCriteria
		if upd.Priority != nil {
			rec.Priority = upd.Priority
		}
	case artifact.TypeTask:
		rec.Title = upd.Title
		rec.Description = upd.Description
		if upd.Estimate != nil {
			rec.Estimate = upd.Estimate
		}
	case artifact.TypeTestCase:
		rec.Title = upd.Title
		rec.Gherkin = upd.Gherkin
		if upd.Priority != nil {
			rec.Priority = upd.Priority
		}
	case artifact.TypeWBS:
		rec.WBS = upd.WBS
	case artifact.TypeBug:
		rec.Title = upd.Title
		if upd.ReproSteps != nil {
			rec.ReproSteps = upd.ReproSteps
		}
		if upd.SystemInfo != nil {
			rec.SystemInfo = upd.SystemInfo
		}
		rec.Tags = upd.Tags
	default: // issue, pbi
		rec.Title = upd.Title
		rec.Description = upd.Description
		rec.Tags = upd.Tags
	}
}
