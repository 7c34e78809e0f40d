package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
)

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const artifactColumns = `task_type, parent, parent_type, project_id, team_project_id,
	title, description, tags, reflection, summary, acceptance_criteria,
	priority, dod, dor, estimate, gherkin, script, wbs, repro_steps, system_info,
	version, is_active, prompt_tokens, completion_tokens,
	work_item_id, parent_board_id, platform, created_at, updated_at`

// InsertArtifactTx inserts one artifact row (and its actions for test cases)
// inside tx, populating rec.ID and action ids.
func (s *Store) InsertArtifactTx(ctx context.Context, tx *sql.Tx, rec *artifact.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	tagsCol, err := nullTags(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.TaskType), nullInt(rec.Parent), nullTaskType(rec.ParentType),
		nullStr(rec.ProjectID), nullInt(rec.TeamProjectID),
		rec.Title, rec.Description, tagsCol, nullJSON(rec.Reflection), nullStr(rec.Summary),
		nullStr(rec.AcceptanceCriteria), nullStr(rec.Priority), nullStr(rec.DoD), nullStr(rec.DoR),
		nullStr(rec.Estimate), nullJSON(rec.Gherkin), nullStr(rec.Script), nullJSON(rec.WBS),
		nullStr(rec.ReproSteps), nullStr(rec.SystemInfo),
		rec.Version, rec.IsActive, rec.PromptTokens, rec.CompletionTokens,
		nullStr(rec.WorkItemID), nullStr(rec.ParentBoardID), nullPlatform(rec.Platform),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", wrapConstraint(err))
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	for i := range rec.Actions {
		rec.Actions[i].TestCaseID = rec.ID
		if err := s.insertActionTx(ctx, tx, &rec.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertActionTx(ctx context.Context, tx *sql.Tx, a *artifact.Action) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO actions
		(test_case_id, step, expected_result, version, is_active, platform)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TestCaseID, a.Step, a.ExpectedResult, a.Version, a.IsActive, nullPlatform(a.Platform))
	if err != nil {
		return fmt.Errorf("insert action: %w", wrapConstraint(err))
	}
	a.ID, err = res.LastInsertId()
	return err
}

func scanArtifact(row *sql.Row) (*artifact.Record, error) {
	var (
		rec                                artifact.Record
		taskType                           string
		parent, teamProjectID              sql.NullInt64
		parentType, projectID              sql.NullString
		tagsCol, reflection, summary       sql.NullString
		acceptance, priority, dod, dor     sql.NullString
		estimate, gherkin, script, wbs     sql.NullString
		reproSteps, systemInfo             sql.NullString
		workItemID, parentBoardID, platCol sql.NullString
	)
	err := row.Scan(&rec.ID, &taskType, &parent, &parentType, &projectID, &teamProjectID,
		&rec.Title, &rec.Description, &tagsCol, &reflection, &summary, &acceptance,
		&priority, &dod, &dor, &estimate, &gherkin, &script, &wbs, &reproSteps, &systemInfo,
		&rec.Version, &rec.IsActive, &rec.PromptTokens, &rec.CompletionTokens,
		&workItemID, &parentBoardID, &platCol, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	rec.TaskType = artifact.TaskType(taskType)
	rec.Parent = intPtr(parent)
	rec.ParentType = taskTypePtr(parentType)
	rec.ProjectID = strPtr(projectID)
	rec.TeamProjectID = intPtr(teamProjectID)
	rec.Tags = tags(tagsCol)
	rec.Reflection = rawJSON(reflection)
	rec.Summary = strPtr(summary)
	rec.AcceptanceCriteria = strPtr(acceptance)
	rec.Priority = strPtr(priority)
	rec.DoD = strPtr(dod)
	rec.DoR = strPtr(dor)
	rec.Estimate = strPtr(estimate)
	rec.Gherkin = rawJSON(gherkin)
	rec.Script = strPtr(script)
	rec.WBS = rawJSON(wbs)
	rec.ReproSteps = strPtr(reproSteps)
	rec.SystemInfo = strPtr(systemInfo)
	rec.WorkItemID = strPtr(workItemID)
	rec.ParentBoardID = strPtr(parentBoardID)
	rec.Platform = platform(platCol)
	return &rec, nil
}

func (s *Store) getArtifact(ctx context.Context, q querier, taskType artifact.TaskType, id int64) (*artifact.Record, error) {
	rec, err := scanArtifact(q.QueryRowContext(ctx, `SELECT id, `+artifactColumns+`
		FROM artifacts WHERE id = ? AND task_type = ?`, id, string(taskType)))
	if err != nil {
		return nil, err
	}
	if rec.TaskType == artifact.TypeTestCase {
		rec.Actions, err = s.actionsFor(ctx, q, rec.ID)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetArtifact loads one artifact (with actions for test cases) by type and id.
func (s *Store) GetArtifact(ctx context.Context, taskType artifact.TaskType, id int64) (*artifact.Record, error) {
	return s.getArtifact(ctx, s.db, taskType, id)
}

// GetArtifactTx is GetArtifact inside an open transaction.
func (s *Store) GetArtifactTx(ctx context.Context, tx *sql.Tx, taskType artifact.TaskType, id int64) (*artifact.Record, error) {
	return s.getArtifact(ctx, tx, taskType, id)
}

// ArtifactExists reports whether an artifact of the given type and id exists.
func (s *Store) ArtifactExists(ctx context.Context, taskType artifact.TaskType, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts
		WHERE id = ? AND task_type = ?`, id, string(taskType)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("artifact exists: %w", err)
	}
	return n > 0, nil
}

// LineageMember is the slice of an artifact row the versioning engine needs.
type LineageMember struct {
	ID      int64
	Version int
}

// ActiveLineageTx returns the active members of the lineage keyed by
// (taskType, parent, parentType). A nil parentType skips the parent_type
// filter; epics are keyed by their external team id alone.
func (s *Store) ActiveLineageTx(ctx context.Context, tx *sql.Tx, taskType artifact.TaskType, parent int64, parentType *artifact.TaskType) ([]LineageMember, error) {
	query := `SELECT id, version FROM artifacts
		WHERE task_type = ? AND parent = ? AND is_active = 1`
	args := []any{string(taskType), parent}
	if parentType != nil {
		query += ` AND parent_type = ?`
		args = append(args, string(*parentType))
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active lineage: %w", err)
	}
	defer rows.Close()

	var members []LineageMember
	for rows.Next() {
		var m LineageMember
		if err := rows.Scan(&m.ID, &m.Version); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeactivateArtifactsTx clears is_active on the given artifact ids, and on
// their actions when withActions is set (test case lineages).
func (s *Store) DeactivateArtifactsTx(ctx context.Context, tx *sql.Tx, ids []int64, withActions bool) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET is_active = 0, updated_at = ?
		WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("deactivate artifacts: %w", err)
	}
	if withActions {
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET is_active = 0
			WHERE is_active = 1 AND test_case_id IN (`+placeholders+`)`, args[1:]...); err != nil {
			return fmt.Errorf("deactivate actions: %w", err)
		}
	}
	return nil
}

// UpdateArtifactTx writes back every mutable column of rec. Used by the
// reprocessor after merging parsed update fields.
func (s *Store) UpdateArtifactTx(ctx context.Context, tx *sql.Tx, rec *artifact.Record) error {
	tagsCol, err := nullTags(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET
		title = ?, description = ?, tags = ?, reflection = ?, summary = ?,
		acceptance_criteria = ?, priority = ?, dod = ?, dor = ?, estimate = ?,
		gherkin = ?, script = ?, wbs = ?, repro_steps = ?, system_info = ?,
		version = ?, is_active = ?, prompt_tokens = ?, completion_tokens = ?,
		work_item_id = ?, parent_board_id = ?, platform = ?, updated_at = ?
		WHERE id = ?`,
		rec.Title, rec.Description, tagsCol, nullJSON(rec.Reflection), nullStr(rec.Summary),
		nullStr(rec.AcceptanceCriteria), nullStr(rec.Priority), nullStr(rec.DoD), nullStr(rec.DoR),
		nullStr(rec.Estimate), nullJSON(rec.Gherkin), nullStr(rec.Script), nullJSON(rec.WBS),
		nullStr(rec.ReproSteps), nullStr(rec.SystemInfo),
		rec.Version, rec.IsActive, rec.PromptTokens, rec.CompletionTokens,
		nullStr(rec.WorkItemID), nullStr(rec.ParentBoardID), nullPlatform(rec.Platform),
		rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update artifact: %w", wrapConstraint(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceActionsTx deletes every action of the test case and inserts the new
// set. Explicit delete-then-insert inside the caller's transaction; no
// reliance on cascades.
func (s *Store) ReplaceActionsTx(ctx context.Context, tx *sql.Tx, testCaseID int64, actions []artifact.Action) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE test_case_id = ?`, testCaseID); err != nil {
		return fmt.Errorf("delete actions: %w", err)
	}
	for i := range actions {
		actions[i].TestCaseID = testCaseID
		if err := s.insertActionTx(ctx, tx, &actions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) actionsFor(ctx context.Context, q querier, testCaseID int64) ([]artifact.Action, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, test_case_id, step, expected_result,
		version, is_active, platform FROM actions WHERE test_case_id = ? ORDER BY id`, testCaseID)
	if err != nil {
		return nil, fmt.Errorf("actions for test case: %w", err)
	}
	defer rows.Close()

	var out []artifact.Action
	for rows.Next() {
		var a artifact.Action
		var platCol sql.NullString
		if err := rows.Scan(&a.ID, &a.TestCaseID, &a.Step, &a.ExpectedResult,
			&a.Version, &a.IsActive, &platCol); err != nil {
			return nil, err
		}
		a.Platform = platform(platCol)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActionsFor returns all actions of a test case ordered by insertion.
func (s *Store) ActionsFor(ctx context.Context, testCaseID int64) ([]artifact.Action, error) {
	return s.actionsFor(ctx, s.db, testCaseID)
}
