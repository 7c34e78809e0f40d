package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
)

const requestColumns = `request_id, parent, parent_type, project_id, task_type,
	status, error_message, artifact_type, artifact_id, platform,
	created_at, processed_at, updated_at`

// InsertRequest persists a new pending request row.
func (s *Store) InsertRequest(ctx context.Context, r *artifact.Request) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, nullInt(r.Parent), nullTaskType(r.ParentType), nullStr(r.ProjectID),
		string(r.TaskType), string(r.Status), nullStr(r.ErrorMessage),
		nullTaskType(r.ArtifactType), nullInt(r.ArtifactID), nullPlatform(r.Platform),
		r.CreatedAt, nullTime(r.ProcessedAt), nullTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert request: %w", wrapConstraint(err))
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRequest loads a request by its external request id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*artifact.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, `+requestColumns+`
		FROM requests WHERE request_id = ?`, requestID)

	var (
		r                               artifact.Request
		parent, artifactID              sql.NullInt64
		parentType, projectID           sql.NullString
		errMsg, artifactType, platformS sql.NullString
		taskType, status                string
		processedAt, updatedAt          sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RequestID, &parent, &parentType, &projectID, &taskType,
		&status, &errMsg, &artifactType, &artifactID, &platformS,
		&r.CreatedAt, &processedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}

	r.Parent = intPtr(parent)
	r.ParentType = taskTypePtr(parentType)
	r.ProjectID = strPtr(projectID)
	r.TaskType = artifact.TaskType(taskType)
	r.Status = artifact.Status(status)
	r.ErrorMessage = strPtr(errMsg)
	r.ArtifactType = taskTypePtr(artifactType)
	r.ArtifactID = intPtr(artifactID)
	r.Platform = platform(platformS)
	r.ProcessedAt = timePtr(processedAt)
	r.UpdatedAt = timePtr(updatedAt)
	return &r, nil
}

// SetRequestStatus moves a request to status, recording the error message for
// failures and the processed timestamp for completions. It runs on its own
// connection so it survives a rolled-back artifact transaction.
func (s *Store) SetRequestStatus(ctx context.Context, requestID string, status artifact.Status, errorMessage string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case artifact.StatusCompleted:
		res, err = s.db.ExecContext(ctx, `UPDATE requests
			SET status = ?, processed_at = ?, updated_at = ?, error_message = NULL
			WHERE request_id = ?`, string(status), now, now, requestID)
	case artifact.StatusFailed:
		if errorMessage == "" {
			errorMessage = "processing failed"
		}
		res, err = s.db.ExecContext(ctx, `UPDATE requests
			SET status = ?, error_message = ?, updated_at = ?
			WHERE request_id = ?`, string(status), errorMessage, now, requestID)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE requests
			SET status = ?, updated_at = ? WHERE request_id = ?`,
			string(status), now, requestID)
	}
	if err != nil {
		return fmt.Errorf("set request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
