package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// CloudContextDao reads and writes cloud context rows. Each row is stamped
// with the workflow that created it; the creation workflow's undo only
// removes a row carrying its own stamp, so a losing racer never deletes the
// winner's context.
type CloudContextDao struct {
	db *sql.DB
}

func NewCloudContextDao(db *sql.DB) *CloudContextDao {
	return &CloudContextDao{db: db}
}

// CreateCloudContext inserts cc on behalf of workflowID. A row already
// created by the same workflow is success; one created by any other workflow
// is a ConflictError.
func (d *CloudContextDao) CreateCloudContext(ctx context.Context, cc models.CloudContext, workflowID string) error {
	payload, err := cc.SerializeContext()
	if err != nil {
		return models.BadRequestf("%v", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO cloud_context (workspace_id, cloud_platform, context, creating_flight, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cc.WorkspaceID.String(), string(cc.Platform), payload, workflowID, time.Now().UTC())
	switch {
	case err == nil:
		log.Info().
			Str("workspace_id", cc.WorkspaceID.String()).
			Str("platform", string(cc.Platform)).
			Str("workflow_id", workflowID).
			Msg("Cloud context stored")
		return nil
	case isForeignKeyViolation(err):
		return models.NotFoundf("workspace %s not found", cc.WorkspaceID)
	case !isUniqueViolation(err):
		return fmt.Errorf("insert cloud context: %w", err)
	}

	var creator sql.NullString
	err = d.db.QueryRowContext(ctx, `
		SELECT creating_flight FROM cloud_context WHERE workspace_id = ? AND cloud_platform = ?`,
		cc.WorkspaceID.String(), string(cc.Platform)).Scan(&creator)
	if err != nil {
		return fmt.Errorf("read cloud context creator: %w", err)
	}
	if creator.Valid && creator.String == workflowID {
		log.Debug().Str("workspace_id", cc.WorkspaceID.String()).Msg("Cloud context already stored by this workflow (idempotent)")
		return nil
	}
	return models.Conflictf("workspace %s already has a %s cloud context", cc.WorkspaceID, cc.Platform)
}

// GetCloudContext returns the context or a NotFoundError.
func (d *CloudContextDao) GetCloudContext(ctx context.Context, workspaceID uuid.UUID, platform models.CloudPlatform) (*models.CloudContext, error) {
	var payload string
	var creator sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT context, creating_flight FROM cloud_context WHERE workspace_id = ? AND cloud_platform = ?`,
		workspaceID.String(), string(platform)).Scan(&payload, &creator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("workspace %s has no %s cloud context", workspaceID, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("get cloud context: %w", err)
	}
	cc, err := models.DeserializeContext(workspaceID, platform, payload)
	if err != nil {
		return nil, err
	}
	cc.CreatingWorkflow = creator.String
	return cc, nil
}

// ListCloudContexts returns every context of a workspace.
func (d *CloudContextDao) ListCloudContexts(ctx context.Context, workspaceID uuid.UUID) ([]models.CloudContext, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT cloud_platform, context, creating_flight FROM cloud_context
		WHERE workspace_id = ? ORDER BY cloud_platform`, workspaceID.String())
	if err != nil {
		return nil, fmt.Errorf("list cloud contexts: %w", err)
	}
	defer rows.Close()

	var out []models.CloudContext
	for rows.Next() {
		var platform, payload string
		var creator sql.NullString
		if err := rows.Scan(&platform, &payload, &creator); err != nil {
			return nil, fmt.Errorf("scan cloud context: %w", err)
		}
		cc, err := models.DeserializeContext(workspaceID, models.CloudPlatform(platform), payload)
		if err != nil {
			return nil, err
		}
		cc.CreatingWorkflow = creator.String
		out = append(out, *cc)
	}
	return out, rows.Err()
}

// DeleteCloudContext removes the context regardless of who created it.
func (d *CloudContextDao) DeleteCloudContext(ctx context.Context, workspaceID uuid.UUID, platform models.CloudPlatform) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM cloud_context WHERE workspace_id = ? AND cloud_platform = ?`,
		workspaceID.String(), string(platform))
	if err != nil {
		return fmt.Errorf("delete cloud context: %w", err)
	}
	return nil
}

// DeleteCloudContextWithCheck removes the context only if workflowID created
// it. Nothing to delete is success.
func (d *CloudContextDao) DeleteCloudContextWithCheck(ctx context.Context, workspaceID uuid.UUID, platform models.CloudPlatform, workflowID string) error {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM cloud_context WHERE workspace_id = ? AND cloud_platform = ? AND creating_flight = ?`,
		workspaceID.String(), string(platform), workflowID)
	if err != nil {
		return fmt.Errorf("delete cloud context: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().
			Str("workspace_id", workspaceID.String()).
			Str("platform", string(platform)).
			Str("workflow_id", workflowID).
			Msg("Cloud context removed by its creating workflow")
	}
	return nil
}
