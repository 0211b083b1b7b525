package dao

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// WorkspaceDao reads and writes workspace rows.
type WorkspaceDao struct {
	db *sql.DB
}

func NewWorkspaceDao(db *sql.DB) *WorkspaceDao {
	return &WorkspaceDao{db: db}
}

// CreateWorkspace inserts ws. Inserting a row that already exists with the
// same definition succeeds, so a replayed step is harmless. Any other clash on
// the ID is a ConflictError.
func (d *WorkspaceDao) CreateWorkspace(ctx context.Context, ws models.Workspace) error {
	props := ws.Properties
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := encodeJSON(props)
	if err != nil {
		return fmt.Errorf("encode workspace properties: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO workspace (workspace_id, display_name, description, spend_profile,
			properties, workspace_stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID.String(), emptyToNull(ws.DisplayName), emptyToNull(ws.Description),
		nullString(ws.SpendProfileID), propsJSON, string(ws.Stage),
		time.Now().UTC(), time.Now().UTC())
	if err == nil {
		log.Info().Str("workspace_id", ws.ID.String()).Str("stage", string(ws.Stage)).Msg("Workspace created")
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("insert workspace: %w", err)
	}

	existing, getErr := d.GetWorkspace(ctx, ws.ID)
	if getErr != nil {
		return fmt.Errorf("read back workspace %s: %w", ws.ID, getErr)
	}
	if existing.SameDefinition(ws) {
		log.Debug().Str("workspace_id", ws.ID.String()).Msg("Workspace already exists (idempotent)")
		return nil
	}
	return models.Conflictf("workspace with id %s already exists", ws.ID)
}

// GetWorkspace returns the workspace or a NotFoundError.
func (d *WorkspaceDao) GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT workspace_id, display_name, description, spend_profile, properties, workspace_stage
		FROM workspace WHERE workspace_id = ?`, id.String())
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("workspace %s not found", id)
	}
	return ws, err
}

// ListWorkspaces returns workspaces ordered by ID. When ids is non-nil only
// those workspaces are considered.
func (d *WorkspaceDao) ListWorkspaces(ctx context.Context, ids []uuid.UUID, offset, limit int) ([]models.Workspace, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT workspace_id, display_name, description, spend_profile, properties, workspace_stage
		FROM workspace`
	var args []interface{}
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		query += ` WHERE workspace_id IN (?` + repeatPlaceholders(len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id.String())
		}
	}
	query += ` ORDER BY workspace_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// UpdateWorkspace sets the name and/or description. It reports whether a row
// was changed.
func (d *WorkspaceDao) UpdateWorkspace(ctx context.Context, id uuid.UUID, upd models.WorkspaceUpdate) (bool, error) {
	if upd.DisplayName == nil && upd.Description == nil {
		return false, models.BadRequestf("must specify name or description to update")
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE workspace
		SET display_name = COALESCE(?, display_name),
			description = COALESCE(?, description),
			updated_at = ?
		WHERE workspace_id = ?`,
		nullString(upd.DisplayName), nullString(upd.Description), time.Now().UTC(), id.String())
	if err != nil {
		return false, fmt.Errorf("update workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteWorkspace removes the workspace row; cloud contexts and resources go
// with it. It reports whether a row was deleted.
func (d *WorkspaceDao) DeleteWorkspace(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM workspace WHERE workspace_id = ?`, id.String())
	if err != nil {
		return false, fmt.Errorf("delete workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		log.Info().Str("workspace_id", id.String()).Msg("Workspace deleted")
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row scanner) (*models.Workspace, error) {
	var (
		id, stage, props         string
		name, desc, spendProfile sql.NullString
	)
	if err := row.Scan(&id, &name, &desc, &spendProfile, &props, &stage); err != nil {
		return nil, err
	}
	wsID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse workspace id %q: %w", id, err)
	}
	ws := &models.Workspace{
		ID:             wsID,
		Stage:          models.WorkspaceStage(stage),
		DisplayName:    name.String,
		Description:    desc.String,
		SpendProfileID: ptrFromNull(spendProfile),
	}
	if err := json.Unmarshal([]byte(props), &ws.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of workspace %s: %w", id, err)
	}
	if len(ws.Properties) == 0 {
		ws.Properties = nil
	}
	return ws, nil
}

func repeatPlaceholders(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ", ?"...)
	}
	return string(out)
}
