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

// ResourceDao reads and writes resource rows.
type ResourceDao struct {
	db *sql.DB
}

func NewResourceDao(db *sql.DB) *ResourceDao {
	return &ResourceDao{db: db}
}

// ResourceFilter narrows ListResources. Zero values match everything.
type ResourceFilter struct {
	Type        models.ResourceType
	Stewardship models.StewardshipType
}

const resourceColumns = `workspace_id, resource_id, name, description, stewardship_type, resource_type,
	cloning_instructions, attributes, access_scope, managed_by, assigned_user, private_user_roles`

// CreateResource inserts r. Replaying an insert of an identical row succeeds.
// A different resource under the same ID, or another resource with the same
// name in the workspace, is a ConflictError.
func (d *ResourceDao) CreateResource(ctx context.Context, r models.Resource) error {
	if r.Attributes == nil {
		return models.BadRequestf("resource %s has no attributes", r.ResourceID)
	}
	attrs, err := encodeJSON(r.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	var scope, managedBy, assignedUser, roles interface{}
	if c := r.Controlled; c != nil {
		scope = string(c.AccessScope)
		managedBy = string(c.ManagedBy)
		assignedUser = nullString(c.AssignedUser)
		if len(c.PrivateUserRoles) > 0 {
			encoded, err := encodeJSON(c.PrivateUserRoles)
			if err != nil {
				return fmt.Errorf("encode private user roles: %w", err)
			}
			roles = encoded
		}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO resource (`+resourceColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.WorkspaceID.String(), r.ResourceID.String(), r.Name, emptyToNull(r.Description),
		string(r.Stewardship), string(r.Type()), string(r.CloningInstructions), attrs,
		scope, managedBy, assignedUser, roles, time.Now().UTC())
	switch {
	case err == nil:
		log.Info().
			Str("workspace_id", r.WorkspaceID.String()).
			Str("resource_id", r.ResourceID.String()).
			Str("resource_type", string(r.Type())).
			Msg("Resource metadata stored")
		return nil
	case isForeignKeyViolation(err):
		return models.NotFoundf("workspace %s not found", r.WorkspaceID)
	case !isUniqueViolation(err):
		return fmt.Errorf("insert resource: %w", err)
	}

	existing, getErr := d.GetResource(ctx, r.WorkspaceID, r.ResourceID)
	if getErr == nil {
		if existing.SameDefinition(r) {
			log.Debug().Str("resource_id", r.ResourceID.String()).Msg("Resource already stored (idempotent)")
			return nil
		}
		return models.Conflictf("resource with id %s already exists", r.ResourceID)
	}
	if !models.IsNotFound(getErr) {
		return getErr
	}
	return models.Conflictf("a resource named %s already exists in workspace %s", r.Name, r.WorkspaceID)
}

// GetResource returns the resource or a NotFoundError.
func (d *ResourceDao) GetResource(ctx context.Context, workspaceID, resourceID uuid.UUID) (*models.Resource, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource
		WHERE workspace_id = ? AND resource_id = ?`, workspaceID.String(), resourceID.String())
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("resource %s not found in workspace %s", resourceID, workspaceID)
	}
	return r, err
}

// GetResourceByName returns the resource with the given name or a NotFoundError.
func (d *ResourceDao) GetResourceByName(ctx context.Context, workspaceID uuid.UUID, name string) (*models.Resource, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource
		WHERE workspace_id = ? AND name = ?`, workspaceID.String(), name)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("resource %q not found in workspace %s", name, workspaceID)
	}
	return r, err
}

// ListResources returns a workspace's resources ordered by name.
func (d *ResourceDao) ListResources(ctx context.Context, workspaceID uuid.UUID, filter ResourceFilter, offset, limit int) ([]models.Resource, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + resourceColumns + ` FROM resource WHERE workspace_id = ?`
	args := []interface{}{workspaceID.String()}
	if filter.Type != "" {
		query += ` AND resource_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Stewardship != "" {
		query += ` AND stewardship_type = ?`
		args = append(args, string(filter.Stewardship))
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateResource sets the name and/or description. A name already used by
// another resource is a ConflictError. It reports whether a row was changed.
func (d *ResourceDao) UpdateResource(ctx context.Context, workspaceID, resourceID uuid.UUID, name, description *string) (bool, error) {
	if name == nil && description == nil {
		return false, models.BadRequestf("must specify name or description to update")
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE resource
		SET name = COALESCE(?, name), description = COALESCE(?, description)
		WHERE workspace_id = ? AND resource_id = ?`,
		nullString(name), nullString(description), workspaceID.String(), resourceID.String())
	if isUniqueViolation(err) {
		return false, models.Conflictf("a resource named %s already exists in workspace %s", *name, workspaceID)
	}
	if err != nil {
		return false, fmt.Errorf("update resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteResource removes the row. It reports whether a row was deleted.
func (d *ResourceDao) DeleteResource(ctx context.Context, workspaceID, resourceID uuid.UUID) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM resource WHERE workspace_id = ? AND resource_id = ?`,
		workspaceID.String(), resourceID.String())
	if err != nil {
		return false, fmt.Errorf("delete resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		log.Info().
			Str("workspace_id", workspaceID.String()).
			Str("resource_id", resourceID.String()).
			Msg("Resource metadata deleted")
	}
	return n > 0, nil
}

// ValidateUniqueCloudName checks that no other controlled resource already
// names the same cloud object. Bucket names are global; dataset names,
// notebook instances and storage containers are unique per workspace.
func (d *ResourceDao) ValidateUniqueCloudName(ctx context.Context, r models.Resource) error {
	if r.Stewardship != models.StewardshipControlled {
		return nil
	}

	var (
		query string
		args  []interface{}
		what  string
	)
	base := `SELECT COUNT(*) FROM resource
		WHERE stewardship_type = 'CONTROLLED' AND resource_type = ? AND resource_id != ?`

	switch a := r.Attributes.(type) {
	case models.GcsBucketAttributes:
		query = base + ` AND json_extract(attributes, '$.bucketName') = ?`
		args = []interface{}{string(a.ResourceType()), r.ResourceID.String(), a.BucketName}
		what = fmt.Sprintf("a bucket named %s", a.BucketName)
	case models.BigQueryDatasetAttributes:
		query = base + ` AND workspace_id = ? AND json_extract(attributes, '$.datasetId') = ?`
		args = []interface{}{string(a.ResourceType()), r.ResourceID.String(), r.WorkspaceID.String(), a.DatasetName}
		what = fmt.Sprintf("a dataset named %s", a.DatasetName)
	case models.AiNotebookAttributes:
		query = base + ` AND workspace_id = ? AND json_extract(attributes, '$.instanceId') = ?
			AND json_extract(attributes, '$.location') = ?`
		args = []interface{}{string(a.ResourceType()), r.ResourceID.String(), r.WorkspaceID.String(), a.InstanceID, a.Location}
		what = fmt.Sprintf("a notebook instance %s in %s", a.InstanceID, a.Location)
	case models.AzureStorageContainerAttributes:
		query = base + ` AND workspace_id = ? AND json_extract(attributes, '$.storageAccountName') = ?
			AND json_extract(attributes, '$.storageContainerName') = ?`
		args = []interface{}{string(a.ResourceType()), r.ResourceID.String(), r.WorkspaceID.String(), a.StorageAccountName, a.ContainerName}
		what = fmt.Sprintf("a storage container %s/%s", a.StorageAccountName, a.ContainerName)
	default:
		return nil
	}

	var n int
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("check cloud name uniqueness: %w", err)
	}
	if n > 0 {
		return models.Conflictf("%s already exists", what)
	}
	return nil
}

func scanResource(row scanner) (*models.Resource, error) {
	var (
		wsID, resID, name, stewardship, rtype, cloning, attrs string
		desc, scope, managedBy, assignedUser, roles           sql.NullString
	)
	err := row.Scan(&wsID, &resID, &name, &desc, &stewardship, &rtype, &cloning, &attrs,
		&scope, &managedBy, &assignedUser, &roles)
	if err != nil {
		return nil, err
	}

	r := &models.Resource{
		Name:                name,
		Description:         desc.String,
		Stewardship:         models.StewardshipType(stewardship),
		CloningInstructions: models.CloningInstructions(cloning),
	}
	if r.WorkspaceID, err = uuid.Parse(wsID); err != nil {
		return nil, fmt.Errorf("parse workspace id %q: %w", wsID, err)
	}
	if r.ResourceID, err = uuid.Parse(resID); err != nil {
		return nil, fmt.Errorf("parse resource id %q: %w", resID, err)
	}
	if r.Attributes, err = models.DecodeAttributes(models.ResourceType(rtype), []byte(attrs)); err != nil {
		return nil, err
	}

	if scope.Valid {
		r.Controlled = &models.ControlledFields{
			AccessScope:  models.AccessScope(scope.String),
			ManagedBy:    models.ManagedBy(managedBy.String),
			AssignedUser: ptrFromNull(assignedUser),
		}
		if roles.Valid {
			if err := json.Unmarshal([]byte(roles.String), &r.Controlled.PrivateUserRoles); err != nil {
				return nil, fmt.Errorf("decode private user roles of %s: %w", resID, err)
			}
		}
	}
	return r, nil
}
