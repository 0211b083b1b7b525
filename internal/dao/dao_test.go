package dao

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclearlighters/workspace-manager/internal/database"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "dao.db"))
	require.NoError(t, err)
	require.NoError(t, database.MigrateAndSeed(db))
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func newWorkspace(t *testing.T, s *Stores) models.Workspace {
	t.Helper()
	ws := models.Workspace{
		ID:          uuid.New(),
		Stage:       models.StageMC,
		DisplayName: "analysis",
		Properties:  map[string]string{"team": "genomics"},
	}
	require.NoError(t, s.Workspaces.CreateWorkspace(context.Background(), ws))
	return ws
}

func bucketResource(wsID uuid.UUID, name, bucket string) models.Resource {
	return models.Resource{
		WorkspaceID:         wsID,
		ResourceID:          uuid.New(),
		Name:                name,
		CloningInstructions: models.CloneResource,
		Stewardship:         models.StewardshipControlled,
		Controlled: &models.ControlledFields{
			AccessScope: models.AccessScopeShared,
			ManagedBy:   models.ManagedByUser,
		},
		Attributes: models.GcsBucketAttributes{BucketName: bucket},
	}
}

func TestWorkspace_CreateGet(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)

	got, err := s.Workspaces.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, got.SameDefinition(ws))
	assert.Equal(t, "genomics", got.Properties["team"])

	_, err = s.Workspaces.GetWorkspace(ctx, uuid.New())
	assert.True(t, models.IsNotFound(err))
}

func TestWorkspace_CreateReplay(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)

	assert.NoError(t, s.Workspaces.CreateWorkspace(ctx, ws), "identical replay succeeds")

	other := ws
	other.DisplayName = "something else"
	err := s.Workspaces.CreateWorkspace(ctx, other)
	assert.True(t, models.IsConflict(err))
}

func TestWorkspace_UpdateDelete(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)

	_, err := s.Workspaces.UpdateWorkspace(ctx, ws.ID, models.WorkspaceUpdate{})
	assert.Equal(t, 400, models.StatusCode(err))

	desc := "new description"
	changed, err := s.Workspaces.UpdateWorkspace(ctx, ws.ID, models.WorkspaceUpdate{Description: &desc})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.Workspaces.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "analysis", got.DisplayName)
	assert.Equal(t, desc, got.Description)

	deleted, err := s.Workspaces.DeleteWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Workspaces.DeleteWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWorkspace_List(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	a := newWorkspace(t, s)
	b := newWorkspace(t, s)
	newWorkspace(t, s)

	all, err := s.Workspaces.ListWorkspaces(ctx, nil, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := s.Workspaces.ListWorkspaces(ctx, []uuid.UUID{a.ID, b.ID}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, some, 2)

	none, err := s.Workspaces.ListWorkspaces(ctx, []uuid.UUID{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCloudContext_CreatorStamp(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)
	cc := models.CloudContext{
		WorkspaceID: ws.ID,
		Platform:    models.PlatformGCP,
		Gcp:         &models.GcpCloudContext{ProjectID: "wsm-abc"},
	}

	require.NoError(t, s.CloudContexts.CreateCloudContext(ctx, cc, "flight-a"))
	assert.NoError(t, s.CloudContexts.CreateCloudContext(ctx, cc, "flight-a"), "same creator replays")

	err := s.CloudContexts.CreateCloudContext(ctx, cc, "flight-b")
	assert.True(t, models.IsConflict(err))

	// The loser's undo must not remove the winner's row
	require.NoError(t, s.CloudContexts.DeleteCloudContextWithCheck(ctx, ws.ID, models.PlatformGCP, "flight-b"))
	got, err := s.CloudContexts.GetCloudContext(ctx, ws.ID, models.PlatformGCP)
	require.NoError(t, err)
	assert.Equal(t, "wsm-abc", got.Gcp.ProjectID)
	assert.Equal(t, "flight-a", got.CreatingWorkflow)

	require.NoError(t, s.CloudContexts.DeleteCloudContextWithCheck(ctx, ws.ID, models.PlatformGCP, "flight-a"))
	_, err = s.CloudContexts.GetCloudContext(ctx, ws.ID, models.PlatformGCP)
	assert.True(t, models.IsNotFound(err))
}

func TestCloudContext_ConcurrentCreatorsOneWins(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc := models.CloudContext{
				WorkspaceID: ws.ID,
				Platform:    models.PlatformGCP,
				Gcp:         &models.GcpCloudContext{ProjectID: "wsm-" + uuid.NewString()[:8]},
			}
			errs[i] = s.CloudContexts.CreateCloudContext(ctx, cc, uuid.NewString())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, models.IsConflict(err), "loser sees a conflict, got %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCloudContext_AzureAndList(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)

	az := models.CloudContext{
		WorkspaceID: ws.ID,
		Platform:    models.PlatformAzure,
		Azure:       &models.AzureCloudContext{TenantID: "t", SubscriptionID: "s", ResourceGroupID: "rg"},
	}
	require.NoError(t, s.CloudContexts.CreateCloudContext(ctx, az, "flight-az"))

	list, err := s.CloudContexts.ListCloudContexts(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rg", list[0].Azure.ResourceGroupID)

	require.NoError(t, s.CloudContexts.DeleteCloudContext(ctx, ws.ID, models.PlatformAzure))
	list, err = s.CloudContexts.ListCloudContexts(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCloudContext_UnknownWorkspace(t *testing.T) {
	s := newTestStores(t)
	cc := models.CloudContext{
		WorkspaceID: uuid.New(),
		Platform:    models.PlatformGCP,
		Gcp:         &models.GcpCloudContext{ProjectID: "wsm-x"},
	}
	err := s.CloudContexts.CreateCloudContext(context.Background(), cc, "flight")
	assert.True(t, models.IsNotFound(err))
}

func TestResource_CreateReplayAndConflicts(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)
	r := bucketResource(ws.ID, "raw-data", "raw-data-bucket")

	require.NoError(t, s.Resources.CreateResource(ctx, r))
	assert.NoError(t, s.Resources.CreateResource(ctx, r), "identical replay succeeds")

	changed := r
	changed.Description = "different"
	assert.True(t, models.IsConflict(s.Resources.CreateResource(ctx, changed)))

	sameName := bucketResource(ws.ID, "raw-data", "another-bucket")
	err := s.Resources.CreateResource(ctx, sameName)
	assert.True(t, models.IsConflict(err))
	assert.Contains(t, err.Error(), "raw-data")

	got, err := s.Resources.GetResource(ctx, ws.ID, r.ResourceID)
	require.NoError(t, err)
	assert.True(t, got.SameDefinition(r))
}

func TestResource_PrivateFieldsRoundTrip(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)
	user := "alice@example.com"
	r := models.Resource{
		WorkspaceID:         ws.ID,
		ResourceID:          uuid.New(),
		Name:                "notebook",
		CloningInstructions: models.CloneNothing,
		Stewardship:         models.StewardshipControlled,
		Controlled: &models.ControlledFields{
			AccessScope:      models.AccessScopePrivate,
			ManagedBy:        models.ManagedByUser,
			AssignedUser:     &user,
			PrivateUserRoles: []models.ControlledResourceRole{models.ResourceRoleReader, models.ResourceRoleWriter},
		},
		Attributes: models.AiNotebookAttributes{InstanceID: "nb-1", Location: "us-central1-a"},
	}
	require.NoError(t, s.Resources.CreateResource(ctx, r))

	got, err := s.Resources.GetResourceByName(ctx, ws.ID, "notebook")
	require.NoError(t, err)
	require.NotNil(t, got.Controlled)
	assert.Equal(t, user, *got.Controlled.AssignedUser)
	assert.Len(t, got.Controlled.PrivateUserRoles, 2)
	assert.Equal(t, models.AiNotebookAttributes{InstanceID: "nb-1", Location: "us-central1-a"}, got.Attributes)
}

func TestResource_ValidateUniqueCloudName(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws1 := newWorkspace(t, s)
	ws2 := newWorkspace(t, s)

	require.NoError(t, s.Resources.CreateResource(ctx, bucketResource(ws1.ID, "b", "shared-bucket")))

	// Bucket names are global
	err := s.Resources.ValidateUniqueCloudName(ctx, bucketResource(ws2.ID, "b", "shared-bucket"))
	assert.True(t, models.IsConflict(err))
	assert.NoError(t, s.Resources.ValidateUniqueCloudName(ctx, bucketResource(ws2.ID, "b", "other-bucket")))

	dataset := func(wsID uuid.UUID) models.Resource {
		r := bucketResource(wsID, "ds", "")
		r.Attributes = models.BigQueryDatasetAttributes{DatasetName: "cohort"}
		return r
	}
	require.NoError(t, s.Resources.CreateResource(ctx, dataset(ws1.ID)))

	// Dataset names are per workspace
	assert.True(t, models.IsConflict(s.Resources.ValidateUniqueCloudName(ctx, dataset(ws1.ID))))
	assert.NoError(t, s.Resources.ValidateUniqueCloudName(ctx, dataset(ws2.ID)))
}

func TestResource_ListUpdateDelete(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ws := newWorkspace(t, s)
	a := bucketResource(ws.ID, "a", "bucket-aaa")
	b := bucketResource(ws.ID, "b", "bucket-bbb")
	ref := models.Resource{
		WorkspaceID:         ws.ID,
		ResourceID:          uuid.New(),
		Name:                "c",
		CloningInstructions: models.CloneReference,
		Stewardship:         models.StewardshipReferenced,
		Attributes:          models.DataRepoSnapshotAttributes{InstanceName: "terra", SnapshotID: "snap"},
	}
	for _, r := range []models.Resource{a, b, ref} {
		require.NoError(t, s.Resources.CreateResource(ctx, r))
	}

	all, err := s.Resources.ListResources(ctx, ws.ID, ResourceFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)

	controlled, err := s.Resources.ListResources(ctx, ws.ID, ResourceFilter{Stewardship: models.StewardshipControlled}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, controlled, 2)

	taken := "b"
	_, err = s.Resources.UpdateResource(ctx, ws.ID, a.ResourceID, &taken, nil)
	assert.True(t, models.IsConflict(err))

	renamed := "renamed"
	ok, err := s.Resources.UpdateResource(ctx, ws.ID, a.ResourceID, &renamed, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Resources.DeleteResource(ctx, ws.ID, a.ResourceID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.Resources.GetResource(ctx, ws.ID, a.ResourceID)
	assert.True(t, models.IsNotFound(err))
}
