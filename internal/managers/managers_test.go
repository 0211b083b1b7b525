package managers

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclearlighters/workspace-manager/internal/cloud/emulator"
	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/database"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/workflows"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

var (
	alice = iam.AuthenticatedUser{Email: "alice@example.org", SubjectID: "alice", Token: "a"}
	bob   = iam.AuthenticatedUser{Email: "bob@example.org", SubjectID: "bob", Token: "b"}
)

func testPolicies() workflows.Policies {
	fixed := flowengine.FixedInterval(5*time.Millisecond, 3)
	return workflows.Policies{
		NoRetry:          flowengine.NoRetry(),
		ShortDatabase:    fixed,
		ShortExponential: fixed,
		Cloud:            fixed,
		CloudLongRunning: flowengine.FixedInterval(5*time.Millisecond, 10),
		Buffer:           fixed,
		DeleteAuthz:      fixed,
		DeleteMetadata:   fixed,
		Undo:             fixed,
	}
}

func newOrchestrator(t *testing.T) (*Orchestrator, *emulator.Emulator) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "managers.db"))
	require.NoError(t, err)
	require.NoError(t, database.MigrateAndSeed(db))
	t.Cleanup(func() { db.Close() })

	emu := emulator.New(emulator.Options{})
	o, err := NewOrchestrator(OrchestratorConfig{
		DB:             db,
		IAM:            iam.NewMockService(),
		GCP:            emu,
		Azure:          emu,
		BillingAccount: "billingAccounts/000000-AAAAAA-BBBBBB",
		Wait:           steps.WaitConfig{PollInterval: 10 * time.Millisecond, MaxCycles: 1000},
		Transfer: steps.TransferPolling{
			JobPollInterval: time.Millisecond,
			JobPollAttempts: 5,
			OpPollInterval:  time.Millisecond,
			OpPollAttempts:  5,
		},
		Engine: flowengine.EngineConfig{
			ActivePollInterval:     10 * time.Millisecond,
			IdlePollInterval:       20 * time.Millisecond,
			ReaperInterval:         time.Second,
			LockDuration:           time.Minute,
			MaxConcurrentWorkflows: 32,
			NodeID:                 "managers-test",
		},
		Policies: testPolicies(),
	})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { o.Close() })
	return o, emu
}

func createWorkspace(t *testing.T, o *Orchestrator) uuid.UUID {
	t.Helper()
	id, err := o.Workspaces.Create(context.Background(), alice, CreateWorkspaceRequest{
		ID:          uuid.New(),
		Stage:       models.StageMC,
		DisplayName: "lab",
	})
	require.NoError(t, err)
	return id
}

func waitJob(t *testing.T, o *Orchestrator, jobID string) {
	t.Helper()
	_, err := o.Engine().WaitForCompletion(context.Background(), jobID, 10*time.Millisecond, 3000)
	require.NoError(t, err)
}

func createGcpWorkspace(t *testing.T, o *Orchestrator) uuid.UUID {
	t.Helper()
	id := createWorkspace(t, o)
	jobID, err := o.Workspaces.CreateCloudContext(context.Background(), alice, id, CreateCloudContextRequest{
		JobID:    uuid.NewString(),
		Platform: models.PlatformGCP,
	})
	require.NoError(t, err)
	waitJob(t, o, jobID)
	res, err := FetchResult[models.CloudContext](context.Background(), o.Jobs, alice, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobSucceeded, res.JobReport.Status, "%+v", res.ErrorReport)
	return id
}

func bucketRequest(name string) CreateControlledResourceRequest {
	attrs, _ := json.Marshal(models.GcsBucketAttributes{
		BucketName: name + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	})
	return CreateControlledResourceRequest{
		Name:                name,
		CloningInstructions: models.CloneResource,
		AccessScope:         models.AccessScopeShared,
		ResourceType:        models.ResourceTypeGcsBucket,
		Attributes:          attrs,
	}
}

func TestWorkspaceManager_Lifecycle(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()

	id := createWorkspace(t, o)
	got, err := o.Workspaces.Get(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, "lab", got.DisplayName)
	assert.Nil(t, got.GcpContext)

	list, err := o.Workspaces.List(ctx, alice, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	name := "renamed"
	updated, err := o.Workspaces.Update(ctx, alice, id, models.WorkspaceUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.DisplayName)

	require.NoError(t, o.Workspaces.Delete(ctx, alice, id))
	_, err = o.Workspaces.Get(ctx, alice, id)
	assert.True(t, models.IsNotFound(err))
}

func TestWorkspaceManager_RejectsInvalidRequests(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()

	_, err := o.Workspaces.Create(ctx, alice, CreateWorkspaceRequest{})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "got %v", err)

	_, err = o.Workspaces.Create(ctx, alice, CreateWorkspaceRequest{ID: uuid.New(), Stage: "SOMETHING"})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "got %v", err)

	_, err = o.Workspaces.List(ctx, alice, Page{Limit: 0})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "got %v", err)

	id := createWorkspace(t, o)
	_, err = o.Workspaces.CreateCloudContext(ctx, alice, id, CreateCloudContextRequest{
		JobID:    uuid.NewString(),
		Platform: models.PlatformAzure,
	})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "azure without a context: %v", err)

	_, err = o.Workspaces.Update(ctx, alice, id, models.WorkspaceUpdate{})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "got %v", err)
}

func TestWorkspaceManager_Permissions(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	id := createWorkspace(t, o)

	_, err := o.Workspaces.Get(ctx, bob, id)
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err))
	_, err = o.Workspaces.Get(ctx, alice, uuid.New())
	assert.Equal(t, http.StatusNotFound, models.StatusCode(err))

	require.NoError(t, o.Workspaces.GrantRole(ctx, alice, id, RoleRequest{Role: iam.RoleReader, Email: bob.Email}))
	_, err = o.Workspaces.Get(ctx, bob, id)
	require.NoError(t, err)

	desc := "bob was here"
	_, err = o.Workspaces.Update(ctx, bob, id, models.WorkspaceUpdate{Description: &desc})
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err), "readers cannot write")
	err = o.Workspaces.GrantRole(ctx, bob, id, RoleRequest{Role: iam.RoleOwner, Email: bob.Email})
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err), "only owners change roles")

	require.NoError(t, o.Workspaces.RemoveRole(ctx, alice, id, RoleRequest{Role: iam.RoleReader, Email: bob.Email}))
	_, err = o.Workspaces.Get(ctx, bob, id)
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err))

	err = o.Workspaces.GrantRole(ctx, alice, id, RoleRequest{Role: "VISITOR", Email: bob.Email})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err))
}

func TestCloudContextJob(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	id := createWorkspace(t, o)

	req := CreateCloudContextRequest{JobID: uuid.NewString(), Platform: models.PlatformGCP}
	jobID, err := o.Workspaces.CreateCloudContext(ctx, alice, id, req)
	require.NoError(t, err)
	assert.Equal(t, req.JobID, jobID)

	again, err := o.Workspaces.CreateCloudContext(ctx, alice, id, req)
	require.NoError(t, err, "resubmitting a job id is accepted")
	assert.Equal(t, jobID, again)

	waitJob(t, o, jobID)
	report, err := o.Jobs.Report(ctx, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, report.Status)
	assert.Equal(t, http.StatusOK, report.StatusCode)
	assert.NotNil(t, report.Completed)
	assert.Equal(t, "/api/job/v1/jobs/"+jobID+"/result", report.ResultURL)

	res, err := FetchResult[models.CloudContext](ctx, o.Jobs, alice, jobID)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	require.NotNil(t, res.Response.Gcp)
	assert.Nil(t, res.ErrorReport)

	got, err := o.Workspaces.Get(ctx, alice, id)
	require.NoError(t, err)
	require.NotNil(t, got.GcpContext)
	assert.Equal(t, res.Response.Gcp.ProjectID, got.GcpContext.ProjectID)

	_, err = o.Jobs.Report(ctx, bob, jobID)
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err))
	_, err = o.Jobs.Report(ctx, alice, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, models.StatusCode(err))

	require.NoError(t, o.Workspaces.DeleteCloudContext(ctx, alice, id, models.PlatformGCP))
	err = o.Workspaces.DeleteCloudContext(ctx, alice, id, models.PlatformGCP)
	assert.Equal(t, http.StatusNotFound, models.StatusCode(err))
}

func TestFailedJobCarriesErrorReport(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	id := createWorkspace(t, o)

	// The resource group was never provisioned, so validation fails.
	jobID, err := o.Workspaces.CreateCloudContext(ctx, alice, id, CreateCloudContextRequest{
		JobID:    uuid.NewString(),
		Platform: models.PlatformAzure,
		Azure: &models.AzureCloudContext{
			TenantID:        "tenant",
			SubscriptionID:  "subscription",
			ResourceGroupID: "mrg-missing",
		},
	})
	require.NoError(t, err)
	waitJob(t, o, jobID)

	res, err := FetchResult[models.CloudContext](ctx, o.Jobs, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, res.JobReport.Status)
	assert.Nil(t, res.Response)
	require.NotNil(t, res.ErrorReport)
	assert.Equal(t, res.JobReport.StatusCode, res.ErrorReport.StatusCode)
	assert.NotEmpty(t, res.ErrorReport.Message)
}

func TestResourceManager_ControlledLifecycle(t *testing.T) {
	o, emu := newOrchestrator(t)
	ctx := context.Background()
	wsID := createGcpWorkspace(t, o)

	req := bucketRequest("data")
	r, err := o.Resources.CreateControlled(ctx, alice, wsID, req)
	require.NoError(t, err)
	assert.Equal(t, models.StewardshipControlled, r.Stewardship)
	assert.Equal(t, models.ManagedByUser, r.Controlled.ManagedBy)
	bucket := r.Attributes.(models.GcsBucketAttributes)
	_, err = emu.GetBucket(ctx, bucket.BucketName)
	require.NoError(t, err)

	_, err = o.Resources.CreateControlled(ctx, alice, wsID, bucketRequest("data"))
	assert.Equal(t, http.StatusConflict, models.StatusCode(err), "got %v", err)

	list, err := o.Resources.List(ctx, alice, wsID, dao.ResourceFilter{}, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)

	name := "archive"
	class := "COLDLINE"
	updated, err := o.Resources.Update(ctx, alice, wsID, r.ResourceID, UpdateResourceRequest{Name: &name, StorageClass: &class})
	require.NoError(t, err)
	assert.Equal(t, "archive", updated.Name)

	_, err = o.Resources.Update(ctx, alice, wsID, r.ResourceID, UpdateResourceRequest{})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err))

	_, err = o.Resources.Delete(ctx, bob, wsID, r.ResourceID, uuid.NewString())
	assert.Equal(t, http.StatusForbidden, models.StatusCode(err))

	jobID, err := o.Resources.Delete(ctx, alice, wsID, r.ResourceID, uuid.NewString())
	require.NoError(t, err)
	waitJob(t, o, jobID)
	report, err := o.Jobs.Report(ctx, alice, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, report.Status)

	_, err = o.Resources.Get(ctx, alice, wsID, r.ResourceID)
	assert.True(t, models.IsNotFound(err))
}

func TestResourceManager_PrivateResourceIsAssignedToCaller(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	wsID := createGcpWorkspace(t, o)

	req := bucketRequest("mine")
	req.AccessScope = models.AccessScopePrivate
	r, err := o.Resources.CreateControlled(ctx, alice, wsID, req)
	require.NoError(t, err)
	require.NotNil(t, r.Controlled.AssignedUser)
	assert.Equal(t, alice.Email, *r.Controlled.AssignedUser)
}

func TestResourceManager_CreateReference(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	wsID := createWorkspace(t, o)

	attrs, err := json.Marshal(models.GcsBucketAttributes{BucketName: "public-reference-data"})
	require.NoError(t, err)
	r, err := o.Resources.CreateReference(ctx, alice, wsID, CreateReferenceRequest{
		Name:                "public",
		CloningInstructions: models.CloneReference,
		ResourceType:        models.ResourceTypeGcsBucket,
		Attributes:          attrs,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StewardshipReferenced, r.Stewardship)

	got, err := o.Resources.Get(ctx, alice, wsID, r.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, "public", got.Name)

	_, err = o.Resources.Update(ctx, alice, wsID, r.ResourceID, UpdateResourceRequest{Name: &got.Name})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err), "references are not updated through this path")

	_, err = o.Resources.CreateReference(ctx, alice, wsID, CreateReferenceRequest{
		Name:                "bad",
		CloningInstructions: models.CloneReference,
		ResourceType:        "FLOPPY_DISK",
		Attributes:          attrs,
	})
	assert.Equal(t, http.StatusBadRequest, models.StatusCode(err))
}

func TestWorkspaceManager_Clone(t *testing.T) {
	o, emu := newOrchestrator(t)
	ctx := context.Background()
	source := createGcpWorkspace(t, o)

	r, err := o.Resources.CreateControlled(ctx, alice, source, bucketRequest("data"))
	require.NoError(t, err)
	bucket := r.Attributes.(models.GcsBucketAttributes)
	require.NoError(t, emu.PutObject(bucket.BucketName, "reads.bam", []byte("ACGT")))

	started, err := o.Workspaces.Clone(ctx, alice, source, CloneWorkspaceRequest{DisplayName: "copy"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, started.DestinationWorkspaceID)

	waitJob(t, o, started.JobID)
	res, err := FetchResult[models.ClonedWorkspace](ctx, o.Jobs, alice, started.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobSucceeded, res.JobReport.Status, "%+v", res.ErrorReport)
	require.NotNil(t, res.Response)
	assert.Equal(t, source, res.Response.SourceWorkspaceID)
	assert.Equal(t, started.DestinationWorkspaceID, res.Response.DestinationWorkspaceID)
	require.Len(t, res.Response.Resources, 1)
	assert.Equal(t, models.CloneSucceeded, res.Response.Resources[0].Result)

	dest, err := o.Workspaces.Get(ctx, alice, started.DestinationWorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, "copy", dest.DisplayName)
	assert.NotNil(t, dest.GcpContext)
}
