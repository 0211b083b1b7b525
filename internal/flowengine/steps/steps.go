// Package steps holds every concrete workflow step of the workspace manager
// and the typed Working Map keys they share. Steps are idempotent: each Do
// recognises work an earlier attempt finished, and each Undo treats an object
// that is already gone as success.
package steps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// WaitConfig bounds how long a step waits on a child workflow.
type WaitConfig struct {
	PollInterval time.Duration
	MaxCycles    int
}

// Budget is the longest a single wait can take.
func (w WaitConfig) Budget() time.Duration {
	return w.PollInterval * time.Duration(w.MaxCycles)
}

// TransferPolling bounds the storage transfer polls of a bucket clone.
type TransferPolling struct {
	JobPollInterval time.Duration
	JobPollAttempts int
	OpPollInterval  time.Duration
	OpPollAttempts  int
}

// Budget is the longest CompleteTransferOperationStep can poll.
func (p TransferPolling) Budget() time.Duration {
	return p.JobPollInterval*time.Duration(p.JobPollAttempts) + p.OpPollInterval*time.Duration(p.OpPollAttempts)
}

func DefaultTransferPolling() TransferPolling {
	return TransferPolling{
		JobPollInterval: 10 * time.Second,
		JobPollAttempts: 25,
		OpPollInterval:  30 * time.Second,
		OpPollAttempts:  25,
	}
}

// Deps are the collaborators every step may use.
type Deps struct {
	Stores *dao.Stores
	IAM    iam.Service
	GCP    cloud.GCP
	Azure  cloud.Azure

	// BillingAccount is attached to every project handed out of the pool.
	BillingAccount string

	Wait     WaitConfig
	Transfer TransferPolling
}

// Shared Working Map keys.
var (
	KeyGcpProjectID       = flowengine.NewKey[string]("gcpProjectId")
	KeyIamGroupEmails     = flowengine.NewKey[map[iam.Role]string]("iamGroupEmails")
	KeyNetwork            = flowengine.NewKey[cloud.Network]("notebookNetwork")
	KeyPreviousName       = flowengine.NewKey[string]("previousName")
	KeyPreviousDesc       = flowengine.NewKey[string]("previousDescription")
	KeyPreviousClass      = flowengine.NewKey[string]("previousStorageClass")
	KeyPreviousLifetime   = flowengine.NewKey[int64]("previousTableLifetime")
	KeySourceBucket       = flowengine.NewKey[cloud.Bucket]("sourceBucket")
	KeySourceProjectID    = flowengine.NewKey[string]("sourceProjectId")
	KeyDatasetLocation    = flowengine.NewKey[string]("datasetLocation")
	KeyDestinationProject = flowengine.NewKey[string]("destinationProjectId")
	KeyClonedResource     = flowengine.NewKey[models.Resource]("clonedResource")
	KeyTransferJobName    = flowengine.NewKey[string]("transferJobName")
	KeyTransferOperation  = flowengine.NewKey[string]("transferOperationName")

	KeyResourceIDToCloneResult = flowengine.NewKey[map[uuid.UUID]models.ResourceCloneDetails]("resourceIdToCloneResult")

	KeyDestinationWorkspaceID = flowengine.NewKey[uuid.UUID]("destinationWorkspaceId")
	KeyCreateWorkspaceJobID   = flowengine.NewKey[string]("createWorkspaceJobId")
	KeyCreateContextJobID     = flowengine.NewKey[string]("createCloudContextJobId")
	KeyCloneAllJobID          = flowengine.NewKey[string]("cloneAllResourcesJobId")
	KeySourceHasGcpContext    = flowengine.NewKey[bool]("sourceHasGcpContext")
	KeyResourcesToClone       = flowengine.NewKey[[]ResourceToClone]("resourcesToClone")
)

func stepLogger(fc *flowengine.FlightContext) *zerolog.Logger {
	l := log.With().
		Str("workflow_id", fc.WorkflowID()).
		Str("workflow_type", fc.WorkflowType()).
		Str("step_name", fc.StepName()).
		Logger()
	return &l
}

// resurfaceCause is the undo of a step that cannot be undone, such as a
// deletion. Reporting the original failure leaves the run fatal.
func resurfaceCause(fc *flowengine.FlightContext) error {
	cause := fc.FailureCause()
	if cause == nil {
		cause = fmt.Errorf("undo of %s requested without a failure", fc.StepName())
	}
	stepLogger(fc).Error().Err(cause).Msg("Cannot undo step, surfacing the original failure")
	return flowengine.NewPermanentError(cause)
}

// ignoreNotFound maps "already gone" to success, for undo and delete steps.
func ignoreNotFound(err error) error {
	if err == nil || cloud.IsNotFound(err) || models.IsNotFound(err) {
		return nil
	}
	return err
}

// classifyAzure marks Azure client errors permanent. Throttling and request
// timeouts stay retryable, as do server errors.
func classifyAzure(err error) error {
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return err
	}
	code := re.StatusCode
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return flowengine.NewPermanentError(err)
	}
	return err
}

// childID derives a stable child workflow ID from the parent and a purpose,
// so a replayed step launches the same child.
func childID(parentID, purpose string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("wsm:"+parentID+"/"+purpose)).String()
}

// gcpProjectFor returns the GCP project of a workspace's cloud context.
func gcpProjectFor(ctx context.Context, d *Deps, workspaceID uuid.UUID) (string, error) {
	cc, err := d.Stores.CloudContexts.GetCloudContext(ctx, workspaceID, models.PlatformGCP)
	if err != nil {
		if models.IsNotFound(err) {
			return "", flowengine.NewPermanentError(models.BadRequestf("workspace %s has no GCP cloud context", workspaceID))
		}
		return "", err
	}
	return cc.Gcp.ProjectID, nil
}

// azureContextFor returns the Azure cloud context of a workspace.
func azureContextFor(ctx context.Context, d *Deps, workspaceID uuid.UUID) (*models.AzureCloudContext, error) {
	cc, err := d.Stores.CloudContexts.GetCloudContext(ctx, workspaceID, models.PlatformAzure)
	if err != nil {
		if models.IsNotFound(err) {
			return nil, flowengine.NewPermanentError(models.BadRequestf("workspace %s has no Azure cloud context", workspaceID))
		}
		return nil, err
	}
	return cc.Azure, nil
}

// noUndo is embedded by steps whose Do has no side effect to reverse.
type noUndo struct{}

func (noUndo) Undo(context.Context, *flowengine.FlightContext) error { return nil }
