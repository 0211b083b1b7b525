package steps

import (
	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// Workflow types. Steps launch children by these names.
const (
	TypeWorkspaceCreate          = "workspace_create"
	TypeWorkspaceDelete          = "workspace_delete"
	TypeGcpContextCreate         = "gcp_context_create"
	TypeAzureContextCreate       = "azure_context_create"
	TypeCloudContextDelete       = "cloud_context_delete"
	TypeControlledResourceCreate = "controlled_resource_create"
	TypeControlledResourceUpdate = "controlled_resource_update"
	TypeControlledResourceDelete = "controlled_resource_delete"
	TypeReferenceCreate          = "reference_create"
	TypeGcsBucketClone           = "gcs_bucket_clone"
	TypeBigQueryDatasetClone     = "bigquery_dataset_clone"
	TypeCloneAllResources        = "clone_all_resources"
	TypeWorkspaceClone           = "workspace_clone"
)

type WorkspaceCreateInput struct {
	User      iam.AuthenticatedUser `json:"user"`
	Workspace models.Workspace      `json:"workspace"`
}

type WorkspaceDeleteInput struct {
	User        iam.AuthenticatedUser `json:"user"`
	WorkspaceID uuid.UUID             `json:"workspaceId"`
}

type GcpContextCreateInput struct {
	User        iam.AuthenticatedUser `json:"user"`
	WorkspaceID uuid.UUID             `json:"workspaceId"`
}

type AzureContextCreateInput struct {
	User        iam.AuthenticatedUser    `json:"user"`
	WorkspaceID uuid.UUID                `json:"workspaceId"`
	Context     models.AzureCloudContext `json:"azureContext"`
}

type CloudContextDeleteInput struct {
	User        iam.AuthenticatedUser `json:"user"`
	WorkspaceID uuid.UUID             `json:"workspaceId"`
	Platform    models.CloudPlatform  `json:"platform"`
}

// CreationParameters carry cloud settings that are not part of the stored
// resource attributes.
type CreationParameters struct {
	Location             string `json:"location,omitempty"`
	StorageClass         string `json:"storageClass,omitempty"`
	DefaultTableLifetime int64  `json:"defaultTableLifetime,omitempty"`
}

type ControlledResourceCreateInput struct {
	User     iam.AuthenticatedUser `json:"user"`
	Resource models.Resource       `json:"resource"`
	Params   CreationParameters    `json:"params"`
}

type ControlledResourceUpdateInput struct {
	User                 iam.AuthenticatedUser `json:"user"`
	WorkspaceID          uuid.UUID             `json:"workspaceId"`
	ResourceID           uuid.UUID             `json:"resourceId"`
	Name                 *string               `json:"name,omitempty"`
	Description          *string               `json:"description,omitempty"`
	StorageClass         *string               `json:"storageClass,omitempty"`
	DefaultTableLifetime *int64                `json:"defaultTableLifetime,omitempty"`
}

type ControlledResourceDeleteInput struct {
	User     iam.AuthenticatedUser `json:"user"`
	Resource models.Resource       `json:"resource"`
}

type ReferenceCreateInput struct {
	User     iam.AuthenticatedUser `json:"user"`
	Resource models.Resource       `json:"resource"`
}

// ResourceToClone is one source resource with the IDs preallocated for its
// clone.
type ResourceToClone struct {
	Resource              models.Resource `json:"resource"`
	DestinationResourceID uuid.UUID       `json:"destinationResourceId"`
	JobID                 string          `json:"jobId"`
}

// ResourceCloneInput drives a single-resource clone workflow.
type ResourceCloneInput struct {
	User                   iam.AuthenticatedUser `json:"user"`
	Source                 models.Resource       `json:"source"`
	DestinationWorkspaceID uuid.UUID             `json:"destinationWorkspaceId"`
	DestinationResourceID  uuid.UUID             `json:"destinationResourceId"`
	Location               string                `json:"location,omitempty"`
}

type CloneAllResourcesInput struct {
	User                   iam.AuthenticatedUser `json:"user"`
	SourceWorkspaceID      uuid.UUID             `json:"sourceWorkspaceId"`
	DestinationWorkspaceID uuid.UUID             `json:"destinationWorkspaceId"`
	Location               string                `json:"location,omitempty"`
	Resources              []ResourceToClone     `json:"resources"`
}

type WorkspaceCloneInput struct {
	User              iam.AuthenticatedUser `json:"user"`
	SourceWorkspaceID uuid.UUID             `json:"sourceWorkspaceId"`

	// DestinationWorkspaceID is optional. When set the clone uses it, so the
	// caller can report the new workspace before the clone finishes.
	DestinationWorkspaceID uuid.UUID `json:"destinationWorkspaceId"`

	DisplayName    string            `json:"displayName,omitempty"`
	Description    string            `json:"description,omitempty"`
	SpendProfileID *string           `json:"spendProfile,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Location       string            `json:"location,omitempty"`
}
