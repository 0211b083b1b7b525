// Package cloud declares the provider operations workflow steps depend on.
// Every method must be safe to call again after a crash: creators report
// ErrAlreadyExists (GCP) or a 409 ResponseError (Azure) for an object that
// is already there, and deleters report not-found for one that is gone.
package cloud

import (
	"context"
)

// =============================================================================
// GCP
// =============================================================================

type Project struct {
	ProjectID      string `json:"projectId"`
	HandoutID      string `json:"handoutId"`
	BillingAccount string `json:"billingAccount,omitempty"`
}

// ProjectPool hands out pre-provisioned projects. A handout is keyed by the
// caller's ID, so asking twice returns the same project.
type ProjectPool interface {
	HandoutProject(ctx context.Context, handoutID, projectID string) (*Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

type Billing interface {
	SetBillingAccount(ctx context.Context, projectID, billingAccount string) error
}

type CustomRole struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// RoleBinding grants a role on a project to one member, such as
// "group:wsm-writers@example.com".
type RoleBinding struct {
	Role   string `json:"role"`
	Member string `json:"member"`
}

type IAM interface {
	CreateCustomRole(ctx context.Context, projectID string, role CustomRole) error
	AddRoleBindings(ctx context.Context, projectID string, bindings []RoleBinding) error
	RemoveRoleBindings(ctx context.Context, projectID string, bindings []RoleBinding) error
	GetRoleBindings(ctx context.Context, projectID string) ([]RoleBinding, error)
}

type Bucket struct {
	Name         string `json:"name"`
	ProjectID    string `json:"projectId"`
	Location     string `json:"location"`
	StorageClass string `json:"storageClass"`
}

type Storage interface {
	CreateBucket(ctx context.Context, b Bucket) error
	GetBucket(ctx context.Context, name string) (*Bucket, error)
	UpdateBucketStorageClass(ctx context.Context, name, storageClass string) error
	DeleteBucket(ctx context.Context, name string) error
}

type Dataset struct {
	ProjectID string `json:"projectId"`
	DatasetID string `json:"datasetId"`
	Location  string `json:"location"`
	// DefaultTableLifetime is in seconds; zero means tables never expire.
	DefaultTableLifetime int64    `json:"defaultTableLifetime,omitempty"`
	Tables               []string `json:"tables,omitempty"`
}

type BigQuery interface {
	CreateDataset(ctx context.Context, d Dataset) error
	GetDataset(ctx context.Context, projectID, datasetID string) (*Dataset, error)
	UpdateDefaultTableLifetime(ctx context.Context, projectID, datasetID string, seconds int64) error
	DeleteDataset(ctx context.Context, projectID, datasetID string) error
	// CopyTables copies every table of src into dst, replacing tables of
	// the same name.
	CopyTables(ctx context.Context, srcProject, srcDataset, dstProject, dstDataset string) error
}

type NotebookInstance struct {
	ProjectID  string `json:"projectId"`
	Location   string `json:"location"`
	InstanceID string `json:"instanceId"`
	Network    string `json:"network"`
	Subnetwork string `json:"subnetwork"`
}

type Notebooks interface {
	CreateInstance(ctx context.Context, n NotebookInstance) error
	GetInstance(ctx context.Context, projectID, location, instanceID string) (*NotebookInstance, error)
	DeleteInstance(ctx context.Context, projectID, location, instanceID string) error
}

type Network struct {
	Network    string `json:"network"`
	Subnetwork string `json:"subnetwork"`
}

type Compute interface {
	// GetDefaultNetwork returns the project's network and its subnetwork in
	// the region of location.
	GetDefaultNetwork(ctx context.Context, projectID, location string) (*Network, error)
}

type TransferJob struct {
	Name                string `json:"name"`
	ProjectID           string `json:"projectId"`
	SourceBucket        string `json:"sourceBucket"`
	DestinationBucket   string `json:"destinationBucket"`
	LatestOperationName string `json:"latestOperationName,omitempty"`
}

type TransferOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type StorageTransfer interface {
	CreateTransferJob(ctx context.Context, job TransferJob) error
	GetTransferJob(ctx context.Context, name string) (*TransferJob, error)
	GetTransferOperation(ctx context.Context, name string) (*TransferOperation, error)
	DeleteTransferJob(ctx context.Context, name string) error
}

// GCP is everything the workflows need from Google Cloud.
type GCP interface {
	ProjectPool
	Billing
	IAM
	Storage
	BigQuery
	Notebooks
	Compute
	StorageTransfer
}

// =============================================================================
// Azure
// =============================================================================

// AzureTarget addresses a managed resource group.
type AzureTarget struct {
	TenantID        string `json:"tenantId"`
	SubscriptionID  string `json:"subscriptionId"`
	ResourceGroupID string `json:"resourceGroupId"`
}

type StorageAccount struct {
	Name          string `json:"name"`
	ResourceGroup string `json:"resourceGroup"`
	Location      string `json:"location"`
}

type PublicAccess string

const (
	PublicAccessNone      PublicAccess = "None"
	PublicAccessContainer PublicAccess = "Container"
)

type BlobContainer struct {
	Name         string       `json:"name"`
	Account      string       `json:"account"`
	PublicAccess PublicAccess `json:"publicAccess"`
}

type ResourceGroups interface {
	CheckResourceGroup(ctx context.Context, target AzureTarget) error
}

type StorageAccounts interface {
	GetStorageAccount(ctx context.Context, resourceGroup, name string) (*StorageAccount, error)
	CheckNameAvailability(ctx context.Context, name string) (bool, error)
	CreateStorageAccount(ctx context.Context, resourceGroup, name string) error
	DeleteStorageAccount(ctx context.Context, resourceGroup, name string) error
}

type BlobContainers interface {
	GetContainer(ctx context.Context, resourceGroup, account, container string) (*BlobContainer, error)
	CreateContainer(ctx context.Context, resourceGroup, account, container string, access PublicAccess) error
	DeleteContainer(ctx context.Context, resourceGroup, account, container string) error
	ListContainers(ctx context.Context, resourceGroup, account string) ([]string, error)
	ListBlobs(ctx context.Context, resourceGroup, account, container string) ([]string, error)
}

// Azure is everything the workflows need from Azure. Failures are returned
// as *azcore.ResponseError.
type Azure interface {
	ResourceGroups
	StorageAccounts
	BlobContainers
}
