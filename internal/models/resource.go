package models

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// =============================================================================
// Resource enums
// =============================================================================

type StewardshipType string

const (
	StewardshipControlled StewardshipType = "CONTROLLED"
	StewardshipReferenced StewardshipType = "REFERENCED"
)

type CloningInstructions string

const (
	CloneNothing    CloningInstructions = "COPY_NOTHING"
	CloneDefinition CloningInstructions = "COPY_DEFINITION"
	CloneResource   CloningInstructions = "COPY_RESOURCE"
	CloneReference  CloningInstructions = "COPY_REFERENCE"
)

func (c CloningInstructions) Valid() bool {
	switch c {
	case CloneNothing, CloneDefinition, CloneResource, CloneReference:
		return true
	}
	return false
}

type ResourceType string

const (
	ResourceTypeGcsBucket        ResourceType = "GCS_BUCKET"
	ResourceTypeBigQueryDataset  ResourceType = "BIG_QUERY_DATASET"
	ResourceTypeAiNotebook       ResourceType = "AI_NOTEBOOK"
	ResourceTypeStorageContainer ResourceType = "AZURE_STORAGE_CONTAINER"
	ResourceTypeDataRepoSnapshot ResourceType = "DATA_REPO_SNAPSHOT"
)

type AccessScope string

const (
	AccessScopeShared  AccessScope = "ACCESS_SCOPE_SHARED"
	AccessScopePrivate AccessScope = "ACCESS_SCOPE_PRIVATE"
)

type ManagedBy string

const (
	ManagedByUser        ManagedBy = "MANAGED_BY_USER"
	ManagedByApplication ManagedBy = "MANAGED_BY_APPLICATION"
)

// ControlledResourceRole is a role on a private controlled resource.
type ControlledResourceRole string

const (
	ResourceRoleReader ControlledResourceRole = "READER"
	ResourceRoleWriter ControlledResourceRole = "WRITER"
	ResourceRoleEditor ControlledResourceRole = "EDITOR"
)

// =============================================================================
// Attribute variants
// =============================================================================

// Attributes is the type-specific payload of a resource. The set of
// implementations is closed; dispatch on it with a type switch.
type Attributes interface {
	ResourceType() ResourceType
	validate(s StewardshipType) error
}

type GcsBucketAttributes struct {
	BucketName string `json:"bucketName"`
}

type BigQueryDatasetAttributes struct {
	// ProjectID is only set for references; controlled datasets live in the
	// workspace's GCP project.
	ProjectID   string `json:"projectId,omitempty"`
	DatasetName string `json:"datasetId"`
	Location    string `json:"location,omitempty"`
}

type AiNotebookAttributes struct {
	InstanceID string `json:"instanceId"`
	Location   string `json:"location"`
}

type AzureStorageContainerAttributes struct {
	StorageAccountName string `json:"storageAccountName"`
	ContainerName      string `json:"storageContainerName"`
}

type DataRepoSnapshotAttributes struct {
	InstanceName string `json:"instanceName"`
	SnapshotID   string `json:"snapshot"`
}

func (GcsBucketAttributes) ResourceType() ResourceType { return ResourceTypeGcsBucket }
func (BigQueryDatasetAttributes) ResourceType() ResourceType {
	return ResourceTypeBigQueryDataset
}
func (AiNotebookAttributes) ResourceType() ResourceType { return ResourceTypeAiNotebook }
func (AzureStorageContainerAttributes) ResourceType() ResourceType {
	return ResourceTypeStorageContainer
}
func (DataRepoSnapshotAttributes) ResourceType() ResourceType {
	return ResourceTypeDataRepoSnapshot
}

var (
	bucketNamePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)
	datasetNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	instanceIDPattern   = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)
	accountNamePattern  = regexp.MustCompile(`^[a-z0-9]{3,24}$`)
	containerPattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9]|-[a-z0-9]){2,62}$`)
	resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][-_A-Za-z0-9]*$`)
)

// Go's regexp caps repeat counts at 1000, so the longer limits are checked
// by length.
const (
	maxDatasetNameLen  = 1024
	maxResourceNameLen = 1024
)

func (a GcsBucketAttributes) validate(StewardshipType) error {
	if !bucketNamePattern.MatchString(a.BucketName) {
		return BadRequestf("invalid bucket name %q", a.BucketName)
	}
	return nil
}

func (a BigQueryDatasetAttributes) validate(s StewardshipType) error {
	if len(a.DatasetName) > maxDatasetNameLen || !datasetNamePattern.MatchString(a.DatasetName) {
		return BadRequestf("invalid dataset name %q", a.DatasetName)
	}
	if s == StewardshipReferenced && a.ProjectID == "" {
		return BadRequestf("referenced dataset %q requires a project id", a.DatasetName)
	}
	return nil
}

func (a AiNotebookAttributes) validate(s StewardshipType) error {
	if s != StewardshipControlled {
		return BadRequestf("notebook instances can only be controlled resources")
	}
	if !instanceIDPattern.MatchString(a.InstanceID) {
		return BadRequestf("invalid notebook instance id %q", a.InstanceID)
	}
	if a.Location == "" {
		return BadRequestf("notebook instance %q requires a location", a.InstanceID)
	}
	return nil
}

func (a AzureStorageContainerAttributes) validate(StewardshipType) error {
	if !accountNamePattern.MatchString(a.StorageAccountName) {
		return BadRequestf("invalid storage account name %q", a.StorageAccountName)
	}
	if !containerPattern.MatchString(a.ContainerName) {
		return BadRequestf("invalid storage container name %q", a.ContainerName)
	}
	return nil
}

func (a DataRepoSnapshotAttributes) validate(s StewardshipType) error {
	if s != StewardshipReferenced {
		return BadRequestf("data repo snapshots can only be referenced resources")
	}
	if a.InstanceName == "" || a.SnapshotID == "" {
		return BadRequestf("snapshot reference requires instance name and snapshot id")
	}
	return nil
}

// DecodeAttributes parses an attribute blob for the given resource type.
func DecodeAttributes(rt ResourceType, raw []byte) (Attributes, error) {
	var (
		attrs Attributes
		err   error
	)
	switch rt {
	case ResourceTypeGcsBucket:
		var a GcsBucketAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case ResourceTypeBigQueryDataset:
		var a BigQueryDatasetAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case ResourceTypeAiNotebook:
		var a AiNotebookAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case ResourceTypeStorageContainer:
		var a AzureStorageContainerAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case ResourceTypeDataRepoSnapshot:
		var a DataRepoSnapshotAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	default:
		return nil, fmt.Errorf("unknown resource type %q", rt)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s attributes: %w", rt, err)
	}
	return attrs, nil
}

// =============================================================================
// Resources
// =============================================================================

// ControlledFields are carried only by controlled resources.
type ControlledFields struct {
	AccessScope      AccessScope              `json:"accessScope"`
	ManagedBy        ManagedBy                `json:"managedBy"`
	AssignedUser     *string                  `json:"assignedUser,omitempty"`
	PrivateUserRoles []ControlledResourceRole `json:"privateUserRoles,omitempty"`
}

// Resource is the common record shared by every resource type. Attributes
// holds the type-specific variant.
type Resource struct {
	WorkspaceID         uuid.UUID
	ResourceID          uuid.UUID
	Name                string
	Description         string
	CloningInstructions CloningInstructions
	Stewardship         StewardshipType
	Controlled          *ControlledFields
	Attributes          Attributes
}

type resourceJSON struct {
	WorkspaceID         uuid.UUID           `json:"workspaceId"`
	ResourceID          uuid.UUID           `json:"resourceId"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	CloningInstructions CloningInstructions `json:"cloningInstructions"`
	Stewardship         StewardshipType     `json:"stewardshipType"`
	ResourceType        ResourceType        `json:"resourceType"`
	Controlled          *ControlledFields   `json:"controlled,omitempty"`
	Attributes          json.RawMessage     `json:"attributes"`
}

// Type returns the concrete resource type of the attribute variant.
func (r Resource) Type() ResourceType {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes.ResourceType()
}

func (r Resource) IsControlled() bool { return r.Stewardship == StewardshipControlled }

func (r Resource) MarshalJSON() ([]byte, error) {
	var attrs json.RawMessage
	if r.Attributes != nil {
		data, err := json.Marshal(r.Attributes)
		if err != nil {
			return nil, err
		}
		attrs = data
	}
	return json.Marshal(resourceJSON{
		WorkspaceID:         r.WorkspaceID,
		ResourceID:          r.ResourceID,
		Name:                r.Name,
		Description:         r.Description,
		CloningInstructions: r.CloningInstructions,
		Stewardship:         r.Stewardship,
		ResourceType:        r.Type(),
		Controlled:          r.Controlled,
		Attributes:          attrs,
	})
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	var v resourceJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Resource{
		WorkspaceID:         v.WorkspaceID,
		ResourceID:          v.ResourceID,
		Name:                v.Name,
		Description:         v.Description,
		CloningInstructions: v.CloningInstructions,
		Stewardship:         v.Stewardship,
		Controlled:          v.Controlled,
	}
	if v.ResourceType == "" {
		return nil
	}
	attrs, err := DecodeAttributes(v.ResourceType, v.Attributes)
	if err != nil {
		return err
	}
	r.Attributes = attrs
	return nil
}

// Validate checks the common record and the variant for the resource's
// stewardship.
func (r Resource) Validate() error {
	if r.WorkspaceID == uuid.Nil || r.ResourceID == uuid.Nil {
		return BadRequestf("resource requires workspace and resource ids")
	}
	if len(r.Name) > maxResourceNameLen || !resourceNamePattern.MatchString(r.Name) {
		return BadRequestf("invalid resource name %q", r.Name)
	}
	if !r.CloningInstructions.Valid() {
		return BadRequestf("invalid cloning instructions %q", r.CloningInstructions)
	}
	if r.Attributes == nil {
		return BadRequestf("resource %q has no attributes", r.Name)
	}
	switch r.Stewardship {
	case StewardshipControlled:
		if err := r.Controlled.validate(); err != nil {
			return err
		}
	case StewardshipReferenced:
		if r.Controlled != nil {
			return BadRequestf("referenced resource %q cannot carry controlled fields", r.Name)
		}
		if r.CloningInstructions != CloneNothing && r.CloningInstructions != CloneReference {
			return BadRequestf("referenced resources support only %s or %s", CloneNothing, CloneReference)
		}
	default:
		return BadRequestf("invalid stewardship %q", r.Stewardship)
	}
	return r.Attributes.validate(r.Stewardship)
}

func (c *ControlledFields) validate() error {
	if c == nil {
		return BadRequestf("controlled resource requires access scope and managed-by")
	}
	switch c.AccessScope {
	case AccessScopeShared:
		if c.AssignedUser != nil {
			return BadRequestf("shared resources cannot have an assigned user")
		}
	case AccessScopePrivate:
		if c.AssignedUser == nil || *c.AssignedUser == "" {
			return BadRequestf("private resources require an assigned user")
		}
	default:
		return BadRequestf("invalid access scope %q", c.AccessScope)
	}
	if c.ManagedBy != ManagedByUser && c.ManagedBy != ManagedByApplication {
		return BadRequestf("invalid managed-by %q", c.ManagedBy)
	}
	return nil
}

// SameDefinition compares two resources by their JSON form.
func (r Resource) SameDefinition(o Resource) bool {
	a, errA := json.Marshal(r)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}
