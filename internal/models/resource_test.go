package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedControl() *ControlledFields {
	return &ControlledFields{AccessScope: AccessScopeShared, ManagedBy: ManagedByUser}
}

func newResource(s StewardshipType, ci CloningInstructions, attrs Attributes) Resource {
	r := Resource{
		WorkspaceID:         uuid.New(),
		ResourceID:          uuid.New(),
		Name:                "data",
		CloningInstructions: ci,
		Stewardship:         s,
		Attributes:          attrs,
	}
	if s == StewardshipControlled {
		r.Controlled = sharedControl()
	}
	return r
}

func TestResourceValidate_StewardshipByVariant(t *testing.T) {
	bucket := GcsBucketAttributes{BucketName: "wsm-data"}
	dataset := BigQueryDatasetAttributes{DatasetName: "tables", Location: "US"}
	refDataset := BigQueryDatasetAttributes{ProjectID: "other-project", DatasetName: "tables"}
	notebook := AiNotebookAttributes{InstanceID: "nb-1", Location: "us-central1-a"}
	container := AzureStorageContainerAttributes{StorageAccountName: "sa0123456789", ContainerName: "results"}
	snapshot := DataRepoSnapshotAttributes{InstanceName: "tdr", SnapshotID: "snap-1"}

	tests := []struct {
		name        string
		stewardship StewardshipType
		ci          CloningInstructions
		attrs       Attributes
		wantErr     string
	}{
		{"controlled bucket", StewardshipControlled, CloneResource, bucket, ""},
		{"referenced bucket", StewardshipReferenced, CloneReference, bucket, ""},
		{"controlled dataset", StewardshipControlled, CloneDefinition, dataset, ""},
		{"referenced dataset", StewardshipReferenced, CloneReference, refDataset, ""},
		{"referenced dataset without project", StewardshipReferenced, CloneReference, dataset, "requires a project id"},
		{"controlled notebook", StewardshipControlled, CloneNothing, notebook, ""},
		{"referenced notebook", StewardshipReferenced, CloneNothing, notebook, "only be controlled"},
		{"controlled container", StewardshipControlled, CloneNothing, container, ""},
		{"referenced container", StewardshipReferenced, CloneNothing, container, ""},
		{"referenced snapshot", StewardshipReferenced, CloneReference, snapshot, ""},
		{"controlled snapshot", StewardshipControlled, CloneNothing, snapshot, "only be referenced"},
		{"referenced copy resource", StewardshipReferenced, CloneResource, bucket, "support only"},
		{"unknown stewardship", StewardshipType("BORROWED"), CloneNothing, bucket, "invalid stewardship"},
		{"bad bucket name", StewardshipControlled, CloneNothing, GcsBucketAttributes{BucketName: "Bad_Bucket"}, "invalid bucket name"},
		{"bad dataset name", StewardshipControlled, CloneNothing, BigQueryDatasetAttributes{DatasetName: "no-dashes"}, "invalid dataset name"},
		{"bad container", StewardshipControlled, CloneNothing, AzureStorageContainerAttributes{StorageAccountName: "sa0123456789", ContainerName: "x"}, "invalid storage container"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newResource(tt.stewardship, tt.ci, tt.attrs).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		})
	}
}

func TestResourceValidate_NameLength(t *testing.T) {
	r := newResource(StewardshipControlled, CloneNothing, GcsBucketAttributes{BucketName: "wsm-data"})

	r.Name = "a" + strings.Repeat("b", 1023)
	assert.NoError(t, r.Validate())

	r.Name = "a" + strings.Repeat("b", 1024)
	assert.Error(t, r.Validate())

	r.Name = "-leading-dash"
	assert.Error(t, r.Validate())

	ds := newResource(StewardshipControlled, CloneNothing, BigQueryDatasetAttributes{DatasetName: strings.Repeat("d", 1024)})
	assert.NoError(t, ds.Validate())
	ds.Attributes = BigQueryDatasetAttributes{DatasetName: strings.Repeat("d", 1025)}
	assert.Error(t, ds.Validate())
}

func TestResourceValidate_ControlledFields(t *testing.T) {
	owner := "alice@example.org"
	r := newResource(StewardshipControlled, CloneNothing, GcsBucketAttributes{BucketName: "wsm-data"})

	r.Controlled = nil
	assert.Error(t, r.Validate(), "controlled resources need controlled fields")

	r.Controlled = &ControlledFields{AccessScope: AccessScopePrivate, ManagedBy: ManagedByUser}
	assert.Error(t, r.Validate(), "private needs an assigned user")

	r.Controlled.AssignedUser = &owner
	assert.NoError(t, r.Validate())

	r.Controlled = &ControlledFields{AccessScope: AccessScopeShared, ManagedBy: ManagedByUser, AssignedUser: &owner}
	assert.Error(t, r.Validate(), "shared cannot be assigned")

	ref := newResource(StewardshipReferenced, CloneNothing, GcsBucketAttributes{BucketName: "wsm-data"})
	ref.Controlled = sharedControl()
	assert.Error(t, ref.Validate())
}

func TestResourceJSON_KeepsVariant(t *testing.T) {
	owner := "alice@example.org"
	tests := []Resource{
		newResource(StewardshipControlled, CloneResource, GcsBucketAttributes{BucketName: "wsm-data"}),
		newResource(StewardshipReferenced, CloneReference, BigQueryDatasetAttributes{ProjectID: "p", DatasetName: "tables"}),
		newResource(StewardshipControlled, CloneNothing, AiNotebookAttributes{InstanceID: "nb-1", Location: "us-central1-a"}),
		newResource(StewardshipControlled, CloneNothing, AzureStorageContainerAttributes{StorageAccountName: "sa0123456789", ContainerName: "results"}),
		newResource(StewardshipReferenced, CloneReference, DataRepoSnapshotAttributes{InstanceName: "tdr", SnapshotID: "snap-1"}),
	}
	tests[2].Controlled = &ControlledFields{AccessScope: AccessScopePrivate, ManagedBy: ManagedByUser, AssignedUser: &owner}

	for _, want := range tests {
		t.Run(string(want.Type()), func(t *testing.T) {
			data, err := json.Marshal(want)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"resourceType":"`+string(want.Type())+`"`)

			var got Resource
			require.NoError(t, json.Unmarshal(data, &got))
			assert.IsType(t, want.Attributes, got.Attributes)
			assert.Equal(t, want.Attributes, got.Attributes)
			assert.True(t, got.SameDefinition(want))
		})
	}
}

func TestDecodeAttributes_UnknownType(t *testing.T) {
	_, err := DecodeAttributes(ResourceType("FLOPPY_DISK"), []byte(`{}`))
	assert.Error(t, err)
}
