package steps

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// UpdateResourceMetadataStep renames and/or redescribes a resource. The values
// it replaced are kept in the working map, from the first attempt only.
type UpdateResourceMetadataStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
	ResourceID  uuid.UUID
	Name        *string
	Description *string
}

func (s *UpdateResourceMetadataStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	if s.Name == nil && s.Description == nil {
		return nil
	}
	wm := fc.WorkingMap()
	if !wm.Has(KeyPreviousName) {
		r, err := s.Deps.Stores.Resources.GetResource(ctx, s.WorkspaceID, s.ResourceID)
		if err != nil {
			return err
		}
		if err := flowengine.Put(wm, KeyPreviousDesc, r.Description); err != nil {
			return err
		}
		if err := flowengine.Put(wm, KeyPreviousName, r.Name); err != nil {
			return err
		}
	}
	_, err := s.Deps.Stores.Resources.UpdateResource(ctx, s.WorkspaceID, s.ResourceID, s.Name, s.Description)
	return err
}

func (s *UpdateResourceMetadataStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	name, ok, err := flowengine.Lookup(wm, KeyPreviousName)
	if err != nil || !ok {
		return err
	}
	desc, err := flowengine.Get(wm, KeyPreviousDesc)
	if err != nil {
		return err
	}
	_, err = s.Deps.Stores.Resources.UpdateResource(ctx, s.WorkspaceID, s.ResourceID, &name, &desc)
	return err
}

// UpdateCloudAttributesStep applies the cloud-side settings of an update: the
// storage class of a bucket or the default table lifetime of a dataset. Other
// resource types have nothing to change. The response is the updated resource.
type UpdateCloudAttributesStep struct {
	Deps                 *Deps
	WorkspaceID          uuid.UUID
	ResourceID           uuid.UUID
	StorageClass         *string
	DefaultTableLifetime *int64
}

func (s *UpdateCloudAttributesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	r, err := s.Deps.Stores.Resources.GetResource(ctx, s.WorkspaceID, s.ResourceID)
	if err != nil {
		return err
	}
	wm := fc.WorkingMap()

	switch a := r.Attributes.(type) {
	case models.GcsBucketAttributes:
		if s.StorageClass == nil {
			break
		}
		if !wm.Has(KeyPreviousClass) {
			b, err := s.Deps.GCP.GetBucket(ctx, a.BucketName)
			if err != nil {
				return err
			}
			if err := flowengine.Put(wm, KeyPreviousClass, b.StorageClass); err != nil {
				return err
			}
		}
		if err := s.Deps.GCP.UpdateBucketStorageClass(ctx, a.BucketName, *s.StorageClass); err != nil {
			return err
		}
	case models.BigQueryDatasetAttributes:
		if s.DefaultTableLifetime == nil {
			break
		}
		projectID, err := gcpProjectFor(ctx, s.Deps, s.WorkspaceID)
		if err != nil {
			return err
		}
		if !wm.Has(KeyPreviousLifetime) {
			d, err := s.Deps.GCP.GetDataset(ctx, projectID, a.DatasetName)
			if err != nil {
				return err
			}
			if err := flowengine.Put(wm, KeyPreviousLifetime, d.DefaultTableLifetime); err != nil {
				return err
			}
		}
		if err := s.Deps.GCP.UpdateDefaultTableLifetime(ctx, projectID, a.DatasetName, *s.DefaultTableLifetime); err != nil {
			return err
		}
	}
	return fc.SetResponse(r, http.StatusOK)
}

func (s *UpdateCloudAttributesStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	r, err := s.Deps.Stores.Resources.GetResource(ctx, s.WorkspaceID, s.ResourceID)
	if err != nil {
		return ignoreNotFound(err)
	}
	wm := fc.WorkingMap()

	switch a := r.Attributes.(type) {
	case models.GcsBucketAttributes:
		class, ok, err := flowengine.Lookup(wm, KeyPreviousClass)
		if err != nil || !ok {
			return err
		}
		return ignoreNotFound(s.Deps.GCP.UpdateBucketStorageClass(ctx, a.BucketName, class))
	case models.BigQueryDatasetAttributes:
		lifetime, ok, err := flowengine.Lookup(wm, KeyPreviousLifetime)
		if err != nil || !ok {
			return err
		}
		projectID, err := gcpProjectFor(ctx, s.Deps, s.WorkspaceID)
		if err != nil {
			return err
		}
		return ignoreNotFound(s.Deps.GCP.UpdateDefaultTableLifetime(ctx, projectID, a.DatasetName, lifetime))
	}
	return nil
}
