package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Cloning
// =============================================================================

type CloneResult string

const (
	CloneSucceeded CloneResult = "SUCCEEDED"
	CloneSkipped   CloneResult = "SKIPPED"
	CloneFailed    CloneResult = "FAILED"
)

// ResourceCloneDetails is the outcome of cloning one source resource. Exactly
// one of DestinationResourceID and ErrorMessage is set; skipped entries carry
// the skip reason as their message.
type ResourceCloneDetails struct {
	SourceResourceID      uuid.UUID           `json:"sourceResourceId"`
	DestinationResourceID *uuid.UUID          `json:"destinationResourceId,omitempty"`
	Result                CloneResult         `json:"result"`
	ErrorMessage          *string             `json:"errorMessage,omitempty"`
	ResourceType          ResourceType        `json:"resourceType"`
	Stewardship           StewardshipType     `json:"stewardshipType"`
	CloningInstructions   CloningInstructions `json:"cloningInstructions"`
	Name                  string              `json:"name"`
	Description           string              `json:"description,omitempty"`
}

// NewCloneDetails fills the descriptive fields of a clone result from the
// source resource.
func NewCloneDetails(src Resource) ResourceCloneDetails {
	return ResourceCloneDetails{
		SourceResourceID:    src.ResourceID,
		ResourceType:        src.Type(),
		Stewardship:         src.Stewardship,
		CloningInstructions: src.CloningInstructions,
		Name:                src.Name,
		Description:         src.Description,
	}
}

// Succeeded marks the result as cloned to dest.
func (d ResourceCloneDetails) Succeeded(dest uuid.UUID) ResourceCloneDetails {
	d.Result = CloneSucceeded
	d.DestinationResourceID = &dest
	d.ErrorMessage = nil
	return d
}

// Failed marks the result as failed with msg.
func (d ResourceCloneDetails) Failed(msg string) ResourceCloneDetails {
	d.Result = CloneFailed
	d.DestinationResourceID = nil
	d.ErrorMessage = &msg
	return d
}

// Skipped marks the result as skipped for reason.
func (d ResourceCloneDetails) Skipped(reason string) ResourceCloneDetails {
	d.Result = CloneSkipped
	d.DestinationResourceID = nil
	d.ErrorMessage = &reason
	return d
}

// ClonedWorkspace is the final response of a workspace clone.
type ClonedWorkspace struct {
	SourceWorkspaceID      uuid.UUID              `json:"sourceWorkspaceId"`
	DestinationWorkspaceID uuid.UUID              `json:"destinationWorkspaceId"`
	Resources              []ResourceCloneDetails `json:"resources"`
}

// NewClonedWorkspace flattens a clone result map into a response ordered by
// source resource id.
func NewClonedWorkspace(source, dest uuid.UUID, results map[uuid.UUID]ResourceCloneDetails) ClonedWorkspace {
	out := ClonedWorkspace{
		SourceWorkspaceID:      source,
		DestinationWorkspaceID: dest,
		Resources:              make([]ResourceCloneDetails, 0, len(results)),
	}
	for _, r := range results {
		out.Resources = append(out.Resources, r)
	}
	sort.Slice(out.Resources, func(i, j int) bool {
		return out.Resources[i].SourceResourceID.String() < out.Resources[j].SourceResourceID.String()
	})
	return out
}

// =============================================================================
// Async jobs
// =============================================================================

type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

type JobReport struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Status      JobStatus  `json:"status"`
	StatusCode  int        `json:"statusCode"`
	Submitted   time.Time  `json:"submitted"`
	Completed   *time.Time `json:"completed,omitempty"`
	ResultURL   string     `json:"resultURL,omitempty"`
}

type ErrorReport struct {
	Message    string   `json:"message"`
	StatusCode int      `json:"statusCode"`
	Causes     []string `json:"causes"`
}

// JobResult pairs a job report with either the typed response or an error report.
type JobResult[T any] struct {
	JobReport   JobReport    `json:"jobReport"`
	ErrorReport *ErrorReport `json:"errorReport,omitempty"`
	Response    *T           `json:"response,omitempty"`
}
