package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// Workspaces
// =============================================================================

// WorkspaceStage tells whether the authorization resource for a workspace is
// owned by an external system (RAWLS) or by this service (MC).
type WorkspaceStage string

const (
	StageRawls WorkspaceStage = "RAWLS_WORKSPACE"
	StageMC    WorkspaceStage = "MC_WORKSPACE"
)

// Valid reports whether the stage is a known value.
func (s WorkspaceStage) Valid() bool {
	return s == StageRawls || s == StageMC
}

type Workspace struct {
	ID             uuid.UUID         `json:"id"`
	Stage          WorkspaceStage    `json:"stage"`
	SpendProfileID *string           `json:"spendProfile,omitempty"`
	DisplayName    string            `json:"displayName,omitempty"`
	Description    string            `json:"description,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// SameDefinition reports whether two workspace records describe the same
// creation request. Used to recognise a replayed insert.
func (w Workspace) SameDefinition(o Workspace) bool {
	if w.ID != o.ID || w.Stage != o.Stage || w.DisplayName != o.DisplayName || w.Description != o.Description {
		return false
	}
	if (w.SpendProfileID == nil) != (o.SpendProfileID == nil) {
		return false
	}
	if w.SpendProfileID != nil && *w.SpendProfileID != *o.SpendProfileID {
		return false
	}
	if len(w.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range w.Properties {
		if o.Properties[k] != v {
			return false
		}
	}
	return true
}

type WorkspaceUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Description *string `json:"description,omitempty"`
}

// =============================================================================
// Cloud contexts
// =============================================================================

type CloudPlatform string

const (
	PlatformGCP   CloudPlatform = "GCP"
	PlatformAzure CloudPlatform = "AZURE"
)

func (p CloudPlatform) Valid() bool {
	return p == PlatformGCP || p == PlatformAzure
}

const (
	gcpContextVersion   = 1
	azureContextVersion = 100
)

type GcpCloudContext struct {
	ProjectID string `json:"gcpProjectId"`
}

type AzureCloudContext struct {
	TenantID        string `json:"azureTenantId" validate:"required"`
	SubscriptionID  string `json:"azureSubscriptionId" validate:"required"`
	ResourceGroupID string `json:"azureResourceGroupId" validate:"required"`
	Environment     string `json:"azureEnvironment,omitempty"`
}

// CloudContext is the provider identity backing a workspace. Exactly one of
// Gcp and Azure is set, matching Platform.
type CloudContext struct {
	WorkspaceID      uuid.UUID          `json:"workspaceId"`
	Platform         CloudPlatform      `json:"platform"`
	Gcp              *GcpCloudContext   `json:"gcp,omitempty"`
	Azure            *AzureCloudContext `json:"azure,omitempty"`
	CreatingWorkflow string             `json:"-"`
}

type versionedGcpContext struct {
	Version int `json:"version"`
	GcpCloudContext
}

type versionedAzureContext struct {
	Version int `json:"version"`
	AzureCloudContext
}

// SerializeContext renders the provider payload in its versioned stored form.
func (c CloudContext) SerializeContext() (string, error) {
	var v any
	switch c.Platform {
	case PlatformGCP:
		if c.Gcp == nil {
			return "", fmt.Errorf("gcp context missing for workspace %s", c.WorkspaceID)
		}
		v = versionedGcpContext{Version: gcpContextVersion, GcpCloudContext: *c.Gcp}
	case PlatformAzure:
		if c.Azure == nil {
			return "", fmt.Errorf("azure context missing for workspace %s", c.WorkspaceID)
		}
		v = versionedAzureContext{Version: azureContextVersion, AzureCloudContext: *c.Azure}
	default:
		return "", fmt.Errorf("unknown cloud platform %q", c.Platform)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeserializeContext parses a stored context payload for the given platform.
func DeserializeContext(workspaceID uuid.UUID, platform CloudPlatform, data string) (*CloudContext, error) {
	cc := &CloudContext{WorkspaceID: workspaceID, Platform: platform}
	switch platform {
	case PlatformGCP:
		var v versionedGcpContext
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode gcp context: %w", err)
		}
		if v.Version != gcpContextVersion {
			return nil, fmt.Errorf("invalid gcp context version %d", v.Version)
		}
		cc.Gcp = &v.GcpCloudContext
	case PlatformAzure:
		var v versionedAzureContext
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode azure context: %w", err)
		}
		if v.Version != azureContextVersion {
			return nil, fmt.Errorf("invalid azure context version %d", v.Version)
		}
		cc.Azure = &v.AzureCloudContext
	default:
		return nil, fmt.Errorf("unknown cloud platform %q", platform)
	}
	return cc, nil
}
