package geofences

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Outbound event types.
const (
	EventGeofenceCreated                = "GeofenceCreated"
	EventGeofenceUpdated                = "GeofenceUpdated"
	EventGeofenceUpserted               = "GeofenceUpserted"
	EventGeofenceDeleted                = "GeofenceDeleted"
	EventGeofencesBulkDeleted           = "GeofencesBulkDeleted"
	EventIntegrationPurgedFromGeofences = "IntegrationPurgedFromGeofences"
	EventGeofenceIntersectionsComputed  = "GeofenceIntersectionsComputed"
	EventExecuteGeofenceIntegrations    = "ExecuteGeofenceIntegrations"
)

// Publisher is the outbound side of the message bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, key string) error
}

type GeofenceCreated struct {
	TenantID   string    `json:"tenantId"`
	ProjectID  uuid.UUID `json:"projectId"`
	ExternalID string    `json:"externalId"`
	ID         uuid.UUID `json:"id"`
}

type GeofenceUpdated struct {
	TenantID   string    `json:"tenantId"`
	ProjectID  uuid.UUID `json:"projectId"`
	ExternalID string    `json:"externalId"`
	ID         uuid.UUID `json:"id"`
	Version    int64     `json:"version"`
}

type GeofenceUpserted struct {
	TenantID   string    `json:"tenantId"`
	ProjectID  uuid.UUID `json:"projectId"`
	ExternalID string    `json:"externalId"`
	ID         uuid.UUID `json:"id"`
	Created    bool      `json:"created"`
}

type GeofenceDeleted struct {
	TenantID   string    `json:"tenantId"`
	ProjectID  uuid.UUID `json:"projectId"`
	ExternalID string    `json:"externalId"`
	ID         uuid.UUID `json:"id"`
}

type GeofencesBulkDeleted struct {
	TenantID    string      `json:"tenantId"`
	ProjectID   uuid.UUID   `json:"projectId"`
	ExternalIDs []string    `json:"externalIds"`
	IDs         []uuid.UUID `json:"ids"`
}

type IntegrationPurgedFromGeofences struct {
	TenantID      string    `json:"tenantId"`
	ProjectID     uuid.UUID `json:"projectId"`
	IntegrationID string    `json:"integrationId"`
	Affected      int64     `json:"affected"`
}

type GeofenceIntersectionsComputed struct {
	TenantID    string      `json:"tenantId"`
	ProjectID   uuid.UUID   `json:"projectId"`
	Breadcrumb  Breadcrumb  `json:"breadcrumb"`
	GeofenceIDs []uuid.UUID `json:"geofenceIds"`
}

// ExecuteGeofenceIntegrations carries the trigger pipeline output to the
// integration dispatchers.
type ExecuteGeofenceIntegrations struct {
	TenantID   string              `json:"tenantId"`
	ProjectID  uuid.UUID           `json:"projectId"`
	Breadcrumb Breadcrumb          `json:"breadcrumb"`
	Results    []IntegrationResult `json:"geofenceIntegrationResults"`
}

// Rejected is published in place of a command's success event when the
// command can never succeed as sent.
type Rejected struct {
	TenantID string `json:"tenantId,omitempty"`
	Command  string `json:"command"`
	Reason   string `json:"reason"`
}

// RejectedEventType names the rejection event for a command type.
func RejectedEventType(commandType string) string {
	return commandType + "Rejected"
}

func publishJSON(ctx context.Context, p Publisher, eventType, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return p.Publish(ctx, eventType, b, key)
}
