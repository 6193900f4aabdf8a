// Package seeds loads geofence fixtures from YAML and upserts them, so a
// fresh environment can be populated and re-seeded without duplicates.
package seeds

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/EmpoweredVote/EV-Geofences/internal/geofences"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

// SeedActor is recorded in the change log for seeded geofences.
const SeedActor = "seed"

// Project is one tenant project and the geofences it should hold.
type Project struct {
	TenantID  string                    `yaml:"tenantId"`
	ProjectID uuid.UUID                 `yaml:"projectId"`
	Geofences []geofences.GeofenceInput `yaml:"geofences"`
}

type File struct {
	Projects []Project `yaml:"projects"`
}

// Upserter is the part of geofences.Service the seeder needs.
type Upserter interface {
	Upsert(ctx context.Context, cmd geofences.UpsertGeofence) (*geofences.Geofence, bool, error)
}

func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("could not read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Result counts what SeedAll did.
type Result struct {
	Created int
	Updated int
}

// SeedAll upserts every geofence in f. It stops at the first failure.
func SeedAll(ctx context.Context, svc Upserter, f File, logger *slog.Logger) (Result, error) {
	var res Result
	for _, p := range f.Projects {
		for _, in := range p.Geofences {
			g, created, err := svc.Upsert(ctx, geofences.UpsertGeofence{
				TenantID:      p.TenantID,
				ProjectID:     p.ProjectID,
				Actor:         SeedActor,
				GeofenceInput: in,
			})
			if err != nil {
				return res, fmt.Errorf("seed %s/%s/%s: %w", p.TenantID, p.ProjectID, in.ExternalID, err)
			}
			if created {
				res.Created++
				logger.Info("seeded geofence", "tenant_id", p.TenantID, "external_id", g.ExternalID)
			} else {
				res.Updated++
				logger.Info("geofence exists, updated", "tenant_id", p.TenantID, "external_id", g.ExternalID, "version", g.Version)
			}
		}
	}
	return res, nil
}
