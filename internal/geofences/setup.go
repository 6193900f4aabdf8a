package geofences

import (
	"fmt"

	"github.com/EmpoweredVote/EV-Geofences/internal/db"
)

// Init prepares the geofences schema on db.DB: PostGIS, tables and the
// spatial indexes the containment and bounds queries rely on.
func Init() error {
	if err := db.EnsurePostGIS(db.DB); err != nil {
		return fmt.Errorf("enable postgis: %w", err)
	}
	// Ensure the geofences schema exists first
	if err := db.EnsureSchema(db.DB, "geofences"); err != nil {
		return fmt.Errorf("create geofences schema: %w", err)
	}

	if err := db.DB.AutoMigrate(&Geofence{}, &GeofenceChangeLog{}); err != nil {
		return fmt.Errorf("auto-migrate geofence tables: %w", err)
	}

	table := Geofence{}.TableName()
	if err := db.EnsureGistIndex(db.DB, "idx_geofences_geom_geography", table, "geom", true); err != nil {
		return fmt.Errorf("create geometry index: %w", err)
	}
	if err := db.EnsureGistIndex(db.DB, "idx_geofences_anchor", table, "anchor", false); err != nil {
		return fmt.Errorf("create anchor index: %w", err)
	}
	return nil
}
