package db

import "gorm.io/gorm"

func EnsureSchema(d *gorm.DB, schema string) error {
	return d.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error
}

// EnsurePostGIS enables the geometry types and functions used by the
// spatial queries.
func EnsurePostGIS(d *gorm.DB) error {
	return d.Exec(`CREATE EXTENSION IF NOT EXISTS postgis`).Error
}

// EnsureGistIndex creates a spatial index over a geometry column. With
// geography set, the index is built over the column cast to geography so
// that metric ST_DWithin and ST_Intersects calls can use it.
func EnsureGistIndex(d *gorm.DB, name, table, column string, geography bool) error {
	expr := column
	if geography {
		expr = "(" + column + "::geography)"
	}
	return d.Exec(`CREATE INDEX IF NOT EXISTS "` + name + `" ON ` + table + ` USING GIST (` + expr + `)`).Error
}
