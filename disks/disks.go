// Package disks holds predefined disk geometries for creating new images.
// The catalog is embedded as CSV and looked up by slug.
package disks

import (
	_ "embed"
	"fmt"

	"github.com/gocarina/gocsv"
	"github.com/stratofs/stratofs"
)

// Geometry describes one predefined disk size.
type Geometry struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// TotalSectors gives the number of sectors on the device. It must be a
	// multiple of 8 so the free-space map is a whole number of bytes.
	TotalSectors int    `csv:"total_sectors"`
	Notes        string `csv:"notes"`
}

// TotalSizeBytes returns the size of an image file with this geometry.
func (g *Geometry) TotalSizeBytes() int64 {
	return int64(g.TotalSectors) * stratofs.SectorSize
}

//go:embed disk-geometries.csv
var diskGeometriesRawCSV string
var diskGeometries map[string]Geometry

// GetPredefinedGeometry looks up a geometry by slug.
func GetPredefinedGeometry(slug string) (Geometry, error) {
	geometry, ok := diskGeometries[slug]
	if ok {
		return geometry, nil
	}

	err := fmt.Errorf("no predefined disk geometry exists with slug %q", slug)
	return Geometry{}, err
}

// Slugs returns the slugs of every predefined geometry. The order is not
// stable.
func Slugs() []string {
	slugs := make([]string, 0, len(diskGeometries))
	for slug := range diskGeometries {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	var rows []Geometry
	err := gocsv.UnmarshalString(diskGeometriesRawCSV, &rows)
	if err != nil {
		panic(fmt.Errorf("failed to decode disk geometry CSV: %w", err))
	}

	diskGeometries = make(map[string]Geometry)
	for i, row := range rows {
		_, exists := diskGeometries[row.Slug]
		if exists {
			panic(fmt.Errorf(
				"duplicate definition for disk %q found on row %d", row.Slug, i+1))
		}
		if row.TotalSectors <= 0 || row.TotalSectors%8 != 0 {
			panic(fmt.Errorf(
				"disk %q has invalid sector count %d; must be a positive"+
					" multiple of 8",
				row.Slug,
				row.TotalSectors))
		}
		diskGeometries[row.Slug] = row
	}
}
