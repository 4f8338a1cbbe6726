package export

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/store"
)

type geoFeature struct {
	Type       string         `json:"type"`
	Geometry   *geoGeometry   `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type featureCollection struct {
	Type     string       `json:"type"`
	Features []geoFeature `json:"features"`
}

// WriteGeoJSON renders the records as a GeoJSON FeatureCollection of Point
// features. The first geopoint question in the form supplies the geometry;
// records without a parseable location get a null geometry. All other
// answers become feature properties.
func WriteGeoJSON(w io.Writer, def *form.Definition, records []map[string]any) error {
	geoPaths := def.GeopointPaths()

	fc := featureCollection{Type: "FeatureCollection", Features: []geoFeature{}}
	for _, rec := range records {
		feature := geoFeature{Type: "Feature", Properties: map[string]any{}}
		for key, value := range rec {
			if ignoredColumns[key] && key != store.MetaID {
				continue
			}
			feature.Properties[key] = value
		}
		for _, path := range geoPaths {
			if geom := parseGeometry(lookupPath(rec, path)); geom != nil {
				feature.Geometry = geom
				break
			}
		}
		fc.Features = append(fc.Features, feature)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(fc); err != nil {
		return fserrors.WrapError(err, fserrors.CategoryExport, "encoding geojson")
	}
	return nil
}

// parseGeometry parses an ODK geopoint string "lat lon alt precision" into
// a GeoJSON Point (longitude first).
func parseGeometry(value any) *geoGeometry {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	parts := strings.Fields(s)
	if len(parts) < 2 {
		return nil
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil
	}
	return &geoGeometry{Type: "Point", Coordinates: []float64{lon, lat}}
}

// lookupPath resolves a slash path against a record that may be nested or
// already flat.
func lookupPath(rec map[string]any, path string) any {
	if v, ok := rec[path]; ok {
		return v
	}
	current := any(rec)
	for _, segment := range strings.Split(path, "/") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}
