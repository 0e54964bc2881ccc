package geospatial

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/model"
)

// Properties are the enriched attributes attached to each feature.
type Properties struct {
	ProjectID        any             `json:"projectId"`
	Name             string          `json:"name"`
	Status           model.Status    `json:"status"`
	Imagery          string          `json:"imagery"`
	ImageryRaw       string          `json:"imageryRaw"`
	CountryTag       []string        `json:"countryTag"`
	Country          string          `json:"country"`
	OrganisationName string          `json:"organisationName"`
	Created          string          `json:"created"`
	MappingTypes     []string        `json:"mappingTypes"`
	AreaSqKm         float64         `json:"areaSqKm"`
	CentroidLon      *float64        `json:"centroidLon"`
	CentroidLat      *float64        `json:"centroidLat"`
	Difficulty       json.RawMessage `json:"difficulty"`
	ProjectPriority  json.RawMessage `json:"projectPriority"`
	PercentMapped    *float64        `json:"percentMapped"`
	PercentValidated *float64        `json:"percentValidated"`
	LastUpdated      string          `json:"lastUpdated"`
}

// Feature is a GeoJSON feature carrying the project's area of interest as
// it was published upstream.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties Properties      `json:"properties"`

	id model.EntityID
}

// ID returns the project id of the feature.
func (f Feature) ID() model.EntityID { return f.id }

// BuildFeature turns a raw project document into a feature. It fails with
// ErrInvalidGeometry when the area of interest is absent or unusable.
func BuildFeature(raw json.RawMessage) (Feature, error) {
	e, err := model.DecodeEntity(raw)
	if err != nil {
		return Feature{}, err
	}

	g, err := ParseGeometry(e.AreaOfInterest)
	if err != nil {
		return Feature{}, eris.Wrapf(err, "geospatial: project %s", e.ID)
	}
	area, err := AreaSqKm(g)
	if err != nil {
		return Feature{}, eris.Wrapf(err, "geospatial: project %s", e.ID)
	}

	var geometry bytes.Buffer
	if err := json.Compact(&geometry, e.AreaOfInterest); err != nil {
		return Feature{}, eris.Wrapf(ErrInvalidGeometry, "geospatial: project %s: %v", e.ID, err)
	}

	imageryRaw := ""
	if e.Imagery != nil {
		imageryRaw = *e.Imagery
	}

	props := Properties{
		ProjectID:        e.ID.Value(),
		Name:             e.ProjectInfo.Name,
		Status:           e.Status,
		Imagery:          NormalizeImagery(imageryRaw),
		ImageryRaw:       imageryRaw,
		CountryTag:       nonNil(e.CountryTag),
		OrganisationName: e.OrganisationName,
		Created:          e.Created,
		MappingTypes:     nonNil(e.MappingTypes),
		AreaSqKm:         area,
		Difficulty:       nullable(e.Difficulty),
		ProjectPriority:  nullable(e.ProjectPriority),
		PercentMapped:    e.PercentMapped,
		PercentValidated: e.PercentValidated,
		LastUpdated:      e.LastUpdated,
	}
	if len(props.CountryTag) > 0 {
		props.Country = props.CountryTag[0]
	}
	if lon, lat, err := Centroid(g); err == nil {
		props.CentroidLon, props.CentroidLat = &lon, &lat
	} else {
		zap.L().Debug("centroid unavailable", zap.String("entity_id", string(e.ID)), zap.Error(err))
	}

	return Feature{
		Type:       "Feature",
		Geometry:   geometry.Bytes(),
		Properties: props,
		id:         e.ID,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return raw
}
