package geospatial

import (
	"encoding/json"

	"github.com/hotosm/tm-mirror/internal/model"
)

// SummaryEntry is the geometry-free record of one project.
type SummaryEntry struct {
	ID           any             `json:"id"`
	Name         string          `json:"name"`
	Status       model.Status    `json:"status"`
	Imagery      string          `json:"imagery"`
	ImageryRaw   string          `json:"imageryRaw"`
	Country      []string        `json:"country"`
	Org          string          `json:"org"`
	Created      string          `json:"created"`
	MappingTypes []string        `json:"mappingTypes"`
	AreaSqKm     float64         `json:"areaSqKm"`
	Centroid     []float64       `json:"centroid"`
	PctMapped    *float64        `json:"pctMapped"`
	PctValidated *float64        `json:"pctValidated"`
	Difficulty   json.RawMessage `json:"difficulty"`
	Priority     json.RawMessage `json:"priority"`
}

// Summary is the dashboard index over all mirrored projects.
type Summary struct {
	LastUpdated   string         `json:"lastUpdated"`
	TotalProjects int            `json:"totalProjects"`
	Projects      []SummaryEntry `json:"projects"`
}

// BuildSummary derives the summary from the same features as the collection.
// LastUpdated is the newest project lastUpdated, not the wall clock.
func BuildSummary(features []Feature) Summary {
	s := Summary{
		TotalProjects: len(features),
		Projects:      make([]SummaryEntry, 0, len(features)),
	}
	for _, f := range features {
		p := f.Properties
		entry := SummaryEntry{
			ID:           p.ProjectID,
			Name:         p.Name,
			Status:       p.Status,
			Imagery:      p.Imagery,
			ImageryRaw:   p.ImageryRaw,
			Country:      p.CountryTag,
			Org:          p.OrganisationName,
			Created:      dateOnly(p.Created),
			MappingTypes: p.MappingTypes,
			AreaSqKm:     p.AreaSqKm,
			PctMapped:    p.PercentMapped,
			PctValidated: p.PercentValidated,
			Difficulty:   p.Difficulty,
			Priority:     p.ProjectPriority,
		}
		if p.CentroidLon != nil && p.CentroidLat != nil {
			entry.Centroid = []float64{*p.CentroidLon, *p.CentroidLat}
		}
		s.Projects = append(s.Projects, entry)

		if s.LastUpdated == "" {
			s.LastUpdated = p.LastUpdated
		} else {
			s.LastUpdated = model.Newest(s.LastUpdated, p.LastUpdated)
		}
	}
	return s
}

func dateOnly(ts string) string {
	if len(ts) > 10 {
		return ts[:10]
	}
	return ts
}
