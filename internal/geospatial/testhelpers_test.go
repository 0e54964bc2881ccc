package geospatial

import (
	"encoding/json"
	"fmt"
)

const unitSquare = `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

const squareWithHole = `{"type":"Polygon","coordinates":[
	[[0,0],[1,0],[1,1],[0,1],[0,0]],
	[[0.25,0.25],[0.25,0.75],[0.75,0.75],[0.75,0.25],[0.25,0.25]]]}`

const twoSquares = `{"type":"MultiPolygon","coordinates":[
	[[[0,0],[1,0],[1,1],[0,1],[0,0]]],
	[[[10,0],[11,0],[11,1],[10,1],[10,0]]]]}`

// projectDoc builds a minimal project document.
func projectDoc(id int, updated, aoi, imagery string) json.RawMessage {
	img := "null"
	if imagery != "" {
		img = fmt.Sprintf("%q", imagery)
	}
	if aoi == "" {
		aoi = "null"
	}
	return json.RawMessage(fmt.Sprintf(`{
		"projectId": %d,
		"lastUpdated": %q,
		"status": "PUBLISHED",
		"areaOfInterest": %s,
		"imagery": %s,
		"countryTag": ["Kenya"],
		"projectInfo": {"name": "Project %d"},
		"organisationName": "HOT",
		"created": "2023-05-01T12:00:00.000000Z",
		"mappingTypes": ["BUILDINGS"],
		"difficulty": "EASY",
		"projectPriority": "HIGH",
		"percentMapped": 50,
		"percentValidated": 10
	}`, id, updated, aoi, img, id))
}
