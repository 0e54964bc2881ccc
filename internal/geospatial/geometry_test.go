package geospatial

import (
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeometryValid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{unitSquare, squareWithHole, twoSquares} {
		_, err := ParseGeometry(json.RawMessage(raw))
		assert.NoError(t, err, raw)
	}
}

func TestParseGeometryInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"absent", ``},
		{"null", `null`},
		{"garbage", `{"type":`},
		{"point", `{"type":"Point","coordinates":[0,0]}`},
		{"line", `{"type":"LineString","coordinates":[[0,0],[1,1]]}`},
		{"short ring", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[0,0]]]}`},
		{"open ring", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}`},
		{"out of range", `{"type":"Polygon","coordinates":[[[0,0],[200,0],[200,1],[0,1],[0,0]]]}`},
		{"no rings", `{"type":"Polygon","coordinates":[]}`},
		{"empty multipolygon", `{"type":"MultiPolygon","coordinates":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseGeometry(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrInvalidGeometry), err.Error())
		})
	}
}

func TestAreaSqKm(t *testing.T) {
	t.Parallel()

	g, err := ParseGeometry(json.RawMessage(unitSquare))
	require.NoError(t, err)
	square, err := AreaSqKm(g)
	require.NoError(t, err)
	// A 1°×1° cell on the equator covers roughly 12,300 km².
	assert.InDelta(t, 12308, square, 60)

	g, err = ParseGeometry(json.RawMessage(squareWithHole))
	require.NoError(t, err)
	holed, err := AreaSqKm(g)
	require.NoError(t, err)
	assert.InDelta(t, square*0.75, holed, 30)

	g, err = ParseGeometry(json.RawMessage(twoSquares))
	require.NoError(t, err)
	multi, err := AreaSqKm(g)
	require.NoError(t, err)
	assert.InDelta(t, 2*square, multi, 1)
}

func TestAreaIsOrientationIndependent(t *testing.T) {
	t.Parallel()

	ccw, _ := ParseGeometry(json.RawMessage(unitSquare))
	cw, _ := ParseGeometry(json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[1,0],[0,0]]]}`))

	a, err := AreaSqKm(ccw)
	require.NoError(t, err)
	b, err := AreaSqKm(cw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAreaRoundedToTwoDecimals(t *testing.T) {
	t.Parallel()

	g, _ := ParseGeometry(json.RawMessage(`{"type":"Polygon","coordinates":[[[10,45],[10.01,45],[10.01,45.01],[10,45.01],[10,45]]]}`))
	a, err := AreaSqKm(g)
	require.NoError(t, err)
	assert.Equal(t, a, round(a, 2))
	assert.Greater(t, a, 0.5)
	assert.Less(t, a, 1.0)
}

func TestCentroid(t *testing.T) {
	t.Parallel()

	g, _ := ParseGeometry(json.RawMessage(unitSquare))
	lon, lat, err := Centroid(g)
	require.NoError(t, err)
	assert.Equal(t, 0.5, lon)
	assert.Equal(t, 0.5, lat)

	g, _ = ParseGeometry(json.RawMessage(twoSquares))
	lon, lat, err = Centroid(g)
	require.NoError(t, err)
	assert.Equal(t, 5.5, lon)
	assert.Equal(t, 0.5, lat)
}

func TestRound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.23, round(1.2345, 2))
	assert.Equal(t, 1.2346, round(1.23456, 4))
	assert.Equal(t, 0.0, round(-0.00001, 2))
}
