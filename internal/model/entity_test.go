package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityIDUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want EntityID
	}{
		{"number", `42`, "42"},
		{"string", `"42"`, "42"},
		{"padded string", `" 0042 "`, "42"},
		{"float integer", `42.0`, "42"},
		{"non numeric", `"abc"`, "abc"},
		{"null", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var id EntityID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestEntityIDLess(t *testing.T) {
	t.Parallel()

	ids := []EntityID{"100", "abc", "9", "20", "1"}
	SortIDs(ids)
	assert.Equal(t, []EntityID{"1", "9", "20", "100", "abc"}, ids)
}

func TestEntityIDValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(7), EntityID("7").Value())
	assert.Equal(t, "x7", EntityID("x7").Value())
}

func TestListingItemDecode(t *testing.T) {
	t.Parallel()

	var items []ListingItem
	raw := `[{"projectId":1,"lastUpdated":"2024-01-01T00:00:00Z","status":"PUBLISHED"},
	         {"projectId":"2","lastUpdated":"2024-01-02T00:00:00Z","status":"archived"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &items))
	require.Len(t, items, 2)
	assert.Equal(t, EntityID("1"), items[0].ID)
	assert.Equal(t, StatusPublished, items[0].Status)
	assert.Equal(t, EntityID("2"), items[1].ID)
	assert.Equal(t, StatusArchived, items[1].Status)
}

func TestDecodeEntity(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"projectId": 12,
		"lastUpdated": "2024-03-01T10:00:00Z",
		"status": "PUBLISHED",
		"areaOfInterest": {"type":"MultiPolygon","coordinates":[]},
		"imagery": null,
		"projectInfo": {"name": "Flood mapping"},
		"percentMapped": 40
	}`)

	e, err := DecodeEntity(raw)
	require.NoError(t, err)
	assert.Equal(t, EntityID("12"), e.ID)
	assert.Equal(t, "Flood mapping", e.ProjectInfo.Name)
	assert.Nil(t, e.Imagery)
	require.NotNil(t, e.PercentMapped)
	assert.InDelta(t, 40.0, *e.PercentMapped, 0.001)
	assert.Nil(t, e.PercentValidated)
}

func TestDecodeEntityErrors(t *testing.T) {
	t.Parallel()

	_, err := DecodeEntity([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeEntity([]byte(`{"name":"no id"}`))
	assert.Error(t, err)
}

func TestSnapshotIDs(t *testing.T) {
	t.Parallel()

	s := Snapshot{"10": nil, "2": nil, "33": nil}
	assert.Equal(t, []EntityID{"2", "10", "33"}, s.IDs())

	c := s.Clone()
	delete(c, "2")
	assert.Len(t, s, 3)
}
