package model

// Object keys of the published mirror.
const (
	DocumentPrefix = "api/v2/projects/"
	CollectionKey  = "all_projects.geojson"
	TilesKey       = "projects.pmtiles"
	SummaryKey     = "projects_summary.json"
)

// Artifact names tracked in SyncState.Artifacts.
const (
	ArtifactCollection = "collection"
	ArtifactTiles      = "tiles"
	ArtifactSummary    = "summary"
)

// DocumentKey is the extension-less key of a mirrored project document.
func DocumentKey(id EntityID) string {
	return DocumentPrefix + string(id)
}
