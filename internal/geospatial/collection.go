package geospatial

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/model"
)

// FeatureCollection is the merged GeoJSON document.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Skip records a project left out of the derived artifacts.
type Skip struct {
	ID     model.EntityID
	Reason string
}

// Artifacts are the serialized derived outputs of one snapshot.
type Artifacts struct {
	Collection     []byte
	CollectionHash string
	Summary        []byte
	Features       []Feature
	Skipped        []Skip
}

// Build derives the collection and summary from snap. Projects whose document
// or geometry is unusable are skipped and reported, never fatal. Output is a
// pure function of snap: identical snapshots give identical bytes.
func Build(snap model.Snapshot) (*Artifacts, error) {
	log := zap.L().With(zap.String("component", "geospatial.builder"))

	out := &Artifacts{Features: make([]Feature, 0, len(snap))}
	for _, id := range snap.IDs() {
		f, err := BuildFeature(snap[id])
		if err != nil {
			out.Skipped = append(out.Skipped, Skip{ID: id, Reason: err.Error()})
			log.Debug("skipping project", zap.String("entity_id", string(id)), zap.Error(err))
			continue
		}
		out.Features = append(out.Features, f)
	}

	collection, err := json.Marshal(FeatureCollection{Type: "FeatureCollection", Features: out.Features})
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: encode collection")
	}
	out.Collection = collection
	out.CollectionHash = Hash(collection)

	summary, err := json.Marshal(BuildSummary(out.Features))
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: encode summary")
	}
	out.Summary = summary

	log.Info("derived artifacts built",
		zap.Int("features", len(out.Features)),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("collection_bytes", len(collection)),
	)
	return out, nil
}

// Hash is the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
