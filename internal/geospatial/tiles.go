package geospatial

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrTileCompile marks a failure of the external tile compiler.
var ErrTileCompile = eris.New("geospatial: tile compilation failed")

// TileCompiler turns a GeoJSON file into a tile archive at outputPath.
type TileCompiler interface {
	Compile(ctx context.Context, inputPath, outputPath string) error
}

// Tippecanoe compiles PMTiles with the tippecanoe CLI.
type Tippecanoe struct {
	binPath string
	minZoom int
	maxZoom int
	layer   string
}

// NewTippecanoe creates a compiler. Empty binPath and layer fall back to
// "tippecanoe" and "projects".
func NewTippecanoe(binPath string, minZoom, maxZoom int, layer string) *Tippecanoe {
	if binPath == "" {
		binPath = "tippecanoe"
	}
	if layer == "" {
		layer = "projects"
	}
	return &Tippecanoe{binPath: binPath, minZoom: minZoom, maxZoom: maxZoom, layer: layer}
}

// Args returns the tippecanoe command-line arguments.
func (t *Tippecanoe) Args(inputPath, outputPath string) []string {
	return []string{
		"-o", outputPath,
		"-Z", strconv.Itoa(t.minZoom),
		"-z", strconv.Itoa(t.maxZoom),
		"--force",
		"--no-feature-limit",
		"--no-tile-size-limit",
		"-l", t.layer,
		inputPath,
	}
}

// Compile implements TileCompiler.
func (t *Tippecanoe) Compile(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, t.binPath, t.Args(inputPath, outputPath)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return eris.Wrapf(ErrTileCompile, "geospatial: %s: %v: %s", t.binPath, err, tail(stderr.String(), 2048))
	}
	return nil
}

// CompileTiles writes collection to a scratch directory under workDir, runs
// compiler, and returns the archive bytes.
func CompileTiles(ctx context.Context, compiler TileCompiler, collection []byte, workDir string) ([]byte, error) {
	dir, err := os.MkdirTemp(workDir, "tm-mirror-tiles-")
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: create tile work dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	in := filepath.Join(dir, "all_projects.geojson")
	out := filepath.Join(dir, "projects.pmtiles")
	if err := os.WriteFile(in, collection, 0o644); err != nil {
		return nil, eris.Wrap(err, "geospatial: write tile input")
	}

	if err := compiler.Compile(ctx, in, out); err != nil {
		if !eris.Is(err, ErrTileCompile) {
			err = eris.Wrapf(ErrTileCompile, "geospatial: %v", err)
		}
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, eris.Wrapf(ErrTileCompile, "geospatial: read tile output: %v", err)
	}
	if len(data) == 0 {
		return nil, eris.Wrap(ErrTileCompile, "geospatial: tile output is empty")
	}
	zap.L().Info("tiles compiled", zap.Int("bytes", len(data)))
	return data, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
