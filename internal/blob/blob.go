// Package blob is the object store boundary: flat keys, whole-object reads
// and writes, and prefix listing.
package blob

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = eris.New("blob: not found")

// Content types used by published objects.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeGeoJSON = "application/geo+json"
	ContentTypePMTiles = "application/vnd.pmtiles"
)

// Store is a key/value object store. Put overwrites; Delete of a missing key
// is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || eris.Is(err, ErrNotFound)
}

// Options configure a remote Store.
type Options struct {
	// Driver is "s3" (the default) or "minio".
	Driver          string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Open returns the Store selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "s3", "":
		return NewS3(ctx, opts)
	case "minio":
		return NewMinio(opts)
	default:
		return nil, eris.Errorf("blob: unknown driver %q", opts.Driver)
	}
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
