package blob

import (
	"bytes"
	"context"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
)

// Minio stores objects on any S3-compatible endpoint through minio-go.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to opts.Endpoint. The scheme selects TLS.
func NewMinio(opts Options) (*Minio, error) {
	host, secure, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "blob: minio client")
	}
	return &Minio{client: client, bucket: opts.Bucket}, nil
}

// parseEndpoint splits "https://host:port" into minio's host and TLS flag.
// A bare host defaults to TLS.
func parseEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, eris.New("blob: minio endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, true, nil
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, eris.Errorf("blob: unsupported endpoint scheme %q", u.Scheme)
	}
}

// Get implements Store.
func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrap(err, "get", key)
	}
	defer obj.Close() //nolint:errcheck

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrap(err, "read", key)
	}
	return data, nil
}

// Put implements Store.
func (m *Minio) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return eris.Wrapf(err, "blob: put %s", key)
	}
	return nil
}

// List implements Store.
func (m *Minio) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, eris.Wrapf(obj.Err, "blob: list %s", prefix)
		}
		keys = append(keys, obj.Key)
	}
	return sortedKeys(keys), nil
}

// Delete implements Store.
func (m *Minio) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return eris.Wrapf(err, "blob: delete %s", key)
	}
	return nil
}

func (m *Minio) wrap(err error, op, key string) error {
	if isMinioNotFound(err) {
		return eris.Wrapf(ErrNotFound, "blob: %s %s", op, key)
	}
	return eris.Wrapf(err, "blob: %s %s", op, key)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
