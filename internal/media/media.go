// Package media resolves image references (gs:// objects and http(s) URLs)
// and stores uploaded images in Cloud Storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// DefaultMaxBytes caps the size of a fetched image.
const DefaultMaxBytes = 20 << 20

// RefError is a problem with the reference itself; retrying will not help.
type RefError struct {
	Ref string
	Err error
}

func (e *RefError) Error() string { return fmt.Sprintf("image %q: %v", e.Ref, e.Err) }
func (e *RefError) Unwrap() error { return e.Err }
func (e *RefError) Permanent() bool { return true }

// ObjectStore reads and writes objects in a bucket.
type ObjectStore interface {
	Read(ctx context.Context, bucket, object string) ([]byte, string, error)
	Write(ctx context.Context, bucket, object, contentType string, r io.Reader) error
}

// ParseGCSURI splits gs://bucket/path into bucket and object path.
func ParseGCSURI(uri string) (string, string, error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// Fetcher loads image bytes for the extraction service.
type Fetcher struct {
	objects  ObjectStore
	http     *http.Client
	maxBytes int64
}

// NewFetcher returns a fetcher. objects may be nil when no bucket is configured;
// gs:// references then fail.
func NewFetcher(objects ObjectStore, httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{objects: objects, http: httpClient, maxBytes: DefaultMaxBytes}
}

// Fetch returns the image bytes and their MIME type.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	var (
		data []byte
		mime string
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "gs://"):
		data, mime, err = f.fetchObject(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, mime, err = f.fetchURL(ctx, ref)
	default:
		return nil, "", &RefError{Ref: ref, Err: errors.New("unsupported reference scheme")}
	}
	if err != nil {
		return nil, "", err
	}

	if int64(len(data)) > f.maxBytes {
		return nil, "", &RefError{Ref: ref, Err: fmt.Errorf("image larger than %d bytes", f.maxBytes)}
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	mime = strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", &RefError{Ref: ref, Err: fmt.Errorf("not an image: %s", mime)}
	}
	return data, mime, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, ref string) ([]byte, string, error) {
	if f.objects == nil {
		return nil, "", &RefError{Ref: ref, Err: errors.New("no object store configured")}
	}
	bucket, object, err := ParseGCSURI(ref)
	if err != nil {
		return nil, "", &RefError{Ref: ref, Err: err}
	}
	data, mime, err := f.objects.Read(ctx, bucket, object)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, "", &RefError{Ref: ref, Err: err}
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetchObject: %w", err)
	}
	return data, mime, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", &RefError{Ref: ref, Err: err}
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetchURL: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("fetchURL: status %d", resp.StatusCode)
	default:
		return nil, "", &RefError{Ref: ref, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetchURL: reading body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Uploader stores incoming images and hands back gs:// references.
type Uploader struct {
	objects ObjectStore
	bucket  string
	prefix  string
	now     func() time.Time
}

// NewUploader stores objects under prefix in bucket.
func NewUploader(objects ObjectStore, bucket, prefix string) *Uploader {
	return &Uploader{objects: objects, bucket: bucket, prefix: prefix, now: time.Now}
}

// Upload writes r and returns its gs:// reference. Objects are laid out by
// upload date with a random name that keeps the original extension.
func (u *Uploader) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if u.bucket == "" {
		return "", errors.New("Upload: no bucket configured")
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return "", &RefError{Ref: filename, Err: fmt.Errorf("not an image: %s", contentType)}
	}

	object := path.Join(u.prefix, u.now().UTC().Format("2006/01/02"), uuid.NewString()+strings.ToLower(path.Ext(filename)))
	if err := u.objects.Write(ctx, u.bucket, object, contentType, r); err != nil {
		return "", fmt.Errorf("Upload: %w", err)
	}
	return "gs://" + u.bucket + "/" + object, nil
}

// FilenameFromURI returns the last path element of a gs:// URI.
func FilenameFromURI(uri string) string {
	return path.Base(strings.TrimPrefix(uri, "gs://"))
}
