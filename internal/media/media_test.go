package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A minimal PNG header; http.DetectContentType recognises it.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type mockStore struct {
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, string, error)
	WriteFunc func(ctx context.Context, bucket, object, contentType string, r io.Reader) error
}

func (m *mockStore) Read(ctx context.Context, bucket, object string) ([]byte, string, error) {
	return m.ReadFunc(ctx, bucket, object)
}

func (m *mockStore) Write(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	return m.WriteFunc(ctx, bucket, object, contentType, r)
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{"gs://bucket/a/b.jpg", "bucket", "a/b.jpg", false},
		{"gs://bucket", "", "", true},
		{"gs://bucket/", "", "", true},
		{"https://bucket/a.jpg", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			b, o, err := ParseGCSURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, b)
			assert.Equal(t, tt.object, o)
		})
	}
}

func TestFetch_GCS(t *testing.T) {
	store := &mockStore{ReadFunc: func(_ context.Context, bucket, object string) ([]byte, string, error) {
		assert.Equal(t, "receipts", bucket)
		assert.Equal(t, "2025/img.png", object)
		return pngBytes, "", nil
	}}
	f := NewFetcher(store, nil)

	data, mime, err := f.Fetch(context.Background(), "gs://receipts/2025/img.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, "image/png", mime)
}

func TestFetch_GCSMissingObjectIsPermanent(t *testing.T) {
	store := &mockStore{ReadFunc: func(context.Context, string, string) ([]byte, string, error) {
		return nil, "", storage.ErrObjectNotExist
	}}
	_, _, err := NewFetcher(store, nil).Fetch(context.Background(), "gs://b/missing.png")
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func TestFetch_GCSOutageIsRetryable(t *testing.T) {
	store := &mockStore{ReadFunc: func(context.Context, string, string) ([]byte, string, error) {
		return nil, "", errors.New("connection reset")
	}}
	_, _, err := NewFetcher(store, nil).Fetch(context.Background(), "gs://b/x.png")
	require.Error(t, err)
	assert.False(t, isPermanent(err))
}

func TestFetch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			w.Write([]byte("jpegdata"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(nil, srv.Client())
	ctx := context.Background()

	data, mime, err := f.Fetch(ctx, srv.URL+"/ok.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))
	assert.Equal(t, "image/jpeg", mime)

	_, _, err = f.Fetch(ctx, srv.URL+"/page")
	assert.True(t, isPermanent(err))

	_, _, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.True(t, isPermanent(err))

	_, _, err = f.Fetch(ctx, srv.URL+"/busy")
	require.Error(t, err)
	assert.False(t, isPermanent(err))
}

func TestFetch_RejectsUnknownSchemeAndMissingStore(t *testing.T) {
	f := NewFetcher(nil, nil)
	for _, ref := range []string{"file:///etc/passwd", "gs://bucket/a.png"} {
		_, _, err := f.Fetch(context.Background(), ref)
		assert.True(t, isPermanent(err), ref)
	}
}

func TestFetch_TooLarge(t *testing.T) {
	store := &mockStore{ReadFunc: func(context.Context, string, string) ([]byte, string, error) {
		return bytes.Repeat([]byte{0}, 16), "image/png", nil
	}}
	f := NewFetcher(store, nil)
	f.maxBytes = 8
	_, _, err := f.Fetch(context.Background(), "gs://b/big.png")
	assert.True(t, isPermanent(err))
}

func TestUpload(t *testing.T) {
	var gotBucket, gotObject, gotType, gotBody string
	store := &mockStore{WriteFunc: func(_ context.Context, bucket, object, contentType string, r io.Reader) error {
		b, _ := io.ReadAll(r)
		gotBucket, gotObject, gotType, gotBody = bucket, object, contentType, string(b)
		return nil
	}}
	u := NewUploader(store, "receipts", "uploads")
	u.now = func() time.Time { return time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC) }

	ref, err := u.Upload(context.Background(), "Photo.JPG", "image/jpeg", strings.NewReader("img"))
	require.NoError(t, err)
	assert.Equal(t, "receipts", gotBucket)
	assert.True(t, strings.HasPrefix(gotObject, "uploads/2025/03/14/"))
	assert.True(t, strings.HasSuffix(gotObject, ".jpg"))
	assert.Equal(t, "gs://receipts/"+gotObject, ref)
	assert.Equal(t, "image/jpeg", gotType)
	assert.Equal(t, "img", gotBody)
	assert.Equal(t, FilenameFromURI(ref), gotObject[strings.LastIndex(gotObject, "/")+1:])

	_, err = u.Upload(context.Background(), "doc.pdf", "application/pdf", strings.NewReader("x"))
	assert.True(t, isPermanent(err))

	_, err = NewUploader(store, "", "").Upload(context.Background(), "a.png", "image/png", strings.NewReader("x"))
	assert.Error(t, err)
}
