package dump

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// Sink stores named dump blobs.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// OpenSink returns a GCSSink for gs://bucket/prefix destinations and a
// FileSink for anything else.
func OpenSink(dest string) (Sink, error) {
	if strings.HasPrefix(dest, "gs://") {
		return NewGCSSink(dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	return &FileSink{Dir: dest}, nil
}

// FileSink writes blobs into a local directory.
type FileSink struct {
	Dir string
}

var _ Sink = (*FileSink)(nil)

// Put writes data to Dir/name through a temp file renamed into place.
func (s *FileSink) Put(ctx context.Context, name string, data []byte) error {
	log := klog.FromContext(ctx)

	dest := filepath.Join(s.Dir, name)
	tempFile, err := os.CreateTemp(filepath.Dir(dest), "dump")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	log.V(4).Info("wrote dump", "path", dest, "bytes", len(data))
	return nil
}

// GCSSink writes blobs to a Google Cloud Storage bucket.
type GCSSink struct {
	Bucket string
	Prefix string
}

var _ Sink = (*GCSSink)(nil)

// NewGCSSink parses a gs://bucket/prefix URL.
func NewGCSSink(url string) (*GCSSink, error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return nil, fmt.Errorf("not a gs:// url: %q", url)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("missing bucket in %q", url)
	}
	return &GCSSink{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// ObjectKey returns the object name data for name is stored under.
func (s *GCSSink) ObjectKey(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

// Put uploads data to gs://Bucket/Prefix/name.
func (s *GCSSink) Put(ctx context.Context, name string, data []byte) error {
	log := klog.FromContext(ctx)

	objectKey := s.ObjectKey(name)
	gcsURL := "gs://" + s.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	w := client.Bucket(s.Bucket).Object(objectKey).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded dump to GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
	return nil
}
