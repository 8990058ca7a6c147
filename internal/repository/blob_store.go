package repository

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrBlobNotFound is returned when no blob exists at the given reference.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore stores opaque bytes addressed by a reference path. The store has
// no retry policy of its own; callers decide.
type BlobStore interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Close() error
}

// Blob namespaces, by purpose.
const (
	NamespaceUploads        = "uploads"
	NamespaceResults        = "results"
	NamespaceVisualizations = "visualizations"
)

// UploadRef is the reference for a raw uploaded input file.
func UploadRef(jobID, filename string) string {
	if filename == "" {
		filename = "input"
	}
	return path.Join(NamespaceUploads, jobID, path.Base(filename))
}

// ResultRef is the reference for the aggregated result JSON of a job.
func ResultRef(jobID string) string {
	return path.Join(NamespaceResults, jobID, "results.json")
}

// VisualizationRef is the reference for one labeled visualization asset.
func VisualizationRef(jobID, label string) string {
	return path.Join(NamespaceVisualizations, jobID, label+".png")
}

// validateRef rejects empty and path-escaping references. Adapters call it
// before touching the backend.
func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("empty blob reference")
	}
	clean := path.Clean(ref)
	if strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return fmt.Errorf("blob reference escapes store root: %q", ref)
	}
	return nil
}
