// Package storage provides durable blob storage for project source trees,
// agent resume artifacts and render completion metadata.
package storage

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is durable blob storage keyed by slash-separated paths.
type Store interface {
	// Get returns the object at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// DownloadDir copies every object under prefix into dir, preserving
	// the path below prefix. A prefix with no objects is not an error.
	DownloadDir(ctx context.Context, prefix, dir string) (int, error)

	// UploadDir copies every regular file below dir to prefix.
	UploadDir(ctx context.Context, dir, prefix string) (int, error)
}

// ProjectSourcePrefix is where a project's source tree is stored.
func ProjectSourcePrefix(projectID string) string {
	return path.Join("projects", projectID, "source") + "/"
}

// ProjectAgentPrefix is where a project's agent resume artifacts are stored.
func ProjectAgentPrefix(projectID string) string {
	return path.Join("projects", projectID, "agent") + "/"
}

// RenderMetadataKey is the completion metadata object written by a render job.
func RenderMetadataKey(renderID string) string {
	return path.Join("renders", renderID, "metadata.json")
}

// RenderOutputKey is the conventional location of a render's output artifact.
func RenderOutputKey(renderID, format string) string {
	return path.Join("renders", renderID, "output."+format)
}
