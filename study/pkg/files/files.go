package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrOutsideRoot    = errors.New("file path escapes the container file root")
	ErrNoFileResolver = errors.New("no file resolver configured")
)

// Resolver turns a user-supplied file reference into the stored location of
// that file, scoped to a container's file root.
type Resolver interface {
	Resolve(ctx context.Context, container, ref string) (string, error)
}

// FilesDir is the subdirectory under a container root that holds attachments.
const FilesDir = "@files"

// FSResolver resolves references against a local directory tree laid out as
// <root>/<container>/@files/<ref>.
type FSResolver struct {
	Root string
}

func (r *FSResolver) Resolve(_ context.Context, container, ref string) (string, error) {
	rel, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	base := filepath.Join(r.Root, container, FilesDir)
	full := filepath.Join(base, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("failed to stat %s: %w", ref, err)
	}
	return full, nil
}

// cleanRef normalizes a reference to a slash-separated relative path.
func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	cleaned := path.Clean("/" + ref)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if strings.Contains(ref, "..") && cleaned != "/"+strings.TrimPrefix(ref, "/") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
