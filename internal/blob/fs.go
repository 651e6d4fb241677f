package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/twinstack/loom/pkg/id"
)

// FSStore keeps blobs as plain files under a base directory. Refs are
// slash-separated relative paths: {stream}/{id}{ext}.
type FSStore struct {
	baseDir string
	baseURL string
	gen     *id.Generator
}

// NewFSStore creates the base directory if needed. baseURL prefixes
// PublicURL results, e.g. "http://localhost:8080/blobs".
func NewFSStore(baseDir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create base dir: %w", err)
	}
	return &FSStore{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		gen:     id.NewGenerator(),
	}, nil
}

// refPath resolves a ref inside the base directory, rejecting traversal.
func (s *FSStore) refPath(ref string) (string, error) {
	clean := path.Clean("/" + ref)
	if clean == "/" {
		return "", fmt.Errorf("blob: empty ref")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean[1:])), nil
}

func (s *FSStore) newRef(stream, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(stream, s.gen.Next().String()+ext)
}

func (s *FSStore) Save(ctx context.Context, buf []byte, stream, ext string) (string, error) {
	return s.SaveWithPath(ctx, buf, s.newRef(stream, ext))
}

func (s *FSStore) SaveWithPath(_ context.Context, buf []byte, ref string) (string, error) {
	p, err := s.refPath(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir for %q: %w", ref, err)
	}
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %q: %w", ref, err)
	}
	return ref, nil
}

func (s *FSStore) SaveFrom(_ context.Context, r io.Reader, stream, ext string) (string, error) {
	ref := s.newRef(stream, ext)
	p, err := s.refPath(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir for %q: %w", ref, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("blob: create %q: %w", ref, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("blob: stream %q: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("blob: close %q: %w", ref, err)
	}
	return ref, nil
}

func (s *FSStore) Retrieve(_ context.Context, ref string) ([]byte, error) {
	p, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read %q: %w", ref, err)
	}
	return buf, nil
}

func (s *FSStore) Delete(_ context.Context, ref string) error {
	p, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %q: %w", ref, err)
	}
	return nil
}

func (s *FSStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	root, err := s.refPath(prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return count, fmt.Errorf("blob: delete prefix %q: %w", prefix, err)
	}
	// prune empty directories left behind, best effort
	_ = os.Remove(root)
	return count, nil
}

func (s *FSStore) PublicURL(ref string) string {
	if s.baseURL == "" {
		return ref
	}
	return s.baseURL + "/" + strings.TrimPrefix(ref, "/")
}
