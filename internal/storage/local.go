package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// Local keeps artifacts under a directory on this host. Refs are absolute
// file paths, so it only works when renders happen in-process.
type Local struct {
	root string
	log  *logger.Logger
}

func NewLocal(root string, log *logger.Logger) (*Local, error) {
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Local{root: abs, log: log.WithComponent("storage.local")}, nil
}

func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", apperrors.Validationf("key %q escapes the artifact dir", key)
	}
	return p, nil
}

func (l *Local) owned(ref string) (string, error) {
	p := filepath.Clean(strings.TrimPrefix(ref, "file://"))
	if !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", apperrors.Validationf("ref %q is not in the artifact dir", ref)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (l *Local) Fetch(ctx context.Context, ref, localPath string) error {
	src, err := l.owned(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return apperrors.NotFound("artifact", ref)
	}
	return copyFile(src, localPath)
}

// SignedURL returns a file URL; local artifacts are served by the API itself.
func (l *Local) SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	p, err := l.owned(ref)
	if err != nil {
		return "", err
	}
	return "file://" + p, nil
}

func (l *Local) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, string, error) {
	return "", "", apperrors.New(apperrors.CodeUnavailable, "local artifact store cannot accept remote uploads")
}

func (l *Local) Delete(ctx context.Context, prefix string) error {
	p, err := l.path(prefix)
	if err != nil {
		return err
	}
	if p == l.root {
		return apperrors.Validation("refusing to delete the artifact root")
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to delete %s: %w", prefix, err)
	}
	l.log.FromContext(ctx).Info("[Storage] deleted artifacts", "prefix", prefix)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	_, err = writeBody(in, dst)
	return err
}
