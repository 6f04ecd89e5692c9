package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/adreel/internal/pathguard"
)

// Local keeps outputs on disk under root, served at publicBaseURL.
type Local struct {
	guard         *pathguard.Guard
	publicBaseURL string
}

func NewLocal(root, publicBaseURL string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	guard, err := pathguard.New(root)
	if err != nil {
		return nil, err
	}
	return &Local{guard: guard, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (l *Local) Name() string { return "local" }

// Store moves localPath to root/key. A file already at its destination is
// left alone.
func (l *Local) Store(ctx context.Context, localPath, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	dst, err := l.guard.Resolve(filepath.FromSlash(key))
	if err != nil {
		return "", err
	}
	src, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	if src != dst {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", err
		}
		if err := os.Rename(src, dst); err != nil {
			// cross-device: copy then remove
			if err := copyFile(src, dst); err != nil {
				return "", fmt.Errorf("failed to store %s: %w", key, err)
			}
			os.Remove(src)
		}
	}
	return l.PublicURL(key), nil
}

// PublicURL returns the URL for key.
func (l *Local) PublicURL(key string) string {
	if l.publicBaseURL == "" {
		return "file://" + filepath.Join(l.guard.Root(), filepath.FromSlash(key))
	}
	return l.publicBaseURL + "/" + strings.TrimLeft(key, "/")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
