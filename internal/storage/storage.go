package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/bobarin/adreel/internal/logger"
)

// Provider stores a finished local file under a logical key and returns a
// URL the submitter can download it from. Remote providers remove the
// local file after a successful upload.
type Provider interface {
	Name() string
	Store(ctx context.Context, localPath, key string) (publicURL string, err error)
}

// Config selects and configures a Provider.
type Config struct {
	Provider      string
	LocalRoot     string
	PublicBaseURL string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// New builds the configured provider. Unknown names are an error.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch cfg.Provider {
	case "", "local":
		return NewLocal(cfg.LocalRoot, cfg.PublicBaseURL)
	case "supabase":
		return NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket, log), nil
	case "gdrive":
		return newGDriveProvider(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

func newGDriveProvider(ctx context.Context, cfg Config, log *logger.Logger) (Provider, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return NewGDrive(srv, cfg.GDriveFolderID, log), nil
}

// ObjectKey builds a slash-separated key from parts.
func ObjectKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(filepath.ToSlash(p), "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return path.Join(clean...)
}

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
