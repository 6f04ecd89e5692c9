package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/bobarin/adreel/internal/logger"
)

// GDrive uploads outputs to a Google Drive folder and shares them by link.
// The object key becomes the Drive file name.
type GDrive struct {
	srv      *drive.Service
	folderID string
	log      *logger.Logger
}

func NewGDrive(srv *drive.Service, folderID string, log *logger.Logger) *GDrive {
	if log == nil {
		log = logger.Nop()
	}
	return &GDrive{srv: srv, folderID: folderID, log: log.WithComponent("gdrive")}
}

func (g *GDrive) Name() string { return "gdrive" }

func (g *GDrive) Store(ctx context.Context, localPath, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}

	file := &drive.File{Name: path.Base(key), Description: key}
	if g.folderID != "" {
		file.Parents = []string{g.folderID}
	}
	created, err := g.srv.Files.Create(file).
		Media(f, googleapi.ContentType(contentTypeFor(localPath))).
		Fields("id").
		Context(ctx).
		Do()
	f.Close()
	if err != nil {
		return "", fmt.Errorf("gdrive upload failed: %w", err)
	}

	_, err = g.srv.Permissions.Create(created.Id, &drive.Permission{Type: "anyone", Role: "reader"}).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive share failed: %w", err)
	}

	if err := os.Remove(localPath); err != nil {
		g.log.FromContext(ctx).Warn("failed to remove uploaded file", zap.String("path", localPath), zap.Error(err))
	}
	return DriveDownloadURL(created.Id), nil
}

// DriveDownloadURL is the direct-download link for a shared Drive file.
func DriveDownloadURL(fileID string) string {
	return "https://drive.google.com/uc?id=" + fileID + "&export=download"
}
