package client

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/blob"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/telemetry"
)

// PresignUpload asks the server for an upload URL for a file called name.
func (r *Remote) PresignUpload(ctx context.Context, name string) (*blob.Upload, error) {
	var up blob.Upload
	err := r.do(ctx, "presign upload", http.MethodPost, "/attachments/presign", nil, handlers.PresignRequest{Name: name}, &up)
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// Upload sends the file at path to attachment storage and returns the
// attachment to put on a message.
func (r *Remote) Upload(ctx context.Context, path string) (models.Attachment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "attachment.upload")
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		return models.Attachment{}, apperr.Validation("upload", err.Error())
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload: %w", err)
	}
	if info.IsDir() {
		return models.Attachment{}, apperr.Validation("upload", path+" is a directory")
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	span.SetAttributes(attribute.String("file.name", name), attribute.Int64("file.size", info.Size()))

	up, err := r.PresignUpload(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign failed")
		return models.Attachment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, up.URL, f)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	resp, err := r.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return models.Attachment{}, apperr.Transient("upload", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return models.Attachment{}, apperr.FromStatus("upload", resp.StatusCode, "storage rejected the upload: "+resp.Status)
	}

	return models.Attachment{
		ID:        uuid.NewString(),
		Kind:      attachmentKind(contentType),
		Name:      name,
		Size:      info.Size(),
		MIME:      contentType,
		ObjectKey: up.ObjectKey,
	}, nil
}

func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "file"
	}
}
