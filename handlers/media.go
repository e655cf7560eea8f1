// koban/handlers/media.go
package handlers

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"koban/config"
	"koban/models"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

var mediaKinds = map[string]string{
	"image/jpeg": models.MediaImage,
	"image/png":  models.MediaImage,
	"image/gif":  models.MediaImage,
	"image/webp": models.MediaImage,
	"video/mp4":  models.MediaVideo,
	"video/webm": models.MediaVideo,
	"audio/mpeg": models.MediaAudio,
	"audio/ogg":  models.MediaAudio,
}

var mediaExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
}

// processMedia stores an uploaded file (field "media") in the object store
// and, for images, a thumbnail alongside it. Blobs are written before the
// database row that references them commits; the reconciler's grace window
// covers the gap.
func processMedia(r *http.Request, app App, logger *slog.Logger) (mediaKey, thumbKey, mediaKind string, hasMedia bool, err error) {
	file, header, err := r.FormFile("media")
	if err == http.ErrMissingFile {
		return "", "", "", false, nil
	}
	if err != nil {
		return "", "", "", false, err
	}
	defer file.Close()

	if header.Size > config.MaxFileSize {
		return "", "", "", false, fmt.Errorf("file exceeds maximum size of %d bytes", int64(config.MaxFileSize))
	}
	data, err := io.ReadAll(io.LimitReader(file, config.MaxFileSize))
	if err != nil {
		return "", "", "", false, err
	}

	contentType := http.DetectContentType(data)
	kind, ok := mediaKinds[contentType]
	if !ok {
		return "", "", "", false, fmt.Errorf("unsupported media type %s", contentType)
	}

	id := uuid.New().String()
	mediaKey = id + mediaExtensions[contentType]

	ctx := r.Context()
	if err := app.Storage().Save(ctx, mediaKey, data, contentType); err != nil {
		return "", "", "", false, fmt.Errorf("failed to store media: %w", err)
	}

	if kind == models.MediaImage {
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			// The original is already stored; the reconciler will collect it
			// once this request fails without committing a row.
			return "", "", "", false, fmt.Errorf("failed to decode image: %w", err)
		}
		thumb := imaging.Fit(img, config.ThumbnailWidth, config.ThumbnailHeight, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return "", "", "", false, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		thumbKey = "t_" + id + ".jpg"
		if err := app.Storage().Save(ctx, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
			return "", "", "", false, fmt.Errorf("failed to store thumbnail: %w", err)
		}
	}

	logger.Info("Stored media", "key", mediaKey, "kind", kind, "size", len(data))
	return mediaKey, thumbKey, kind, true, nil
}
