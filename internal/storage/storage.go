package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrUnsupportedType = errors.New("unsupported media type")

// BlobStore persists uploaded media and returns a URL that serves it.
type BlobStore interface {
	Upload(ctx context.Context, r io.Reader, contentTypeHint string) (string, error)
}

var extensions = map[string]string{
	"audio/webm":      ".webm",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/aac":       ".aac",
	"audio/wav":       ".wav",
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
}

// Extension returns the file extension for an audio, video or image
// content type.
func Extension(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	if ext, ok := extensions[mediaType]; ok {
		return ext, nil
	}

	major, _, _ := strings.Cut(mediaType, "/")
	switch major {
	case "audio", "video", "image":
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0], nil
		}
		return ".bin", nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mediaType)
}

// FileStore writes blobs to a local directory served under baseURL.
type FileStore struct {
	log     *log.Logger
	dir     string
	baseURL string
}

var _ BlobStore = (*FileStore)(nil)

func NewFileStore(dir, baseURL string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	return &FileStore{
		log:     logger,
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) Upload(ctx context.Context, r io.Reader, contentTypeHint string) (string, error) {
	ext, err := Extension(contentTypeHint)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + ext
	tmp, err := os.CreateTemp(fs.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(fs.dir, name)); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}

	fs.log.Printf("stored %d byte blob %s", n, name)
	return fs.baseURL + "/" + name, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
