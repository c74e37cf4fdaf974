package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/npezzotti/pilgrim-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtension(t *testing.T) {
	tcs := []struct {
		contentType string
		ext         string
		expectErr   bool
	}{
		{contentType: "audio/webm", ext: ".webm"},
		{contentType: "audio/webm;codecs=opus", ext: ".webm"},
		{contentType: "video/mp4", ext: ".mp4"},
		{contentType: "image/jpeg", ext: ".jpg"},
		{contentType: "audio/x-unknown-codec", ext: ".bin"},
		{contentType: "application/pdf", expectErr: true},
		{contentType: "text/html", expectErr: true},
		{contentType: "", expectErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.contentType, func(t *testing.T) {
			ext, err := Extension(tc.contentType)
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ext, ext)
		})
	}
}

func TestFileStoreUpload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "media")
	fs, err := NewFileStore(dir, "http://localhost:8000/media/", testutil.TestLogger(t))
	require.NoError(t, err)

	url, err := fs.Upload(context.Background(), strings.NewReader("voice bytes"), "audio/webm")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8000/media/"), "unexpected url %q", url)
	assert.True(t, strings.HasSuffix(url, ".webm"))

	name := strings.TrimPrefix(url, "http://localhost:8000/media/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "voice bytes", string(data))

	other, err := fs.Upload(context.Background(), strings.NewReader("x"), "audio/webm")
	require.NoError(t, err)
	assert.NotEqual(t, url, other, "expected unique blob names")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "expected no temp files to be left behind")
}

func TestFileStoreUploadErrors(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "/media", testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = fs.Upload(context.Background(), strings.NewReader("%PDF"), "application/pdf")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fs.Upload(ctx, strings.NewReader("data"), "video/mp4")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
