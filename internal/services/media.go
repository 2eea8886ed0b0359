package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// minMediaBytes is the size below which a download is assumed to be an
// error body rather than media.
const minMediaBytes = 100

// SniffMedia classifies a file header. It returns the kind and a file
// extension, or an error describing why the bytes are not media of kind.
func SniffMedia(header []byte, kind MediaKind) (string, error) {
	if looksLikeErrorPage(header) {
		return "", fmt.Errorf("content is an HTML/JSON error response, not %s", kind)
	}

	switch kind {
	case MediaImage:
		switch {
		case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
			return ".png", nil
		case bytes.HasPrefix(header, []byte{0xFF, 0xD8, 0xFF}):
			return ".jpg", nil
		case len(header) >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WEBP":
			return ".webp", nil
		case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
			return ".gif", nil
		}
	case MediaAudio:
		switch {
		case bytes.HasPrefix(header, []byte("ID3")),
			len(header) >= 2 && header[0] == 0xFF && (header[1] == 0xFB || header[1] == 0xFA || header[1] == 0xF3 || header[1] == 0xF2):
			return ".mp3", nil
		case len(header) >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WAVE":
			return ".wav", nil
		case bytes.HasPrefix(header, []byte("OggS")):
			return ".ogg", nil
		case bytes.HasPrefix(header, []byte("fLaC")):
			return ".flac", nil
		case len(header) >= 8 && string(header[4:8]) == "ftyp":
			return ".m4a", nil
		}
	case MediaVideo:
		switch {
		case len(header) >= 8 && string(header[4:8]) == "ftyp":
			return ".mp4", nil
		case bytes.HasPrefix(header, []byte{0x1A, 0x45, 0xDF, 0xA3}):
			return ".mkv", nil
		case len(header) >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "AVI ":
			return ".avi", nil
		case bytes.HasPrefix(header, []byte("OggS")):
			return ".ogv", nil
		case len(header) > 0 && header[0] == 0x47:
			return ".ts", nil
		}
	}
	n := len(header)
	if n > 8 {
		n = 8
	}
	return "", fmt.Errorf("unrecognized %s format (header %x)", kind, header[:n])
}

func looksLikeErrorPage(header []byte) bool {
	h := bytes.TrimSpace(header)
	lower := bytes.ToLower(h)
	for _, marker := range [][]byte{[]byte("<!doctype"), []byte("<html"), []byte("<?xml")} {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return bytes.HasPrefix(h, []byte("{")) && (bytes.Contains(h, []byte(`"error"`)) || bytes.Contains(h, []byte(`"message"`)))
}

// MediaFetcher materializes source references (http(s) URLs or local paths)
// as validated local files.
type MediaFetcher struct {
	client *http.Client
	log    *logger.Logger
}

func NewMediaFetcher(client *http.Client, log *logger.Logger) *MediaFetcher {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MediaFetcher{client: client, log: log.WithComponent("media")}
}

// Fetch returns a local path holding ref, checked to be media of kind.
// Local paths are validated in place; URLs are downloaded into dir.
func (m *MediaFetcher) Fetch(ctx context.Context, ref string, kind MediaKind, dir string) (string, error) {
	const op = "media.fetch"

	u, err := url.Parse(ref)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return m.download(ctx, u, kind, dir)
	}

	local := ref
	if err == nil && u.Scheme == "file" {
		local = u.Path
	}
	f, err := os.Open(local)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "source not readable")
	}
	defer f.Close()

	header := make([]byte, 512)
	n, _ := io.ReadFull(f, header)
	if n < minMediaBytes {
		return "", apperrors.Newf(apperrors.CodeSourceUnreadable, "source %s is too small (%d bytes)", filepath.Base(local), n)
	}
	if _, err := SniffMedia(header[:n], kind); err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, filepath.Base(local))
	}
	return local, nil
}

func (m *MediaFetcher) download(ctx context.Context, u *url.URL, kind MediaKind, dir string) (string, error) {
	const op = "media.download"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "invalid source URL")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "source download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		code := apperrors.CodeSourceUnreadable
		if isRetryableStatus(resp.StatusCode) {
			code = apperrors.CodeUnavailable
		}
		return "", apperrors.Newf(code, "source download failed with HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}

	header := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, header)
	header = header[:n]
	ext, err := SniffMedia(header, kind)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, u.Host+u.Path)
	}

	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	if name == "" || name == "." || name == "/" {
		name = string(kind)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s_%s%s", kind, name, ext))

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dest, err)
	}
	written, err := io.Copy(f, io.MultiReader(bytes.NewReader(header), resp.Body))
	closeErr := f.Close()
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "source download interrupted")
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, closeErr)
	}
	if written < minMediaBytes {
		return "", apperrors.Newf(apperrors.CodeSourceUnreadable, "downloaded %s is too small (%d bytes)", kind, written)
	}

	m.log.FromContext(ctx).Debug("[Media] downloaded source", "kind", kind, "bytes", written, "path", dest)
	return dest, nil
}

// isRetryableStatus returns true for HTTP status codes that indicate a
// transient server-side issue worth retrying.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NarrationMeter measures narration audio so talking-head scenes can take
// their length from it.
type NarrationMeter struct {
	fetcher *MediaFetcher
	ffmpeg  *FFmpegService
	tmpDir  string
}

func NewNarrationMeter(fetcher *MediaFetcher, ffmpeg *FFmpegService, tmpDir string) *NarrationMeter {
	return &NarrationMeter{fetcher: fetcher, ffmpeg: ffmpeg, tmpDir: tmpDir}
}

func (n *NarrationMeter) AudioDuration(ctx context.Context, ref string) (time.Duration, error) {
	dir, err := os.MkdirTemp(n.tmpDir, "narration-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local, err := n.fetcher.Fetch(ctx, ref, MediaAudio, dir)
	if err != nil {
		return 0, err
	}
	d, err := n.ffmpeg.MediaDuration(ctx, local)
	if err != nil {
		return 0, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, "media.narration", "narration duration unreadable")
	}
	return d, nil
}
