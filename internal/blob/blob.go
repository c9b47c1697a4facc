// Package blob stores synthesized audio and hands back a URL clients can
// fetch it from. Two backends exist: [S3Store] for S3 and S3-compatible
// object stores, and [FileStore] for local development.
package blob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/MrWong99/storyturn/internal/fault"
)

// Store uploads opaque bytes under a key. Failures are reported as
// [fault.KindStorage]; invalid keys as [fault.KindInvalidArgument].
type Store interface {
	Upload(ctx context.Context, data []byte, key, contentType string) (url string, err error)
}

// ReplyAudioKey is the object key for the AI's spoken reply on a stage.
func ReplyAudioKey(sessionID, stage string, retry int) string {
	return fmt.Sprintf("conversation/%s/%s_retry%d.wav", sessionID, stage, retry)
}

// IntroAudioKey is the object key for a session's intro line.
func IntroAudioKey(sessionID string) string {
	return fmt.Sprintf("conversation/%s/intro.mp3", sessionID)
}

// ContentType sniffs the MIME type of audio bytes, falling back to fallback
// when the content is not recognised as audio.
func ContentType(data []byte, fallback string) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "audio/") {
		return ct
	}
	return fallback
}

// cleanKey rejects keys that are empty, absolute or escape the root.
func cleanKey(op, key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if key == "" || k == "." || k == ".." || strings.HasPrefix(k, "../") || path.IsAbs(key) {
		return "", fault.New(fault.KindInvalidArgument, op, fmt.Sprintf("invalid key %q", key))
	}
	return k, nil
}

// joinURL appends the escaped key to base.
func joinURL(base, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segs, "/")
}

// FileStore writes objects below a local directory. It is meant for
// development and tests; PublicBaseURL should point at something serving
// that directory.
type FileStore struct {
	dir     string
	baseURL string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir, publicBaseURL string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob: file store: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: file store: create %s: %w", dir, err)
	}
	if publicBaseURL == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("blob: file store: %w", err)
		}
		publicBaseURL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	}
	return &FileStore{dir: dir, baseURL: publicBaseURL}, nil
}

// Upload implements [Store]. The object is written to a temp file and renamed
// into place so readers never see partial content.
func (s *FileStore) Upload(_ context.Context, data []byte, key, _ string) (string, error) {
	const op = "blob: file upload"
	k, err := cleanKey(op, key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	return joinURL(s.baseURL, k), nil
}
