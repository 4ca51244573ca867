// Package blob implements the durable artifact store on the local
// filesystem: write-through puts under a single root, existence checks,
// and HMAC-signed time-limited read URLs for artifact downloads.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidKey rejects keys that would escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// ErrBadSignature is returned when a signed URL fails verification.
var ErrBadSignature = errors.New("invalid or expired signature")

// Config configures the filesystem store.
type Config struct {
	Root      string        `yaml:"root"`       // Store root directory.
	SecretKey string        `yaml:"secret_key"` // HMAC key for signed URLs.
	URLTTL    time.Duration `yaml:"url_ttl"`    // Signed URL lifetime. Default: 15m.
}

func (c Config) ttl() time.Duration {
	if c.URLTTL > 0 {
		return c.URLTTL
	}
	return 15 * time.Minute
}

// Store is a filesystem-backed blob store. Keys are slash-separated
// relative paths, e.g. runs/<run_id>/metrics.json.
type Store struct {
	root   string
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates the store and its root directory.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(cfg.Root, 0750); err != nil {
		return nil, fmt.Errorf("creating blob root %s: %w", cfg.Root, err)
	}
	return &Store{
		root:   cfg.Root,
		secret: []byte(cfg.SecretKey),
		ttl:    cfg.ttl(),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Put writes a blob atomically: temp file in the target directory, then
// rename. Existing blobs are overwritten.
func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing temp blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storing blob %s: %w", key, err)
	}

	s.logger.Debug("blob stored",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
		slog.String("content_type", contentType),
	)
	return nil
}

// Get reads a blob. Missing keys wrap fs.ErrNotExist.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	target, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob %s: %w", key, err)
	}
	return true, nil
}

// SignedURL returns a time-limited relative URL for reading a blob through
// the gateway. The signature covers the key and the expiry instant.
func (s *Store) SignedURL(key string) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	expires := s.now().Add(s.ttl).Unix()
	sig := s.sign(key, expires)
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", sig)
	return "/v1/blobs?" + q.Encode(), nil
}

// Verify checks a signed-URL signature and expiry for a key.
func (s *Store) Verify(key, signature string, expires int64) error {
	if s.now().Unix() > expires {
		return ErrBadSignature
	}
	expected := s.sign(key, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Store) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a key to an absolute path under the root, rejecting
// traversal attempts.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
