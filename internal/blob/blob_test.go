package blob

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir(), SecretKey: "test-secret"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := "runs/abc/metrics.json"
	if err := s.Put(ctx, key, []byte(`{"accuracy": 0.9}`), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"accuracy": 0.9}` {
		t.Errorf("Get = %q", got)
	}

	// Overwrite is allowed.
	if err := s.Put(ctx, key, []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = s.Get(ctx, key)
	if string(got) != `{}` {
		t.Errorf("after overwrite = %q", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "runs/nope/logs.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestStore_Exists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "runs/x/logs.txt")
	if err != nil || ok {
		t.Errorf("Exists missing = %v, %v", ok, err)
	}
	if err := s.Put(ctx, "runs/x/logs.txt", []byte("line\n"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = s.Exists(ctx, "runs/x/logs.txt")
	if err != nil || !ok {
		t.Errorf("Exists present = %v, %v", ok, err)
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../secret", "runs/../../x"} {
		if err := s.Put(ctx, key, []byte("x"), "text/plain"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestStore_SignedURL(t *testing.T) {
	s := newTestStore(t)
	key := "runs/abc/metrics.json"

	signed, err := s.SignedURL(key)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(signed, "/v1/blobs?") {
		t.Fatalf("signed = %q", signed)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("key") != key {
		t.Errorf("key = %q", u.Query().Get("key"))
	}
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("expires: %v", err)
	}
	sig := u.Query().Get("signature")

	if err := s.Verify(key, sig, expires); err != nil {
		t.Errorf("Verify valid = %v", err)
	}
	if err := s.Verify("runs/other/metrics.json", sig, expires); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify wrong key = %v, want ErrBadSignature", err)
	}
	if err := s.Verify(key, "deadbeef", expires); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify wrong sig = %v, want ErrBadSignature", err)
	}
	if err := s.Verify(key, sig, expires+1); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify tampered expiry = %v, want ErrBadSignature", err)
	}
}

func TestStore_SignedURLExpiry(t *testing.T) {
	s := newTestStore(t)
	key := "runs/abc/logs.txt"

	base := time.Now()
	s.now = func() time.Time { return base }
	signed, err := s.SignedURL(key)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, _ := url.Parse(signed)
	expires, _ := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	sig := u.Query().Get("signature")

	if err := s.Verify(key, sig, expires); err != nil {
		t.Fatalf("Verify before expiry = %v", err)
	}

	s.now = func() time.Time { return base.Add(16 * time.Minute) }
	if err := s.Verify(key, sig, expires); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify after expiry = %v, want ErrBadSignature", err)
	}
}
