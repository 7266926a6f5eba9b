package signedurl

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestSigner(t *testing.T, now *time.Time) *Signer {
	t.Helper()
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s.WithClock(func() time.Time { return *now })
}

func TestRoundTrip(t *testing.T) {
	now := epoch
	s := newTestSigner(t, &now)
	id := 4

	for _, tc := range []struct {
		path      string
		storageID *int
	}{
		{"/media/videos/1.mp4", nil},
		{"https://cdn.example.com/videos/1.mp4", &id},
		{"https://cdn.example.com/videos/1.mp4?quality=720", &id},
	} {
		raw := s.GenerateSignedURL(tc.path, time.Hour, tc.storageID)

		su, err := ParseSignedURL(raw)
		if err != nil {
			t.Fatalf("ParseSignedURL(%s): %v", raw, err)
		}
		if su.Path != tc.path {
			t.Errorf("expected path %s, got %s", tc.path, su.Path)
		}
		if su.Expires != epoch.Add(time.Hour).Unix() {
			t.Errorf("unexpected expires %d", su.Expires)
		}
		if (su.StorageID == nil) != (tc.storageID == nil) {
			t.Errorf("storage id mismatch for %s", raw)
		}
		if !s.VerifySignedURL(su.Path, su.Expires, su.Signature, su.StorageID) {
			t.Errorf("fresh url should verify: %s", raw)
		}
		if !s.VerifyURL(raw) {
			t.Errorf("VerifyURL should accept %s", raw)
		}
	}
}

func TestQuerySeparator(t *testing.T) {
	now := epoch
	s := newTestSigner(t, &now)

	if raw := s.GenerateSignedURL("/a.mp4", time.Minute, nil); !strings.HasPrefix(raw, "/a.mp4?expires=") {
		t.Errorf("expected ? separator, got %s", raw)
	}
	if raw := s.GenerateSignedURL("/a.mp4?x=1", time.Minute, nil); !strings.HasPrefix(raw, "/a.mp4?x=1&expires=") {
		t.Errorf("expected & separator, got %s", raw)
	}
}

func TestExpiry(t *testing.T) {
	now := epoch
	s := newTestSigner(t, &now)
	raw := s.GenerateSignedURL("/a.mp4", 10*time.Second, nil)

	now = epoch.Add(9 * time.Second)
	if !s.VerifyURL(raw) {
		t.Error("url should be valid before expiry")
	}

	now = epoch.Add(10 * time.Second)
	if s.VerifyURL(raw) {
		t.Error("url must be rejected at the expiry instant")
	}

	now = epoch.Add(time.Hour)
	if s.VerifyURL(raw) {
		t.Error("url must be rejected after expiry")
	}
}

func TestTamperDetection(t *testing.T) {
	now := epoch
	s := newTestSigner(t, &now)
	id := 2
	raw := s.GenerateSignedURL("/videos/1.mp4", time.Hour, &id)
	su, _ := ParseSignedURL(raw)

	other := 3
	if s.VerifySignedURL("/videos/2.mp4", su.Expires, su.Signature, su.StorageID) {
		t.Error("changed path must fail")
	}
	if s.VerifySignedURL(su.Path, su.Expires+60, su.Signature, su.StorageID) {
		t.Error("changed expires must fail")
	}
	if s.VerifySignedURL(su.Path, su.Expires, su.Signature, &other) {
		t.Error("changed storage must fail")
	}
	if s.VerifySignedURL(su.Path, su.Expires, su.Signature, nil) {
		t.Error("dropped storage must fail")
	}
	if s.VerifySignedURL(su.Path, su.Expires, "zz", su.StorageID) {
		t.Error("non-hex signature must fail")
	}

	tampered := strings.Replace(raw, "expires="+strconv.FormatInt(su.Expires, 10), "expires="+strconv.FormatInt(su.Expires+3600, 10), 1)
	if s.VerifyURL(tampered) {
		t.Error("tampered url must fail")
	}
}

func TestDifferentSecret(t *testing.T) {
	now := epoch
	s := newTestSigner(t, &now)
	raw := s.GenerateSignedURL("/a.mp4", time.Hour, nil)

	rotated, _ := NewSigner("rotated-secret")
	rotated = rotated.WithClock(func() time.Time { return now })
	if rotated.VerifyURL(raw) {
		t.Error("rotating the secret must invalidate issued urls")
	}
}

func TestParseSignedURLErrors(t *testing.T) {
	for _, raw := range []string{
		"/a.mp4",
		"/a.mp4?expires=10",
		"/a.mp4?signature=abc",
	} {
		if _, err := ParseSignedURL(raw); !errors.Is(err, ErrMissingParams) {
			t.Errorf("%s: expected ErrMissingParams, got %v", raw, err)
		}
	}
	for _, raw := range []string{
		"/a.mp4?expires=soon&signature=abc",
		"/a.mp4?expires=10&signature=abc&storage=x",
	} {
		if _, err := ParseSignedURL(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Error("expected error for empty secret")
	}
}
