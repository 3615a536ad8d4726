package secret

import (
	"io"
	"os"
	"testing"
)

func newTestSource(t *testing.T, explicit string, env map[string]string) *Source {
	t.Helper()
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	t.Cleanup(func() { _ = devNull.Close() })
	s := NewSource(explicit, "YAR_MAC_KEY", "MAC key: ")
	s.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s.stdin = devNull
	s.stderr = io.Discard
	return s
}

func TestSourcePrefersExplicitValue(t *testing.T) {
	s := newTestSource(t, "flag-secret", map[string]string{"YAR_MAC_KEY": "env-secret"})
	if got, err := s.Get(); err != nil || got != "flag-secret" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestSourceReadsEnvironment(t *testing.T) {
	s := newTestSource(t, "", map[string]string{"YAR_MAC_KEY": "env-secret"})
	if got, err := s.Get(); err != nil || got != "env-secret" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	empty := newTestSource(t, "", map[string]string{"YAR_MAC_KEY": "  "})
	if _, err := empty.Get(); err == nil {
		t.Fatalf("expected empty variable to be rejected")
	}
}

func TestSourceWithoutTerminalFails(t *testing.T) {
	s := newTestSource(t, "", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected an error without a terminal")
	}
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected the cached error")
	}
}
