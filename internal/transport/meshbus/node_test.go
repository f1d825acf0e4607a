package meshbus

import (
	"path/filepath"
	"testing"
)

func TestCanonStripsBrokerPrefixes(t *testing.T) {
	cases := map[string]string{
		"app/box/b1/sync":       "box/b1/sync",
		"topic/box/b1/sync":     "box/b1/sync",
		"box/b1/sync":           "box/b1/sync",
		"app/box/b1/call-users": "box/b1/call-users",
	}
	for in, want := range cases {
		if got := canon(in); got != want {
			t.Errorf("canon(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIdentityKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")

	first, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	second, err := loadOrCreateKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equals(second) {
		t.Fatal("identity changed between runs")
	}
}

func TestEphemeralKeyWithoutFile(t *testing.T) {
	a, err := loadOrCreateKey("")
	if err != nil {
		t.Fatal(err)
	}
	b, err := loadOrCreateKey("")
	if err != nil {
		t.Fatal(err)
	}
	if a.Equals(b) {
		t.Fatal("ephemeral keys should differ")
	}
}
