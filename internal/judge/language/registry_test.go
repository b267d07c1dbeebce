package language

import (
	"errors"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(DefaultConfig())
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	cases := []struct {
		name string
		want int
	}{
		{"python", 71},
		{" Python3 ", 71},
		{"CPP", 54},
		{"c++", 54},
		{"nodejs", 63},
		{"go", 60},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.name)
		if err != nil {
			t.Fatalf("resolve %q failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %q = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRegistryRejectsUnsupported(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(DefaultConfig())
	for _, name := range []string{"", "cobol", "  "} {
		if _, err := r.Resolve(name); !errors.Is(err, ErrNotSupported) {
			t.Fatalf("expected ErrNotSupported for %q, got %v", name, err)
		}
	}
}

func TestLookupReturnsCanonicalKey(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(DefaultConfig())
	lang, err := r.Lookup("TS")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if lang.Key != "typescript" {
		t.Fatalf("unexpected key %s", lang.Key)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "empty", cfg: Config{}},
		{name: "missing key", cfg: Config{Languages: []Language{{RuntimeID: 1}}}},
		{name: "bad runtime", cfg: Config{Languages: []Language{{Key: "c"}}}},
		{name: "duplicate alias", cfg: Config{Languages: []Language{
			{Key: "python", RuntimeID: 71, Aliases: []string{"py"}},
			{Key: "pypy", RuntimeID: 99, Aliases: []string{"PY"}},
		}}},
	}
	for _, tc := range cases {
		if _, err := NewRegistry(tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSupportedIsSorted(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(DefaultConfig())
	langs := r.Supported()
	if len(langs) != len(DefaultConfig().Languages) {
		t.Fatalf("unexpected count %d", len(langs))
	}
	for i := 1; i < len(langs); i++ {
		if langs[i-1].Key >= langs[i].Key {
			t.Fatalf("not sorted at %d: %s >= %s", i, langs[i-1].Key, langs[i].Key)
		}
	}
}
