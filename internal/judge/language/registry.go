// Package language maps the language names accepted from callers to the
// runtime identifiers understood by the external judge.
package language

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotSupported is returned for languages missing from the registry.
var ErrNotSupported = errors.New("language not supported")

// Language describes one supported language.
type Language struct {
	Key       string   `yaml:"key"`
	Name      string   `yaml:"name"`
	RuntimeID int      `yaml:"runtimeID"`
	Aliases   []string `yaml:"aliases"`
}

// Config lists the supported languages.
type Config struct {
	Languages []Language `yaml:"languages"`
}

// DefaultConfig returns the Judge0 CE runtime ids for the common languages.
func DefaultConfig() Config {
	return Config{Languages: []Language{
		{Key: "c", Name: "C (GCC 9.2.0)", RuntimeID: 50},
		{Key: "cpp", Name: "C++ (GCC 9.2.0)", RuntimeID: 54, Aliases: []string{"c++", "cplusplus"}},
		{Key: "csharp", Name: "C# (Mono 6.6.0.161)", RuntimeID: 51, Aliases: []string{"c#", "cs"}},
		{Key: "go", Name: "Go (1.13.5)", RuntimeID: 60, Aliases: []string{"golang"}},
		{Key: "java", Name: "Java (OpenJDK 13.0.1)", RuntimeID: 62},
		{Key: "javascript", Name: "JavaScript (Node.js 12.14.0)", RuntimeID: 63, Aliases: []string{"js", "node", "nodejs"}},
		{Key: "kotlin", Name: "Kotlin (1.3.70)", RuntimeID: 78, Aliases: []string{"kt"}},
		{Key: "python", Name: "Python (3.8.1)", RuntimeID: 71, Aliases: []string{"python3", "py"}},
		{Key: "ruby", Name: "Ruby (2.7.0)", RuntimeID: 72, Aliases: []string{"rb"}},
		{Key: "rust", Name: "Rust (1.40.0)", RuntimeID: 73, Aliases: []string{"rs"}},
		{Key: "typescript", Name: "TypeScript (3.7.4)", RuntimeID: 74, Aliases: []string{"ts"}},
	}}
}

// Registry resolves language names. It is immutable after construction.
type Registry struct {
	byName map[string]Language
	keys   []string
}

// NewRegistry builds a registry, rejecting empty keys, invalid runtime ids and
// names claimed by more than one language.
func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.Languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	r := &Registry{byName: make(map[string]Language)}
	for _, lang := range cfg.Languages {
		key := normalize(lang.Key)
		if key == "" {
			return nil, fmt.Errorf("language key is required")
		}
		if lang.RuntimeID <= 0 {
			return nil, fmt.Errorf("language %s: runtime id must be positive", key)
		}
		lang.Key = key
		for _, name := range append([]string{key}, lang.Aliases...) {
			name = normalize(name)
			if name == "" {
				continue
			}
			if existing, ok := r.byName[name]; ok {
				return nil, fmt.Errorf("language name %q used by both %s and %s", name, existing.Key, key)
			}
			r.byName[name] = lang
		}
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Resolve returns the judge runtime id for name.
func (r *Registry) Resolve(name string) (int, error) {
	lang, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	return lang.RuntimeID, nil
}

// Lookup returns the full language entry for name or one of its aliases.
func (r *Registry) Lookup(name string) (Language, error) {
	lang, ok := r.byName[normalize(name)]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrNotSupported, strings.TrimSpace(name))
	}
	return lang, nil
}

// Supported returns the languages ordered by key.
func (r *Registry) Supported() []Language {
	out := make([]Language, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, r.byName[key])
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
