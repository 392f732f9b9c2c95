package registry

import (
	"encoding/base64"

	"gopkg.in/yaml.v3"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// yamlDoc mirrors Registry's shape for (de)serialization. Kept separate from
// Registry itself so the public struct never grows yaml tags it doesn't
// need outside of tests/examples.
type yamlDoc struct {
	Mirrors []yamlMirror `yaml:"mirrors"`
	Media   []yamlMedium `yaml:"media"`
	Keys    []yamlKey    `yaml:"keys"`
}

type yamlMirror struct {
	ID              string   `yaml:"id"`
	URL             string   `yaml:"url"`
	Dir             string   `yaml:"dir"`
	Pool            string   `yaml:"pool"`
	Suite           string   `yaml:"suite"`
	Components      []string `yaml:"components"`
	Architectures   []string `yaml:"architectures"`
	KeyIDs          []string `yaml:"key_ids"`
	SkipPackages    []string `yaml:"skip_packages"`
	SkipSections    []string `yaml:"skip_sections"`
	Sources         bool     `yaml:"sources"`
	Translations    bool     `yaml:"translations"`
	VerifyWrites    bool     `yaml:"verify_writes"`
	Workers         int      `yaml:"workers"`
	IgnoreErrors    bool     `yaml:"ignore_errors"`
}

type yamlMedium struct {
	ID         string   `yaml:"id"`
	Mountpoint string   `yaml:"mountpoint"`
	MirrorIDs  []string `yaml:"mirror_ids"`
	Latest     bool     `yaml:"latest"`
	Explicit   []string `yaml:"explicit"`
}

type yamlKey struct {
	ID      string `yaml:"id"`
	Payload string `yaml:"payload"` // base64
}

// FromYAML builds a Registry from a YAML document shaped like yamlDoc. It
// exists for tests and examples only — production callers are expected to
// construct a Registry programmatically from whatever config format their
// CLI already owns (spec.md §1: the config-file parser is out of scope for
// the core).
func FromYAML(data []byte) (*Registry, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	r := New()
	for _, k := range doc.Keys {
		payload, err := base64.StdEncoding.DecodeString(k.Payload)
		if err != nil {
			return nil, &apterrs.FilterInvalidError{Filter: k.ID, Reason: "key payload is not valid base64"}
		}
		r.AddKey(&Key{ID: k.ID, Payload: payload})
	}
	for _, m := range doc.Mirrors {
		cfg := &MirrorConfig{
			ID:            m.ID,
			URL:           m.URL,
			Dir:           m.Dir,
			Pool:          m.Pool,
			Suite:         m.Suite,
			Components:    m.Components,
			Architectures: m.Architectures,
			KeyIDs:        m.KeyIDs,
			SkipPackages:  m.SkipPackages,
			SkipSections:  m.SkipSections,
			Sources:       m.Sources,
			Translations:  m.Translations,
			VerifyWrites:  m.VerifyWrites,
			Workers:       m.Workers,
			IgnoreErrors:  m.IgnoreErrors,
		}
		if err := r.AddMirror(cfg); err != nil {
			return nil, err
		}
	}
	for _, m := range doc.Media {
		cfg := &MediumConfig{
			ID:         m.ID,
			Mountpoint: m.Mountpoint,
			MirrorIDs:  m.MirrorIDs,
			Policy:     SelectionPolicy{Latest: m.Latest, Explicit: m.Explicit},
		}
		if err := r.AddMedium(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}
