// Package registry holds the typed configuration contract the core accepts
// from its caller (spec.md §1: "supply a typed mirror/medium/key registry to
// the core"). The CLI, wizard, and on-disk config format are all external
// collaborators; this package defines only the shapes they must produce.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"time"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// SelectionPolicy chooses which snapshot(s) of a mirror a medium replicates.
type SelectionPolicy struct {
	// Latest, if true, selects the newest committed snapshot when Explicit
	// is empty.
	Latest bool
	// Explicit lists specific snapshot ids to replicate, overriding Latest.
	Explicit []string
}

// MirrorConfig is the full attribute set of a mirror (spec.md §3 "Mirror").
type MirrorConfig struct {
	ID   string
	URL  string // upstream repository base URL
	Dir  string // on-disk mirror directory
	Pool string // pool directory; defaults to <Dir>/.pool when empty

	Suite         string
	Components    []string
	Architectures []string // "all" is always retained when requested

	KeyIDs []string // keyring entries from Registry.Keys used to verify this mirror

	SkipPackages []string // shell-glob package-name filters
	SkipSections []string // exact Section or <component>/<section> filters

	Sources      bool // mirror Sources indices and referenced files
	Translations bool // mirror Translation-* indices
	VerifyWrites bool // re-hash every linked file even on pool reuse

	Workers         int           // bounded worker pool size, default 4
	ConnectTimeout  time.Duration // default 10s
	IdleReadTimeout time.Duration // default 60s
	IgnoreErrors    bool          // payload hash mismatch -> partial snapshot instead of fatal
}

// Validate checks the structural invariants Validator implementations in
// this package are expected to uphold, in the style of the host repo's
// cmn.Validator/cmn.PropsValidator interfaces.
func (m *MirrorConfig) Validate() error {
	if m.ID == "" {
		return &apterrs.FilterInvalidError{Filter: "id", Reason: "mirror id must not be empty"}
	}
	if m.URL == "" {
		return &apterrs.FilterInvalidError{Filter: "url", Reason: "mirror url must not be empty"}
	}
	if m.Suite == "" {
		return &apterrs.FilterInvalidError{Filter: "suite", Reason: "suite must not be empty"}
	}
	if len(m.Architectures) == 0 {
		return &apterrs.FilterInvalidError{Filter: "architectures", Reason: "at least one architecture required"}
	}
	for _, pat := range m.SkipPackages {
		if _, err := globCompile(pat); err != nil {
			return &apterrs.FilterInvalidError{Filter: pat, Reason: err.Error()}
		}
	}
	return nil
}

// MediumConfig is the attribute set of a medium (spec.md §3 "Medium").
type MediumConfig struct {
	ID         string
	Mountpoint string
	MirrorIDs  []string
	Policy     SelectionPolicy
}

func (m *MediumConfig) Validate() error {
	if m.ID == "" {
		return &apterrs.FilterInvalidError{Filter: "id", Reason: "medium id must not be empty"}
	}
	if m.Mountpoint == "" {
		return &apterrs.FilterInvalidError{Filter: "mountpoint", Reason: "mountpoint must not be empty"}
	}
	if len(m.MirrorIDs) == 0 {
		return &apterrs.FilterInvalidError{Filter: "mirror_ids", Reason: "at least one mirror id required"}
	}
	if !m.Policy.Latest && len(m.Policy.Explicit) == 0 {
		return &apterrs.FilterInvalidError{Filter: "policy", Reason: "selection policy must be latest or an explicit list"}
	}
	return nil
}

// Key is a subscription-key blob. Its Payload is opaque to the core: it is
// only ever stored and shipped (spec.md §1, §4.8), never parsed.
type Key struct {
	ID      string
	Payload []byte
}
