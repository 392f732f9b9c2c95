// Package snapshot implements the snapshot lifecycle of spec.md §4.6-4.8:
// planning which files a sync needs, materializing them through the pool
// into an immutable snapshot directory, diffing two snapshots, and
// removing one.
//
// Grounded on the retrieved mirrorctl Mirror.Update control flow (fetch
// Release, then indices, then payloads, in that order) for the overall
// shape, and on the host repo's fs/mpather jogger pattern for the bounded
// worker pool (worker.go).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package snapshot

import (
	"path"
	"sort"
	"strings"

	"github.com/nvaistore/aptvault/aptrepo"
	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/registry"
)

// FetchItem is one file this sync needs: an upstream URL, its target path
// within the snapshot tree, and its expected identity per the Release/
// index hash table that governs it.
type FetchItem struct {
	URL          string
	RelPath      string
	ExpectedHash string
	ExpectedSize int64
	Category     string // "release", "index", "payload"
	Component    string // empty for release items
}

const (
	CategoryRelease = "release"
	CategoryIndex   = "index"
	CategoryPayload = "payload"
)

// PlanIndices returns the ordered set of Packages/Sources/Contents/
// Translation-* files this sync must fetch, chosen from the Release's
// hash table and filtered by the mirror's architecture/sources/i18n
// settings (spec.md §4.6).
func PlanIndices(cfg *registry.MirrorConfig, release *aptrepo.Release) ([]FetchItem, error) {
	archs := filterArchitectures(cfg, release.Architectures)
	components := release.Components
	if len(components) == 0 {
		components = []string{"main"}
	}

	var items []FetchItem
	for _, comp := range components {
		if containsFold(cfg.SkipSections, comp) {
			continue
		}
		for _, arch := range archs {
			logical := path.Join(comp, "binary-"+arch, "Packages")
			if item, ok := pickCompressed(release, comp, logical, CategoryIndex); ok {
				items = append(items, item)
			}
		}
		if cfg.Sources {
			logical := path.Join(comp, "source", "Sources")
			if item, ok := pickCompressed(release, comp, logical, CategoryIndex); ok {
				items = append(items, item)
			}
		}
		if cfg.Translations {
			for p := range release.Files {
				base := path.Base(p)
				if strings.HasPrefix(base, "Translation-") && path.Dir(p) == comp {
					if item, ok := entryToItem(release, p, CategoryIndex, comp); ok {
						items = append(items, item)
					}
				}
			}
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Component != items[j].Component {
			return items[i].Component < items[j].Component
		}
		return items[i].RelPath < items[j].RelPath
	})
	return items, nil
}

// pickCompressed chooses the strongest-available compression variant of a
// logical index name from the Release's file table, preferring xz > gz >
// bz2 > uncompressed (aptrepo.Compressions order).
func pickCompressed(release *aptrepo.Release, component, logical, category string) (FetchItem, bool) {
	for _, candidate := range aptrepo.Compressions(logical) {
		if item, ok := entryToItem(release, candidate, category, component); ok {
			return item, true
		}
	}
	return FetchItem{}, false
}

func entryToItem(release *aptrepo.Release, relPath, category, component string) (FetchItem, bool) {
	entry, ok := release.Entry(relPath)
	if !ok {
		return FetchItem{}, false
	}
	return FetchItem{
		RelPath:      relPath,
		ExpectedHash: entry.Hash,
		ExpectedSize: entry.Size,
		Category:     category,
		Component:    component,
	}, true
}

// PlanPayloads builds the ordered set of package/source files to acquire
// from already-fetched-and-parsed Packages/Sources records, applying
// skip_packages and skip_sections (spec.md §4.6). Items are ordered by
// component then Filename ascending for deterministic progress.
func PlanPayloads(cfg *registry.MirrorConfig, component string, records []aptrepo.Record) ([]FetchItem, error) {
	var items []FetchItem
	for _, rec := range records {
		name := rec["Package"]
		if name == "" {
			continue // Sources records key differently; handled by PlanSourcePayloads
		}
		if matchesAny(cfg.SkipPackages, name) {
			continue
		}
		section := rec["Section"]
		if containsFold(cfg.SkipSections, section) || containsFold(cfg.SkipSections, component+"/"+section) {
			continue
		}
		filename := rec["Filename"]
		hash := rec["SHA256"]
		if filename == "" || hash == "" {
			return nil, &apterrs.FilterInvalidError{Filter: "payload", Reason: "record missing Filename/SHA256 for " + name}
		}
		size, err := parseSize(rec["Size"])
		if err != nil {
			return nil, err
		}
		items = append(items, FetchItem{
			RelPath:      filename,
			ExpectedHash: hash,
			ExpectedSize: size,
			Category:     CategoryPayload,
			Component:    component,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items, nil
}

// PlanSourcePayloads expands parsed Sources records (Directory + a
// multi-line Checksums-Sha256 field of "hash size name" triples) into payload
// FetchItems, applying the same skip_packages/skip_sections filters as
// PlanPayloads (spec.md §4.6).
func PlanSourcePayloads(cfg *registry.MirrorConfig, component string, records []aptrepo.Record) ([]FetchItem, error) {
	var items []FetchItem
	for _, rec := range records {
		name := rec["Package"]
		if matchesAny(cfg.SkipPackages, name) {
			continue
		}
		section := rec["Section"]
		if containsFold(cfg.SkipSections, section) || containsFold(cfg.SkipSections, component+"/"+section) {
			continue
		}
		dir := rec["Directory"]
		// Sources stanzas carry Files (MD5) and, on modern archives,
		// Checksums-Sha256; this engine is SHA-256-only (spec.md §9), so a
		// source package with no Checksums-Sha256 entry is skipped rather
		// than trusted on a weaker algorithm.
		fileList := rec["Checksums-Sha256"]
		if fileList == "" {
			continue
		}
		for _, line := range strings.Split(fileList, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, &apterrs.IndexParseError{Line: 0, Msg: "malformed Files entry: " + line}
			}
			hash, sizeStr, fname := fields[0], fields[1], fields[2]
			size, err := parseSize(sizeStr)
			if err != nil {
				return nil, err
			}
			items = append(items, FetchItem{
				RelPath:      path.Join(dir, fname),
				ExpectedHash: hash,
				ExpectedSize: size,
				Category:     CategoryPayload,
				Component:    component,
			})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items, nil
}

func filterArchitectures(cfg *registry.MirrorConfig, declared []string) []string {
	if len(cfg.Architectures) == 0 {
		return declared
	}
	want := map[string]bool{}
	for _, a := range cfg.Architectures {
		want[a] = true
	}
	var out []string
	for _, a := range declared {
		if want[a] || a == "all" && want["all"] {
			out = append(out, a)
		}
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if registry.GlobMatch(p, name) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, &apterrs.IndexParseError{Line: 0, Msg: "missing Size field"}
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, &apterrs.IndexParseError{Line: 0, Msg: "non-numeric Size: " + s}
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}
