// Package aptrepo parses the APT repository metadata formats this engine
// mirrors: the Release/InRelease control stanza (spec.md §4.3) and the
// Packages/Sources/Contents/Translation-* index formats it references
// (spec.md §4.4).
//
// Grounded on the retrieved mirrorctl reference implementation (an actual
// Go APT mirroring tool) for the overall suite/component/architecture
// shape a Release stanza carries, generalized here into a standalone
// RFC822-style control-file parser since the retrieved file only sketches
// the data it expects, not a parser of its own.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package aptrepo

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// dateLayouts are the two timestamp formats seen in the wild for Date/
// Valid-Until (RFC 1123 with a zero-padded day, and the same form with an
// unpadded day that some mirrors still emit).
var dateLayouts = []string{
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// FileEntry is one file's identity within a Release stanza: the strongest
// available hash (spec.md §4.3: "prefer SHA-256, then SHA-1, then MD5") and
// its declared size.
type FileEntry struct {
	Path   string
	Size   int64
	Algo   string // "sha256", "sha1", or "md5"
	Hash   string
}

// Release is a parsed Release/InRelease document (already signature-
// verified by the caller; this package is concerned with structure only).
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Version       string
	Date          time.Time
	ValidUntil    *time.Time
	Architectures []string
	Components    []string
	AcquireByHash bool

	Files map[string]FileEntry
}

// Expired reports whether now is past ValidUntil. A Release with no
// Valid-Until field never expires.
func (r *Release) Expired(now time.Time) bool {
	return r.ValidUntil != nil && now.After(*r.ValidUntil)
}

// Entry looks up the strongest hash recorded for path.
func (r *Release) Entry(path string) (FileEntry, bool) {
	e, ok := r.Files[path]
	return e, ok
}

// ParseRelease parses a Release (or the plaintext body of an already
// clear-signature-stripped InRelease) document.
func ParseRelease(data []byte) (*Release, error) {
	fields, fileLists, err := parseControlStanza(data)
	if err != nil {
		return nil, err
	}

	r := &Release{
		Origin:        fields["Origin"],
		Label:         fields["Label"],
		Suite:         fields["Suite"],
		Codename:      fields["Codename"],
		Version:       fields["Version"],
		Architectures: splitFields(fields["Architectures"]),
		Components:    splitFields(fields["Components"]),
		AcquireByHash: fields["Acquire-By-Hash"] == "yes",
		Files:         map[string]FileEntry{},
	}

	if d, ok := fields["Date"]; ok {
		if t, err := parseDate(d); err == nil {
			r.Date = t
		}
	}
	if vu, ok := fields["Valid-Until"]; ok {
		if t, err := parseDate(vu); err == nil {
			r.ValidUntil = &t
		}
	}

	merged, err := mergeFileLists(fileLists)
	if err != nil {
		return nil, err
	}
	r.Files = merged

	if len(r.Files) == 0 {
		return nil, &apterrs.ReleaseIncompleteError{Missing: "MD5Sum/SHA1/SHA256"}
	}
	return r, nil
}

// parseControlStanza splits a control-file stanza into its scalar fields
// and its three multi-line hash-list fields (MD5Sum, SHA1, SHA256).
func parseControlStanza(data []byte) (fields map[string]string, fileLists map[string][]string, err error) {
	fields = map[string]string{}
	fileLists = map[string][]string{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var currentList string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if currentList == "" {
				return nil, nil, &apterrs.ReleaseParseError{Line: lineNo, Msg: "continuation line before any field"}
			}
			fileLists[currentList] = append(fileLists[currentList], strings.TrimSpace(line))
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, &apterrs.ReleaseParseError{Line: lineNo, Msg: "malformed field: " + line}
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "MD5Sum", "SHA1", "SHA256":
			currentList = key
			if val != "" {
				fileLists[currentList] = append(fileLists[currentList], val)
			}
		default:
			currentList = ""
			fields[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return fields, fileLists, nil
}

// mergeFileLists collapses MD5Sum/SHA1/SHA256 into one FileEntry per path,
// preferring the strongest algorithm present for each path independently.
func mergeFileLists(fileLists map[string][]string) (map[string]FileEntry, error) {
	merged := map[string]FileEntry{}
	for _, algo := range []string{"MD5Sum", "SHA1", "SHA256"} {
		lines, ok := fileLists[algo]
		if !ok {
			continue
		}
		for i, line := range lines {
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, &apterrs.ReleaseParseError{Line: i, Msg: fmt.Sprintf("malformed %s entry: %q", algo, line)}
			}
			hash, sizeStr, path := fields[0], fields[1], fields[2]
			size, err := strconv.ParseInt(sizeStr, 10, 64)
			if err != nil {
				return nil, &apterrs.ReleaseParseError{Line: i, Msg: "bad size in " + algo + " entry"}
			}
			// SHA256 processed last, so it always wins when present,
			// matching the spec's strongest-available preference.
			merged[path] = FileEntry{Path: path, Size: size, Algo: algoName(algo), Hash: hash}
		}
	}
	return merged, nil
}

func algoName(field string) string {
	switch field {
	case "SHA256":
		return "sha256"
	case "SHA1":
		return "sha1"
	default:
		return "md5"
	}
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
