package aptrepo

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// Record is one Packages/Sources stanza, keyed by field name exactly as it
// appears (e.g. "Package", "Version", "Architecture", "Filename", "Size",
// "SHA256", "Depends"). Multi-line fields (Description, Files, Checksums-*)
// retain embedded newlines between their continuation lines.
type Record map[string]string

// RecordReader lazily yields stanzas from a Packages/Sources/Contents-style
// index, one at a time, so a multi-gigabyte index never has to be held
// in memory as a single slice of records (spec.md §4.4: indices are
// "read, not fully materialized, where the format allows it").
type RecordReader struct {
	sc      *bufio.Scanner
	lineNo  int
	lastKey string
}

// NewRecordReader wraps an already-decompressed index stream.
func NewRecordReader(r io.Reader) *RecordReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	return &RecordReader{sc: sc}
}

// Next returns the next stanza, or io.EOF once the stream is exhausted.
func (rr *RecordReader) Next() (Record, error) {
	rec := Record{}
	started := false
	for rr.sc.Scan() {
		rr.lineNo++
		line := rr.sc.Text()
		if line == "" {
			if started {
				return rec, nil
			}
			continue
		}
		started = true
		if line[0] == ' ' || line[0] == '\t' {
			if rr.lastKey == "" {
				return nil, &apterrs.IndexParseError{Line: rr.lineNo, Msg: "continuation line before any field"}
			}
			rec[rr.lastKey] += "\n" + strings.TrimSpace(line)
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &apterrs.IndexParseError{Line: rr.lineNo, Msg: "malformed field: " + line}
		}
		key = strings.TrimSpace(key)
		rec[key] = strings.TrimSpace(val)
		rr.lastKey = key
	}
	if err := rr.sc.Err(); err != nil {
		return nil, err
	}
	if started {
		return rec, nil
	}
	return nil, io.EOF
}

// ContentsEntry is one line of a Contents-<arch> index: a file path mapped
// to the set of packages that ship it.
type ContentsEntry struct {
	Path     string
	Packages []string
}

// ParseContentsLine parses a single "path  qualified/package,list" line.
// Contents files have no stanza structure, so they are read line-by-line
// rather than through RecordReader.
func ParseContentsLine(line string) (ContentsEntry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return ContentsEntry{}, false
	}
	idx := strings.LastIndexByte(line, ' ')
	if idx < 0 {
		return ContentsEntry{}, false
	}
	path := strings.TrimRight(line[:idx], " \t")
	pkgList := strings.TrimLeft(line[idx+1:], " ")
	return ContentsEntry{Path: path, Packages: strings.Split(pkgList, ",")}, true
}

// TranslationEntry is one Translation-<lang> stanza: a package's long
// description keyed by its MD5 (Description-md5) for cross-reference
// against the Packages index.
type TranslationEntry struct {
	Package        string
	DescriptionMD5 string
	LongDesc       string
}

// ParseTranslation reads every stanza of a Translation-<lang> index.
func ParseTranslation(r io.Reader) ([]TranslationEntry, error) {
	rr := NewRecordReader(r)
	var out []TranslationEntry
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, TranslationEntry{
			Package:        rec["Package"],
			DescriptionMD5: rec["Description-md5"],
			LongDesc:       rec["Description-en"],
		})
	}
	return out, nil
}

// bytesReader is a convenience for callers that already hold the whole
// decompressed index in memory.
func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
