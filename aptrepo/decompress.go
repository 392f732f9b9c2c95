package aptrepo

import (
	"compress/bzip2"
	"compress/gzip"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Decompress wraps r with the decompressor implied by name's extension
// (.gz, .bz2, .xz), or returns r unchanged for a plain/uncompressed index.
// Grounded on the host repo's use of github.com/ulikunitz/xz for archive
// payloads; gzip and bzip2 come from the standard library, since the
// corpus reaches for stdlib for both and no third-party gzip/bzip2 reader
// appears anywhere in the example pack.
func Decompress(name string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return gzip.NewReader(r)
	case ".bz2":
		return bzip2.NewReader(r), nil
	case ".xz":
		return xz.NewReader(r)
	default:
		return r, nil
	}
}

// Compressions lists the file-suffix variants this engine will probe for a
// given logical index name, strongest (smallest transfer) first, ending
// with the uncompressed form (spec.md §4.4: "fetch whichever compressed
// variant the Release stanza advertises; fall back to uncompressed if none
// is listed").
func Compressions(logicalName string) []string {
	return []string{
		logicalName + ".xz",
		logicalName + ".gz",
		logicalName + ".bz2",
		logicalName,
	}
}

// WrapError annotates a decompression failure with the name of the index
// being decompressed, keeping the underlying error as its cause.
func WrapError(name string, err error) error {
	return errors.Wrapf(err, "decompressing %s", name)
}
