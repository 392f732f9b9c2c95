package snapshot_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

func sumOfForTest(data []byte) (string, int64) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), int64(len(data))
}

func newReaderForTest(data []byte) io.Reader {
	return bytes.NewReader(data)
}
