package gc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvaistore/aptvault/pool"
)

func sumOf(data []byte) (string, int64) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), int64(len(data))
}

func newTestPool(t *testing.T) (*pool.Pool, string) {
	t.Helper()
	root, err := os.MkdirTemp("", "gc-test-pool-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })
	p, err := pool.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, root
}

func TestRunReclaimsUnreferencedBlob(t *testing.T) {
	p, root := newTestPool(t)
	data := []byte("unreferenced payload")
	hash, size := sumOf(data)
	_, err := p.Insert(bytes.NewReader(data), hash, size)
	require.NoError(t, err)

	mirrorDir := filepath.Join(root, "mirror")
	require.NoError(t, os.MkdirAll(mirrorDir, 0o755))

	report, err := Run(context.Background(), p, []string{mirrorDir}, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed)

	_, ok := p.Exists(hash)
	require.False(t, ok)
}

func TestRunRetainsBlobLinkedFromCommittedSnapshot(t *testing.T) {
	p, root := newTestPool(t)
	data := []byte("referenced payload")
	hash, size := sumOf(data)
	h, err := p.Insert(bytes.NewReader(data), hash, size)
	require.NoError(t, err)

	mirrorDir := filepath.Join(root, "mirror")
	snapDir := filepath.Join(mirrorDir, "2026-01-01_00-00-00")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, finishedMarker), []byte("{}"), 0o644))

	target := filepath.Join(snapDir, "pool", "main", "h", "hello.deb")
	require.NoError(t, p.Link(h, target))

	report, err := Run(context.Background(), p, []string{mirrorDir}, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, report.Reclaimed)
	require.Equal(t, 1, report.Retained)

	_, ok := p.Exists(hash)
	require.True(t, ok)
}

func TestRunRemovesStaleInProgressSnapshot(t *testing.T) {
	p, root := newTestPool(t)
	mirrorDir := filepath.Join(root, "mirror")
	snapDir := filepath.Join(mirrorDir, "2020-01-01_00-00-00")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	marker := filepath.Join(snapDir, inProgressMarker)
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(marker, old, old))

	report, err := Run(context.Background(), p, []string{mirrorDir}, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, report.StaleSnapshotsRemoved)

	_, statErr := os.Stat(snapDir)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunLeavesFreshInProgressSnapshotAlone(t *testing.T) {
	p, root := newTestPool(t)
	mirrorDir := filepath.Join(root, "mirror")
	snapDir := filepath.Join(mirrorDir, "2026-07-30_00-00-00")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, inProgressMarker), nil, 0o644))

	report, err := Run(context.Background(), p, []string{mirrorDir}, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, report.StaleSnapshotsRemoved)

	_, statErr := os.Stat(snapDir)
	require.NoError(t, statErr)
}
