package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nvaistore/aptvault/aptrepo"
	"github.com/nvaistore/aptvault/fetch"
	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/internal/meta"
	"github.com/nvaistore/aptvault/internal/reporter"
	"github.com/nvaistore/aptvault/internal/xlock"
	"github.com/nvaistore/aptvault/pool"
	"github.com/nvaistore/aptvault/registry"
	"github.com/nvaistore/aptvault/sigverify"
)

// State is a snapshot's position in the lifecycle of spec.md §4.7.
type State string

const (
	StateInitializing State = "initializing"
	StateFetching      State = "fetching"
	StateVerifying     State = "verifying"
	StateCommitting    State = "committing"
	StateCommitted     State = "committed"
	StateAborted       State = "aborted"
	StatePartial       State = "partial"
)

const (
	inProgressMarker = ".in-progress"
	finishedMarker   = ".finished"
	finishedTmp      = ".finished.tmp"
	latestPointer    = "latest"
	mirrorLockFile   = ".lock"

	idLayout = "2006-01-02_15-04-05"
)

// FailureEntry records one payload that failed verification under
// ignore-errors, persisted into the commit marker (spec.md §4.7).
type FailureEntry struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// FinishMarker is the JSON body of .finished (spec.md §6).
type FinishMarker struct {
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Partial  bool           `json:"partial"`
	Errors   []FailureEntry `json:"errors"`
}

// Result summarizes a completed sync, matching the per-run summary from
// spec.md §7.
type Result struct {
	SnapshotID   string
	State        State
	FilesReused  int
	FilesFetched int
	Bytes        int64
	Errors       []FailureEntry
}

// Materializer drives one mirror's sync, per spec.md §4.7.
type Materializer struct {
	Mirror *registry.MirrorConfig
	Pool   *pool.Pool
	Client *fetch.Client
	Keys   *sigverify.KeyRing
	Sink   reporter.Sink

	// AllowExpired lets a stale Release through instead of failing
	// ReleaseExpired, for an operator who has explicitly opted in.
	AllowExpired bool
}

func (m *Materializer) sink() reporter.Sink {
	if m.Sink == nil {
		return reporter.Discard{}
	}
	return m.Sink
}

// Sync runs one full mirror cycle, creating a new snapshot directory under
// mirrorDir. The mirror's .lock is held exclusively for the duration
// (spec.md §5), excluding a concurrent sync or GC pass over the same mirror.
func (m *Materializer) Sync(ctx context.Context, mirrorDir string) (*Result, error) {
	unlock, err := m.lockMirror(mirrorDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := time.Now().UTC()
	snapshotID := started.Format(idLayout)
	snapDir := filepath.Join(mirrorDir, snapshotID)

	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, &apterrs.PoolIOError{Op: "mkdir", Path: snapDir, Cause: err}
	}
	if err := touch(filepath.Join(snapDir, inProgressMarker)); err != nil {
		return nil, err
	}

	res := &Result{SnapshotID: snapshotID, State: StateFetching}

	release, err := m.fetchRelease(ctx, snapDir, res)
	if err != nil {
		m.abort(ctx, snapDir)
		return nil, err
	}

	if release.Expired(time.Now()) && !m.AllowExpired {
		m.abort(ctx, snapDir)
		return nil, &apterrs.ReleaseExpiredError{Suite: release.Suite, ValidUntil: release.ValidUntil.Format(time.RFC1123)}
	}

	res.State = StateVerifying
	indexItems, err := PlanIndices(m.Mirror, release)
	if err != nil {
		m.abort(ctx, snapDir)
		return nil, err
	}

	indexBodies, err := m.fetchIndices(ctx, snapDir, indexItems, res)
	if err != nil {
		m.abort(ctx, snapDir)
		return nil, err
	}

	payloadItems, err := m.planAllPayloads(release, indexItems, indexBodies)
	if err != nil {
		m.abort(ctx, snapDir)
		return nil, err
	}

	if err := m.fetchPayloads(ctx, snapDir, payloadItems, res); err != nil {
		m.abort(ctx, snapDir)
		return nil, err
	}

	res.State = StateCommitting
	if err := m.commit(snapDir, started, res); err != nil {
		return nil, err
	}
	if err := m.updateLatest(mirrorDir, snapshotID); err != nil {
		return nil, err
	}

	if len(res.Errors) > 0 {
		res.State = StatePartial
	} else {
		res.State = StateCommitted
	}
	return res, nil
}

// fetchRelease fetches+verifies InRelease, or Release+Release.gpg as a
// fallback, inserting both into the pool and linking into the snapshot.
func (m *Materializer) fetchRelease(ctx context.Context, snapDir string, res *Result) (*aptrepo.Release, error) {
	inURL := m.joinURL("InRelease")
	m.sink().Started(inURL, 0)
	inResult, err := m.Client.Get(ctx, inURL, fetch.Conditional{})
	if err == nil {
		plaintext, verr := m.Keys.VerifyClearSigned(inResult.Body)
		if verr != nil {
			m.sink().Failed(inURL, reporter.KindSignature, verr)
			return nil, verr
		}
		if err := m.storeReleaseArtifact(snapDir, "InRelease", inResult.Body, res); err != nil {
			return nil, err
		}
		m.sink().Completed(inURL, false)
		return aptrepo.ParseRelease(plaintext)
	}

	relURL := m.joinURL("Release")
	relResult, err := m.Client.Get(ctx, relURL, fetch.Conditional{})
	if err != nil {
		m.sink().Failed(relURL, reporter.KindUpstream, err)
		return nil, err
	}
	sigURL := m.joinURL("Release.gpg")
	sigResult, err := m.Client.Get(ctx, sigURL, fetch.Conditional{})
	if err != nil {
		m.sink().Failed(sigURL, reporter.KindUpstream, err)
		return nil, err
	}
	if err := m.Keys.VerifyDetached(relResult.Body, sigResult.Body); err != nil {
		m.sink().Failed(relURL, reporter.KindSignature, err)
		return nil, err
	}
	if err := m.storeReleaseArtifact(snapDir, "Release", relResult.Body, res); err != nil {
		return nil, err
	}
	if err := m.storeReleaseArtifact(snapDir, "Release.gpg", sigResult.Body, res); err != nil {
		return nil, err
	}
	m.sink().Completed(relURL, false)
	return aptrepo.ParseRelease(relResult.Body)
}

func (m *Materializer) storeReleaseArtifact(snapDir, name string, body []byte, res *Result) error {
	hash, size := sumOf(body)
	handle, err := m.Pool.Insert(bytes.NewReader(body), hash, size)
	if err != nil {
		return err
	}
	target := filepath.Join(snapDir, "dists", m.Mirror.Suite, name)
	if err := m.Pool.Link(handle, target); err != nil {
		return err
	}
	res.Bytes += size
	return nil
}

// fetchIndices fetches and verifies every planned index file against its
// Release-declared hash, retrying once on mismatch (spec.md §4.7 step 3).
func (m *Materializer) fetchIndices(ctx context.Context, snapDir string, items []FetchItem, res *Result) (map[string][]byte, error) {
	bodies := make(map[string][]byte, len(items))
	var mu sync.Mutex
	err := RunPool(ctx, m.concurrency(), items, func(ctx context.Context, item FetchItem) error {
		body, err := m.fetchVerifiedIndex(ctx, item)
		if err != nil {
			m.sink().Failed(item.RelPath, reporter.KindIndexHashMismat, err)
			return &apterrs.IndexHashMismatchError{Path: item.RelPath}
		}
		hash, size := sumOf(body)
		handle, err := m.Pool.Insert(bytes.NewReader(body), hash, size)
		if err != nil {
			return err
		}
		target := filepath.Join(snapDir, "dists", m.Mirror.Suite, item.RelPath)
		if err := m.Pool.Link(handle, target); err != nil {
			return err
		}
		mu.Lock()
		bodies[item.RelPath] = body
		res.Bytes += size
		mu.Unlock()
		m.sink().Completed(item.RelPath, false)
		return nil
	})
	return bodies, err
}

func (m *Materializer) fetchVerifiedIndex(ctx context.Context, item FetchItem) ([]byte, error) {
	url := m.joinURL(path.Join("dists", m.Mirror.Suite, item.RelPath))
	var body []byte
	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.Client.Get(ctx, url, fetch.Conditional{})
		if err != nil {
			return nil, err
		}
		hash, size := sumOf(res.Body)
		if hash == item.ExpectedHash && (item.ExpectedSize == 0 || size == item.ExpectedSize) {
			body = res.Body
			break
		}
		if attempt == 1 {
			return nil, &apterrs.HashMismatchError{Path: item.RelPath, Expected: item.ExpectedHash, Actual: hash}
		}
	}
	return body, nil
}

// planAllPayloads parses every fetched Packages index and expands it into
// payload FetchItems via PlanPayloads.
func (m *Materializer) planAllPayloads(release *aptrepo.Release, indexItems []FetchItem, bodies map[string][]byte) ([]FetchItem, error) {
	var all []FetchItem
	for _, item := range indexItems {
		isPackages := strings.Contains(item.RelPath, "Packages")
		isSources := strings.Contains(item.RelPath, "Sources")
		if !isPackages && !isSources {
			continue
		}
		body := bodies[item.RelPath]
		raw, err := aptrepo.Decompress(item.RelPath, bytes.NewReader(body))
		if err != nil {
			return nil, aptrepo.WrapError(item.RelPath, err)
		}
		decompressed, err := io.ReadAll(raw)
		if err != nil {
			return nil, err
		}
		rr := aptrepo.NewRecordReader(bytes.NewReader(decompressed))
		var records []aptrepo.Record
		for {
			rec, err := rr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}

		var items []FetchItem
		if isPackages {
			items, err = PlanPayloads(m.Mirror, item.Component, records)
		} else {
			items, err = PlanSourcePayloads(m.Mirror, item.Component, records)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

// fetchPayloads fetches (or reuses from the pool) every payload item and
// links it into the snapshot tree (spec.md §4.7 step 4).
func (m *Materializer) fetchPayloads(ctx context.Context, snapDir string, items []FetchItem, res *Result) error {
	var mu sync.Mutex
	return RunPool(ctx, m.concurrency(), items, func(ctx context.Context, item FetchItem) error {
		target := filepath.Join(snapDir, item.RelPath)

		if handle, ok := m.Pool.Exists(item.ExpectedHash); ok {
			if err := m.Pool.Link(handle, target); err != nil {
				return err
			}
			if m.Mirror.VerifyWrites {
				data, err := os.ReadFile(target)
				if err != nil {
					return &apterrs.PoolIOError{Op: "verify", Path: target, Cause: err}
				}
				if hash, _ := sumOf(data); hash != item.ExpectedHash {
					mismatchErr := &apterrs.HashMismatchError{Path: item.RelPath, Expected: item.ExpectedHash, Actual: hash}
					m.sink().Failed(item.RelPath, reporter.KindHashMismatch, mismatchErr)
					return m.handlePayloadFailure(item, mismatchErr, res, &mu)
				}
			}
			mu.Lock()
			res.FilesReused++
			mu.Unlock()
			m.sink().Completed(item.RelPath, true)
			return nil
		}

		m.sink().Started(item.RelPath, item.ExpectedSize)
		url := m.joinURL(item.RelPath)
		result, err := m.Client.Get(ctx, url, fetch.Conditional{})
		if err != nil {
			m.sink().Failed(item.RelPath, reporter.KindUpstream, err)
			return m.handlePayloadFailure(item, err, res, &mu)
		}
		hash, size := sumOf(result.Body)
		if hash != item.ExpectedHash {
			mismatchErr := &apterrs.HashMismatchError{Path: item.RelPath, Expected: item.ExpectedHash, Actual: hash}
			m.sink().Failed(item.RelPath, reporter.KindHashMismatch, mismatchErr)
			return m.handlePayloadFailure(item, mismatchErr, res, &mu)
		}
		handle, err := m.Pool.Insert(bytes.NewReader(result.Body), hash, size)
		if err != nil {
			return err
		}
		if err := m.Pool.Link(handle, target); err != nil {
			return err
		}
		mu.Lock()
		res.FilesFetched++
		res.Bytes += size
		mu.Unlock()
		m.sink().Completed(item.RelPath, false)
		return nil
	})
}

func (m *Materializer) handlePayloadFailure(item FetchItem, err error, res *Result, mu *sync.Mutex) error {
	if !m.Mirror.IgnoreErrors {
		return err
	}
	mu.Lock()
	res.Errors = append(res.Errors, FailureEntry{Path: item.RelPath, Message: err.Error()})
	mu.Unlock()
	return nil
}

func (m *Materializer) commit(snapDir string, started time.Time, res *Result) error {
	fm := FinishMarker{
		Started:  started,
		Finished: time.Now().UTC(),
		Partial:  len(res.Errors) > 0,
		Errors:   res.Errors,
	}
	tmpPath := filepath.Join(snapDir, finishedTmp)
	if err := meta.Save(tmpPath, &fm); err != nil {
		return err
	}
	finalPath := filepath.Join(snapDir, finishedMarker)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &apterrs.PoolIOError{Op: "rename", Path: finalPath, Cause: err}
	}
	if err := os.Remove(filepath.Join(snapDir, inProgressMarker)); err != nil {
		return &apterrs.PoolIOError{Op: "remove", Path: inProgressMarker, Cause: err}
	}
	return nil
}

// updateLatest atomically repoints the mirror's "latest" marker at
// snapshotID by writing a symlink to a temp name and renaming over it,
// since symlink creation + rename is itself atomic.
func (m *Materializer) updateLatest(mirrorDir, snapshotID string) error {
	tmp := filepath.Join(mirrorDir, latestPointer+".tmp")
	os.Remove(tmp)
	if err := os.Symlink(snapshotID, tmp); err != nil {
		return &apterrs.PoolIOError{Op: "symlink", Path: tmp, Cause: err}
	}
	final := filepath.Join(mirrorDir, latestPointer)
	if err := os.Rename(tmp, final); err != nil {
		return &apterrs.PoolIOError{Op: "rename", Path: final, Cause: err}
	}
	return nil
}

// abort removes an in-progress snapshot tree after a fatal failure, rather
// than leaving cleanup to the next GC cycle — this keeps Aborted snapshots
// from accumulating across repeated failed syncs of the same mirror. On
// cancellation (spec.md §5) the tree is left in place instead: it stays
// under .in-progress until GC's stale-snapshot horizon reclaims it, rather
// than racing a teardown against whatever caused the cancellation.
func (m *Materializer) abort(ctx context.Context, snapDir string) {
	if ctx.Err() != nil {
		return
	}
	os.RemoveAll(snapDir)
}

// lockMirror acquires the mirror directory's exclusive advisory lock, held
// for the duration of a sync (spec.md §5), mirroring medium.Syncer.lock().
func (m *Materializer) lockMirror(mirrorDir string) (unlock func(), err error) {
	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return nil, &apterrs.PoolIOError{Op: "mkdir", Path: mirrorDir, Cause: err}
	}
	l := xlock.New(filepath.Join(mirrorDir, mirrorLockFile))
	return l.TryExclusive()
}

func (m *Materializer) joinURL(relPath string) string {
	return strings.TrimRight(m.Mirror.URL, "/") + "/" + strings.TrimLeft(relPath, "/")
}

func (m *Materializer) concurrency() int {
	if m.Mirror.Workers > 0 {
		return m.Mirror.Workers
	}
	return 4
}

func sumOf(data []byte) (string, int64) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), int64(len(data))
}

func touch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &apterrs.PoolIOError{Op: "touch", Path: path, Cause: err}
	}
	return f.Close()
}
