package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvaistore/aptvault/aptrepo"
	"github.com/nvaistore/aptvault/registry"
	"github.com/nvaistore/aptvault/snapshot"
)

func mustRelease(t *testing.T, raw string) *aptrepo.Release {
	t.Helper()
	r, err := aptrepo.ParseRelease([]byte(raw))
	require.NoError(t, err)
	return r
}

const releaseFixture = `Origin: Test
Suite: stable
Codename: bookworm
Architectures: amd64 arm64
Components: main contrib
MD5Sum:
 d41d8cd98f00b204e9800998ecf8427e 0 main/binary-amd64/Packages
SHA256:
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 main/binary-amd64/Packages
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 main/binary-amd64/Packages.gz
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 main/binary-arm64/Packages
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 contrib/binary-amd64/Packages
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 contrib/binary-arm64/Packages
`

func TestPlanIndicesFiltersArchitecturesAndSections(t *testing.T) {
	rel := mustRelease(t, releaseFixture)
	cfg := &registry.MirrorConfig{
		ID: "m", URL: "u", Suite: "stable",
		Architectures: []string{"amd64"},
		SkipSections:  []string{"contrib"},
	}
	items, err := snapshot.PlanIndices(cfg, rel)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "main/binary-amd64/Packages.gz", items[0].RelPath)
	assert.Equal(t, snapshot.CategoryIndex, items[0].Category)
}

func TestPlanIndicesIncludesSourcesWhenEnabled(t *testing.T) {
	rel := mustRelease(t, releaseFixture+" e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 0 main/source/Sources\n")
	cfg := &registry.MirrorConfig{
		ID: "m", URL: "u", Suite: "stable",
		Architectures: []string{"amd64"},
		Sources:       true,
	}
	items, err := snapshot.PlanIndices(cfg, rel)
	require.NoError(t, err)
	var gotSources bool
	for _, it := range items {
		if it.RelPath == "main/source/Sources" {
			gotSources = true
		}
	}
	assert.True(t, gotSources)
}

func TestPlanPayloadsSkipsGlobAndSection(t *testing.T) {
	cfg := &registry.MirrorConfig{
		ID: "m", URL: "u", Suite: "stable",
		Architectures: []string{"amd64"},
		SkipPackages:  []string{"lib*-dev"},
		SkipSections:  []string{"non-free"},
	}
	records := []aptrepo.Record{
		{"Package": "libfoo-dev", "Section": "libdevel", "Filename": "pool/libfoo-dev.deb", "SHA256": "aa", "Size": "10"},
		{"Package": "badsect", "Section": "non-free", "Filename": "pool/badsect.deb", "SHA256": "bb", "Size": "10"},
		{"Package": "keep", "Section": "utils", "Filename": "pool/keep.deb", "SHA256": "cc", "Size": "10"},
	}
	items, err := snapshot.PlanPayloads(cfg, "main", records)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pool/keep.deb", items[0].RelPath)
	assert.Equal(t, "cc", items[0].ExpectedHash)
	assert.EqualValues(t, 10, items[0].ExpectedSize)
}

func TestPlanPayloadsRejectsMissingHash(t *testing.T) {
	cfg := &registry.MirrorConfig{ID: "m", URL: "u", Suite: "stable", Architectures: []string{"amd64"}}
	records := []aptrepo.Record{{"Package": "foo", "Filename": "pool/foo.deb"}}
	_, err := snapshot.PlanPayloads(cfg, "main", records)
	assert.Error(t, err)
}

func TestPlanSourcePayloadsSkipsRecordsWithoutSha256(t *testing.T) {
	cfg := &registry.MirrorConfig{ID: "m", URL: "u", Suite: "stable", Architectures: []string{"amd64"}}
	records := []aptrepo.Record{
		{"Package": "foo", "Directory": "pool/f/foo", "Files": "d41d8cd98f00b204e9800998ecf8427e 10 foo_1.dsc"},
		{
			"Package": "bar", "Directory": "pool/b/bar",
			"Checksums-Sha256": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 10 bar_1.dsc",
		},
	}
	items, err := snapshot.PlanSourcePayloads(cfg, "main", records)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pool/b/bar/bar_1.dsc", items[0].RelPath)
}
