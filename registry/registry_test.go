package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/registry"
)

func TestRegistryAddAndLookup(t *testing.T) {
	r := registry.New()
	r.AddKey(&registry.Key{ID: "k1", Payload: []byte("opaque")})

	mc := &registry.MirrorConfig{
		ID:            "debian",
		URL:           "https://deb.example.org/debian",
		Dir:           "/data/mirrors/debian",
		Suite:         "bookworm",
		Architectures: []string{"amd64", "all"},
		KeyIDs:        []string{"k1"},
	}
	require.NoError(t, r.AddMirror(mc))

	got, err := r.Mirror("debian")
	require.NoError(t, err)
	assert.Equal(t, mc, got)

	_, err = r.Mirror("nope")
	var unk *apterrs.UnknownMirrorError
	require.ErrorAs(t, err, &unk)

	keys, err := r.KeysFor(mc)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "opaque", string(keys[0].Payload))
}

func TestMirrorConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  registry.MirrorConfig
		ok   bool
	}{
		{"missing id", registry.MirrorConfig{URL: "u", Suite: "s", Architectures: []string{"amd64"}}, false},
		{"missing url", registry.MirrorConfig{ID: "m", Suite: "s", Architectures: []string{"amd64"}}, false},
		{"missing arch", registry.MirrorConfig{ID: "m", URL: "u", Suite: "s"}, false},
		{"bad glob", registry.MirrorConfig{ID: "m", URL: "u", Suite: "s", Architectures: []string{"amd64"}, SkipPackages: []string{"["}}, false},
		{"valid", registry.MirrorConfig{ID: "m", URL: "u", Suite: "s", Architectures: []string{"amd64"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMediumConfigValidate(t *testing.T) {
	bad := &registry.MediumConfig{ID: "usb1", Mountpoint: "/mnt/usb1"}
	assert.Error(t, bad.Validate(), "no mirror ids and no policy")

	good := &registry.MediumConfig{
		ID:         "usb1",
		Mountpoint: "/mnt/usb1",
		MirrorIDs:  []string{"debian"},
		Policy:     registry.SelectionPolicy{Latest: true},
	}
	assert.NoError(t, good.Validate())
}

func TestFromYAML(t *testing.T) {
	doc := []byte(`
keys:
  - id: k1
    payload: b3BhcXVl
mirrors:
  - id: debian
    url: https://deb.example.org/debian
    dir: /data/mirrors/debian
    suite: bookworm
    architectures: [amd64, all]
    key_ids: [k1]
media:
  - id: usb1
    mountpoint: /mnt/usb1
    mirror_ids: [debian]
    latest: true
`)
	r, err := registry.FromYAML(doc)
	require.NoError(t, err)
	assert.Len(t, r.Mirrors, 1)
	assert.Len(t, r.Media, 1)
	assert.Len(t, r.Keys, 1)
}
