package provision

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/sagernet/sing-vpn/common/baderror"
	"github.com/sagernet/sing-vpn/option"

	"github.com/stretchr/testify/require"
)

type countingFS struct {
	fs.FS
	opens atomic.Int32
}

func (c *countingFS) Open(name string) (fs.File, error) {
	c.opens.Add(1)
	return c.FS.Open(name)
}

func testAssets() *countingFS {
	return &countingFS{FS: fstest.MapFS{
		"assets/datas/geosite/geosite-private.srs": {Data: []byte("private")},
		"assets/datas/geosite/geosite-cn.srs":      {Data: []byte("site-cn")},
		"assets/datas/geoip/geoip-cn.srs":          {Data: []byte("ip-cn")},
	}}
}

func TestEnsureCopiesAll(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := testAssets()
	provisioner := NewProvisioner(Options{Assets: assets, Directory: directory})
	require.NoError(t, provisioner.Ensure(context.Background()))
	for _, ruleFile := range option.DefaultRuleFiles {
		content, err := os.ReadFile(filepath.Join(directory, ruleFile.Name))
		require.NoError(t, err)
		require.NotEmpty(t, content)
	}
	content, err := os.ReadFile(filepath.Join(directory, "geoip-cn.srs"))
	require.NoError(t, err)
	require.Equal(t, "ip-cn", string(content))
	require.Equal(t, int32(3), assets.opens.Load())
}

func TestEnsureIdempotent(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := testAssets()
	provisioner := NewProvisioner(Options{Assets: assets, Directory: directory})
	require.NoError(t, provisioner.Ensure(context.Background()))
	before, err := os.Stat(filepath.Join(directory, "geosite-cn.srs"))
	require.NoError(t, err)
	assets.opens.Store(0)
	require.NoError(t, provisioner.Ensure(context.Background()))
	require.Zero(t, assets.opens.Load())
	after, err := os.Stat(filepath.Join(directory, "geosite-cn.srs"))
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestEnsureRepairsPartialState(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(directory, "geosite-private.srs"), []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(directory, "geoip-cn.srs"), nil, 0o644))
	provisioner := NewProvisioner(Options{Assets: testAssets(), Directory: directory})
	require.NoError(t, provisioner.Ensure(context.Background()))
	content, err := os.ReadFile(filepath.Join(directory, "geoip-cn.srs"))
	require.NoError(t, err)
	require.Equal(t, "ip-cn", string(content))
	content, err = os.ReadFile(filepath.Join(directory, "geosite-private.srs"))
	require.NoError(t, err)
	require.Equal(t, "private", string(content))
}

func TestEnsureMissingAsset(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := fstest.MapFS{
		"assets/datas/geosite/geosite-private.srs": {Data: []byte("private")},
		"assets/datas/geosite/geosite-cn.srs":      {Data: []byte("site-cn")},
	}
	provisioner := NewProvisioner(Options{Assets: assets, Directory: directory})
	err := provisioner.Ensure(context.Background())
	require.ErrorIs(t, err, ErrProvisioning)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Equal(t, ErrProvisioning, baderror.Kind(err, ErrProvisioning))
}

func TestEnsureEmptyAsset(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := fstest.MapFS{
		"assets/datas/geosite/geosite-private.srs": {Data: []byte("private")},
		"assets/datas/geosite/geosite-cn.srs":      {Data: []byte{}},
		"assets/datas/geoip/geoip-cn.srs":          {Data: []byte("ip-cn")},
	}
	provisioner := NewProvisioner(Options{Assets: assets, Directory: directory})
	err := provisioner.Ensure(context.Background())
	require.ErrorIs(t, err, ErrProvisioning)
	_, statErr := os.Stat(filepath.Join(directory, "geosite-cn.srs"))
	require.ErrorIs(t, statErr, fs.ErrNotExist)
}

func TestRefreshOverwrites(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := testAssets()
	provisioner := NewProvisioner(Options{Assets: assets, Directory: directory})
	require.NoError(t, provisioner.Ensure(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(directory, "geosite-cn.srs"), []byte("modified"), 0o644))
	require.NoError(t, provisioner.Refresh(context.Background()))
	content, err := os.ReadFile(filepath.Join(directory, "geosite-cn.srs"))
	require.NoError(t, err)
	require.Equal(t, "site-cn", string(content))
}

func TestCustomPrefix(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	assets := fstest.MapFS{
		"flutter_assets/assets/datas/geoip/geoip-cn.srs": {Data: []byte("ip-cn")},
	}
	provisioner := NewProvisioner(Options{
		Assets:      assets,
		AssetPrefix: "flutter_assets/assets/datas",
		RuleFiles:   []option.RuleFile{{Name: "geoip-cn.srs", Directory: "geoip"}},
		Directory:   directory,
	})
	require.NoError(t, provisioner.Ensure(context.Background()))
}

func TestPrepareCacheFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, PrepareCacheFile(path))
	require.NoError(t, PrepareCacheFile(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestPrepareCacheFileCorrupted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))
	require.NoError(t, PrepareCacheFile(path))
}
