package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingDefaultFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Nil(t, cfg.CPUs)
}

func TestLoad_MissingExplicitFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}

func TestLoad_ParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shuru.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cpus": 4,
		"memory": 4096,
		"disk_size": 8192,
		"allow_net": true,
		"command": ["/bin/bash"],
		"ports": ["18080:80"],
		"mounts": ["/host:/guest:ro"]
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 4, *cfg.CPUs)
	require.EqualValues(t, 4096, *cfg.MemoryMB)
	require.EqualValues(t, 8192, *cfg.DiskMB)
	require.True(t, *cfg.AllowNet)
	require.Equal(t, []string{"/bin/bash"}, cfg.Command)
	require.Equal(t, []string{"18080:80"}, cfg.Ports)
	require.Equal(t, []string{"/host:/guest:ro"}, cfg.Mounts)
}

func TestResolve_DefaultsWhenNothingSet(t *testing.T) {
	r := Resolve(VMArgs{}, nil)
	require.EqualValues(t, DefaultCPUs, r.CPUs)
	require.EqualValues(t, DefaultMemoryMB, r.MemoryMB)
	require.EqualValues(t, DefaultDiskMB, r.DiskMB)
	require.False(t, r.AllowNet)
}

// TestResolve_CLIOverridesConfigOverridesDefault exercises the CLI > config
// file > built-in default precedence chain §4.G specifies.
func TestResolve_CLIOverridesConfigOverridesDefault(t *testing.T) {
	cfgCPUs := 4
	cfgMem := uint64(4096)
	cfg := &ShuruConfig{CPUs: &cfgCPUs, MemoryMB: &cfgMem}

	argCPUs := 8
	r := Resolve(VMArgs{CPUs: &argCPUs}, cfg)
	require.EqualValues(t, 8, r.CPUs, "CLI flag must win over config file")
	require.EqualValues(t, 4096, r.MemoryMB, "config file must win over built-in default")
	require.EqualValues(t, DefaultDiskMB, r.DiskMB, "built-in default applies when neither CLI nor config set it")
}

func TestResolve_AllowNetIsStickyOnceSetByEitherSource(t *testing.T) {
	allow := true
	cfg := &ShuruConfig{AllowNet: &allow}
	r := Resolve(VMArgs{}, cfg)
	require.True(t, r.AllowNet)
}
