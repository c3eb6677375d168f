package modcd

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackageList(t *testing.T) {
	pkgs := parsePackageList([]byte("bash 5.2-1\n\nlibc6 2.39-0ubuntu8\nvirtual\n"))
	assert.Equal(t, []PackageEntry{
		{Name: "bash", Version: "5.2-1"},
		{Name: "libc6", Version: "2.39-0ubuntu8"},
		{Name: "virtual"},
	}, pkgs)
	assert.Equal(t, "virtual", pkgs[2].String())
}

func TestQueryPackages(t *testing.T) {
	rec := &recorder{}
	run := newFakeRunner(rec)
	installToolFakes(t, run)

	pkgs, err := queryPackages(run, "/work/edit")
	require.NoError(t, err)
	assert.Len(t, pkgs, 5)
	assert.Equal(t, []string{`chroot /work/edit dpkg-query -W --showformat=${Package} ${Version}\n`}, rec.events)
}

func TestWriteManifest(t *testing.T) {
	dir := t.TempDir()
	pkgs := parsePackageList([]byte(fakeDpkgOutput))

	full := filepath.Join(dir, "filesystem.manifest")
	require.NoError(t, writeManifest(full, pkgs, nil))
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, fakeDpkgOutput, string(data))

	// An existing manifest keeps its mode on write; it must end up 0644.
	desktop := filepath.Join(dir, "filesystem.manifest-desktop")
	require.NoError(t, os.WriteFile(desktop, []byte("old\n"), 0600))
	require.NoError(t, writeManifest(desktop, pkgs, desktopManifestExcludes))
	data, err = os.ReadFile(desktop)
	require.NoError(t, err)
	assert.Equal(t, "bash 5.2-1\nlibc6 2.39-0ubuntu8\n", string(data))

	info, err := os.Stat(desktop)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestDiskUsage(t *testing.T) {
	rec := &recorder{}
	run := newFakeRunner(rec)
	installToolFakes(t, run)

	n, err := diskUsage(run, "/work/edit")
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n)

	run.handlers["du"] = func(*exec.Cmd) error { return nil }
	_, err = diskUsage(run, "/work/edit")
	assert.ErrorContains(t, err, "empty output")
}

func TestWriteFilesystemSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filesystem.size")
	require.NoError(t, writeFilesystemSize(path, 1234567))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1234567", string(data))
}

func TestStampDiskDefines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "README.diskdefines")

	found, err := stampDiskDefines(path, "2024-05-17")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(path, []byte("#define DISKNAME  Ubuntu 24.04 LTS\n#define TYPE  binary\n"), 0640))
	found, err = stampDiskDefines(path, "2024-05-17")
	require.NoError(t, err)
	assert.True(t, found)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#define DISKNAME 2024-05-17  Ubuntu 24.04 LTS\n#define TYPE  binary\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}
