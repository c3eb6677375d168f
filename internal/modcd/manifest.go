package modcd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// PackageEntry is one line of a casper filesystem.manifest.
type PackageEntry struct {
	Name    string
	Version string
}

func (p PackageEntry) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + " " + p.Version
}

// Installer and live-boot packages are not part of an installed desktop.
var desktopManifestExcludes = []string{"ubiquity", "casper"}

// dpkg-query expands the \n itself.
const dpkgShowFormat = `${Package} ${Version}\n`

// queryPackages asks the unpacked system's package database what is installed.
func queryPackages(run commandRunner, editRoot string) ([]PackageEntry, error) {
	var out bytes.Buffer
	cmd := exec.Command("chroot", editRoot, "dpkg-query", "-W", "--showformat="+dpkgShowFormat)
	cmd.Stdout = &out
	if err := run.Run(cmd); err != nil {
		return nil, err
	}
	return parsePackageList(out.Bytes()), nil
}

func parsePackageList(data []byte) []PackageEntry {
	var pkgs []PackageEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		entry := PackageEntry{Name: parts[0]}
		if len(parts) == 2 {
			entry.Version = strings.TrimSpace(parts[1])
		}
		pkgs = append(pkgs, entry)
	}
	return pkgs
}

// writeManifest writes one "name version" line per package, dropping every
// line that contains one of the exclude substrings.
func writeManifest(path string, pkgs []PackageEntry, excludes []string) error {
	var buf bytes.Buffer
	for _, p := range pkgs {
		line := p.String()
		if containsAny(line, excludes) {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return err
	}
	// The copy on the disc is usually read-only.
	return os.Chmod(path, 0644)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// diskUsage returns the bytes used by dir on its own filesystem, as du reports it.
func diskUsage(run commandRunner, dir string) (int64, error) {
	var out bytes.Buffer
	cmd := exec.Command("du", "-sx", "--block-size=1", dir)
	cmd.Stdout = &out
	if err := run.Run(cmd); err != nil {
		return 0, err
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return 0, fmt.Errorf("du %s: empty output", dir)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("du %s: %w", dir, err)
	}
	return n, nil
}

// writeFilesystemSize records the size without a trailing newline.
func writeFilesystemSize(path string, size int64) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(size, 10)), 0644)
}

// stampDiskDefines appends the build date to every DISKNAME in
// README.diskdefines. It reports false when the disc has no such file.
func stampDiskDefines(path, date string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	data = bytes.ReplaceAll(data, []byte("DISKNAME"), []byte("DISKNAME "+date))
	return true, os.WriteFile(path, data, info.Mode().Perm())
}
