package modcd

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"lukechampine.com/blake3"
)

const checksumFileName = "md5sum.txt"

// The El Torito boot catalog is rewritten by mkisofs, so its sum is never stable.
var checksumExcludes = []string{"isolinux/boot.cat"}

// ChecksumEntry is one md5sum.txt line.
type ChecksumEntry struct {
	Sum  string
	Path string // "./relative/path"
}

func (c ChecksumEntry) String() string {
	return c.Sum + "  " + c.Path
}

// listRegularFiles returns "./rel" paths of every regular file below root,
// sorted.
func listRegularFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, "./"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func newProgress(total int64, desc string, showBytes bool) *progressbar.ProgressBar {
	switch {
	case !isTerminal() && showBytes:
		return progressbar.DefaultBytesSilent(total, desc)
	case !isTerminal():
		return progressbar.DefaultSilent(total, desc)
	case showBytes:
		return progressbar.DefaultBytes(total, desc)
	}
	return progressbar.Default(total, desc)
}

// generateMD5Sums hashes every regular file under root except md5sum.txt and
// paths containing one of excludes.
func generateMD5Sums(root string, excludes []string) ([]ChecksumEntry, error) {
	files, err := listRegularFiles(root)
	if err != nil {
		return nil, err
	}

	var selected []string
	for _, f := range files {
		if f == "./"+checksumFileName || containsAny(f, excludes) {
			continue
		}
		selected = append(selected, f)
	}

	bar := newProgress(int64(len(selected)), "md5sum", false)
	defer bar.Close()

	entries := make([]ChecksumEntry, 0, len(selected))
	for _, rel := range selected {
		sum, err := md5File(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "./"))))
		if err != nil {
			return nil, err
		}
		entries = append(entries, ChecksumEntry{Sum: sum, Path: rel})
		bar.Add(1)
	}
	return entries, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeChecksums(path string, entries []ChecksumEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// hashFileBlake3 returns the BLAKE3 digest of path. The system b3sum is used
// when lookPath finds it, the Go implementation otherwise.
func hashFileBlake3(run commandRunner, lookPath func(string) (string, error), path string) (string, error) {
	if _, err := lookPath("b3sum"); err == nil {
		var out bytes.Buffer
		cmd := exec.Command("b3sum", "--no-names", path)
		cmd.Stdout = &out
		if err := run.Run(cmd); err == nil {
			if fields := strings.Fields(out.String()); len(fields) > 0 {
				return fields[0], nil
			}
		}
		debugf("b3sum failed for %s, falling back to internal BLAKE3", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Fallback: internal Go BLAKE3 (32-byte output, no key)
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// writeDigestFile writes "<sum>  <basename>" next to the image, b3sum-style.
func writeDigestFile(image, sum string) (string, error) {
	path := image + ".b3sum"
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(image))
	return path, os.WriteFile(path, []byte(line), 0644)
}
