package modcd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// compressedImage reports whether the source image has to be decompressed
// before it can be loop-mounted.
func compressedImage(path string) bool {
	for _, ext := range []string{".xz", ".gz", ".zst"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// decompressImage writes the decompressed contents of src to dst.
func decompressImage(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	bar := newProgress(stat.Size(), "decompressing", true)
	defer bar.Close()
	in := io.TeeReader(f, bar)

	// Determine the compression type based on file extension
	var r io.Reader
	switch {
	case strings.HasSuffix(src, ".gz"):
		gz, err := pgzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(src, ".xz"):
		xr, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", src, err)
		}
		r = xr
	case strings.HasSuffix(src, ".zst"):
		zst, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", src, err)
		}
		defer zst.Close()
		r = zst
	default:
		return fmt.Errorf("unsupported image compression: %s", src)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return out.Close()
}
