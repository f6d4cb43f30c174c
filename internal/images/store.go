// internal/images/store.go

// Package images stores uploaded book images on disk under names derived
// from their content, so re-uploading the same picture reuses the stored file.
package images

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"bookshare/internal/apperr"
)

// MaxImageBytes caps a single stored image.
const MaxImageBytes = 8 << 20

// Store saves image bytes and opens them again by name.
type Store interface {
	Save(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	Open(name string) (io.ReadSeekCloser, error)
}

// domainKey is the BLAKE3 key for image digests: "bookshare.images"
// zero-padded to 32 bytes.
var domainKey = [32]byte{
	'b', 'o', 'o', 'k', 's', 'h', 'a', 'r', 'e', '.', 'i', 'm', 'a', 'g', 'e', 's',
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// DiskStore keeps images in a single flat directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

// Save writes r to the store and returns the stored file name: the hex
// digest of the content plus an extension picked from contentType, falling
// back to the extension of name.
func (s *DiskStore) Save(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	ext, err := extensionFor(name, contentType)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		return "", fmt.Errorf("init image hasher: %w", err)
	}

	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("write upload %q: %w", name, err)
	}
	if n > MaxImageBytes {
		return "", apperr.Validation(fmt.Sprintf("image %q is larger than %d bytes", name, MaxImageBytes))
	}
	if n == 0 {
		return "", apperr.Validation(fmt.Sprintf("image %q is empty", name))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stored := hex.EncodeToString(hasher.Sum(nil)[:16]) + ext
	dest := filepath.Join(s.dir, stored)
	if _, err := os.Stat(dest); err == nil {
		return stored, nil
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("store upload %q: %w", name, err)
	}
	return stored, nil
}

// Open returns the stored image. Names that could leave the store directory
// are reported as missing.
func (s *DiskStore) Open(name string) (io.ReadSeekCloser, error) {
	if !validName(name) {
		return nil, fs.ErrNotExist
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func validName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && path.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func extensionFor(name, contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "application/octet-stream" {
		mediaType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = mediaType[:i]
		}
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", apperr.Validation(fmt.Sprintf("file %q is not an image", name),
			apperr.FieldError{Field: "images", Rule: "image", Message: "must be an image"})
	}
	// SVG can carry script that would run on the API origin.
	if mediaType == "image/svg+xml" {
		return "", apperr.Validation(fmt.Sprintf("file %q is an SVG image", name),
			apperr.FieldError{Field: "images", Rule: "image", Message: "must be a raster image"})
	}
	if ext, ok := extensions[mediaType]; ok {
		return ext, nil
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0], nil
	}
	return strings.ToLower(filepath.Ext(name)), nil
}

// Handler serves stored images by the final path segment of the request.
func Handler(s Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		f, err := s.Open(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		h := w.Header()
		h.Set("Cache-Control", "public, max-age=31536000, immutable")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
		http.ServeContent(w, r, name, modTime(f), f)
	})
}

func modTime(f io.ReadSeekCloser) time.Time {
	if st, ok := f.(interface{ Stat() (fs.FileInfo, error) }); ok {
		if info, err := st.Stat(); err == nil {
			return info.ModTime()
		}
	}
	return time.Time{}
}
