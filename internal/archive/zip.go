package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// ZipReader decodes pages from .cbz/.zip containers. Pages are the image
// entries ordered by lower-cased entry name.
type ZipReader struct {
	resolve Resolver

	mu      sync.Mutex
	indexes map[string]pageIndex
}

type pageIndex struct {
	modTime time.Time
	size    int64
	names   []string
}

// NewZipReader builds a reader that resolves document keys through resolve.
// A nil resolver treats the document key as a filesystem path.
func NewZipReader(resolve Resolver) *ZipReader {
	if resolve == nil {
		resolve = func(document string) (string, error) { return document, nil }
	}
	return &ZipReader{resolve: resolve, indexes: make(map[string]pageIndex)}
}

// PageCount implements Reader.
func (r *ZipReader) PageCount(ctx context.Context, document string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := r.path(document)
	if err != nil {
		return 0, err
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		return 0, fmt.Errorf("archive: open %s: %w", document, err)
	}
	defer zr.Close()
	names, err := r.pageNames(p, &zr.Reader)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Page implements Reader.
func (r *ZipReader) Page(ctx context.Context, document string, index int) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	p, err := r.path(document)
	if err != nil {
		return Image{}, err
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		return Image{}, fmt.Errorf("archive: open %s: %w", document, err)
	}
	defer zr.Close()

	names, err := r.pageNames(p, &zr.Reader)
	if err != nil {
		return Image{}, err
	}
	if index < 0 || index >= len(names) {
		return Image{}, fmt.Errorf("%w: %d of %d in %s", ErrPageOutOfRange, index, len(names), document)
	}
	return readEntry(&zr.Reader, names[index])
}

// Forget drops the memoised page list for a document, used after the library
// replaces or deletes the underlying file.
func (r *ZipReader) Forget(document string) {
	p, err := r.resolve(document)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.indexes, p)
	r.mu.Unlock()
}

func (r *ZipReader) path(document string) (string, error) {
	if !IsZipContainer(document) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, document)
	}
	p, err := r.resolve(document)
	if err != nil {
		return "", fmt.Errorf("archive: resolve %s: %w", document, err)
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, document)
		}
		return "", fmt.Errorf("archive: stat %s: %w", document, err)
	}
	return p, nil
}

func (r *ZipReader) pageNames(p string, zr *zip.Reader) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("archive: stat %s: %w", p, err)
	}

	r.mu.Lock()
	idx, ok := r.indexes[p]
	r.mu.Unlock()
	if ok && idx.modTime.Equal(info.ModTime()) && idx.size == info.Size() {
		return idx.names, nil
	}

	names := PageNames(zr)
	r.mu.Lock()
	r.indexes[p] = pageIndex{modTime: info.ModTime(), size: info.Size(), names: names}
	r.mu.Unlock()
	return names, nil
}

// PageNames lists the image entries of an opened archive in page order.
func PageNames(zr *zip.Reader) []string {
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if _, ok := ContentTypeFor(f.Name); ok {
			names = append(names, f.Name)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

func readEntry(zr *zip.Reader, name string) (Image, error) {
	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == name {
			entry = f
			break
		}
	}
	if entry == nil {
		return Image{}, fmt.Errorf("archive: entry %s missing", name)
	}
	rc, err := entry.Open()
	if err != nil {
		return Image{}, fmt.Errorf("archive: open entry %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Image{}, fmt.Errorf("archive: read entry %s: %w", name, err)
	}
	ct, _ := ContentTypeFor(name)
	return Image{Data: data, ContentType: ct}, nil
}
