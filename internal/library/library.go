// Package library manages the comic directory: importing archives, listing
// them, and the metadata and cover sidecars kept next to each one.
//
// An archive named "issue.cbz" lives at <dir>/issue/issue.cbz together with
// metadata.json and cover.<ext>. Archives dropped directly into <dir> are
// listed and readable but carry no sidecars until they are edited.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Suprimir/gihon/internal/archive"
)

const (
	metadataFile = "metadata.json"
	coverStem    = "cover"
	summaryLimit = 8
)

var (
	// ErrNotFound reports a library entry that does not exist.
	ErrNotFound = errors.New("library: not found")
	// ErrUnsupportedFormat reports a file the library does not accept.
	ErrUnsupportedFormat = errors.New("library: unsupported format")
	// ErrInvalidName reports a document name that is not a plain file name.
	ErrInvalidName = errors.New("library: invalid name")
)

var coverExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

var coverExtensionByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ForgetFunc is told when the archive behind a document changed or vanished.
type ForgetFunc func(ctx context.Context, document string)

// Options configures a Library.
type Options struct {
	Logger *slog.Logger
	Forget ForgetFunc
}

// Summary describes one listed archive.
type Summary struct {
	Name     string            `json:"name"`
	Info     archive.ComicInfo `json:"info"`
	HasCover bool              `json:"hasCover"`
}

// Library is a comic directory on disk.
type Library struct {
	dir    string
	logger *slog.Logger
	forget ForgetFunc
}

// New returns a library rooted at dir. The directory is created when missing.
func New(dir string, opts Options) (*Library, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("library: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("library: create %s: %w", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		dir:    dir,
		logger: logger.With(slog.String("agent", "library")),
		forget: opts.Forget,
	}, nil
}

// Dir returns the library root.
func (l *Library) Dir() string { return l.dir }

// List returns the .cbz archives at the top level and one folder down,
// sorted by name.
func (l *Library) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("library: read %s: %w", l.dir, err)
	}
	seen := make(map[string]struct{})
	add := func(name string) {
		if strings.EqualFold(filepath.Ext(name), ".cbz") {
			seen[name] = struct{}{}
		}
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			if entry.Type().IsRegular() {
				add(entry.Name())
			}
			continue
		}
		sub, err := os.ReadDir(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("library: read %s: %w", entry.Name(), err)
		}
		for _, s := range sub {
			if s.Type().IsRegular() {
				add(s.Name())
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Add copies the archive at src into the library and writes its sidecars.
// Missing ComicInfo.xml or an archive without images is not an error. It
// returns the document name.
func (l *Library) Add(ctx context.Context, src string) (string, error) {
	name := filepath.Base(src)
	if err := validName(name); err != nil {
		return "", err
	}
	if !archive.IsSupportedContainer(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	folder := l.folder(name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("library: create %s: %w", folder, err)
	}
	dst := filepath.Join(folder, name)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	if l.forget != nil {
		l.forget(ctx, name)
	}

	if archive.IsZipContainer(name) {
		info, err := archive.ReadComicInfo(dst)
		switch {
		case err == nil:
			if err := writeMetadata(folder, info); err != nil {
				return "", err
			}
		case errors.Is(err, archive.ErrNoComicInfo):
			l.logger.Debug("archive has no ComicInfo.xml", slog.String("document", name))
		default:
			l.logger.Warn("ComicInfo.xml unreadable", slog.String("document", name), slog.Any("error", err))
		}

		cover, ok, err := archive.Cover(dst)
		switch {
		case err != nil:
			l.logger.Warn("cover unreadable", slog.String("document", name), slog.Any("error", err))
		case ok:
			if err := writeCover(folder, cover); err != nil {
				return "", err
			}
		}
	}

	l.logger.Info("archive added", slog.String("document", name), slog.String("source", src))
	return name, nil
}

// Delete removes the archive and its sidecars. The archive folder is removed
// when nothing else is left in it.
func (l *Library) Delete(ctx context.Context, name string) error {
	p, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("library: remove %s: %w", name, err)
	}
	folder := l.folder(name)
	if filepath.Dir(p) == folder {
		_ = os.Remove(filepath.Join(folder, metadataFile))
		for _, ext := range coverExtensions {
			_ = os.Remove(filepath.Join(folder, coverStem+ext))
		}
		if rest, err := os.ReadDir(folder); err == nil && len(rest) == 0 {
			_ = os.Remove(folder)
		}
	}
	if l.forget != nil {
		l.forget(ctx, name)
	}
	l.logger.Info("archive deleted", slog.String("document", name))
	return nil
}

// Path resolves a document name to the archive on disk. The per-archive
// folder wins over a file at the top level.
func (l *Library) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	candidates := []string{
		filepath.Join(l.folder(name), name),
		filepath.Join(l.dir, name),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Resolve adapts Path to the archive reader's resolver.
func (l *Library) Resolve(document string) (string, error) {
	p, err := l.Path(document)
	if errors.Is(err, ErrNotFound) {
		// Let the reader report its own not-found error.
		return filepath.Join(l.folder(document), document), nil
	}
	return p, err
}

// Metadata returns the saved metadata of an archive, falling back to the
// ComicInfo.xml inside it. An archive with neither yields empty metadata.
func (l *Library) Metadata(name string) (archive.ComicInfo, error) {
	p, err := l.Path(name)
	if err != nil {
		return archive.ComicInfo{}, err
	}
	payload, err := os.ReadFile(filepath.Join(l.folder(name), metadataFile))
	switch {
	case err == nil:
		var info archive.ComicInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return archive.ComicInfo{}, fmt.Errorf("library: decode %s metadata: %w", name, err)
		}
		return info, nil
	case !errors.Is(err, fs.ErrNotExist):
		return archive.ComicInfo{}, fmt.Errorf("library: read %s metadata: %w", name, err)
	}

	if !archive.IsZipContainer(name) {
		return archive.ComicInfo{}, nil
	}
	info, err := archive.ReadComicInfo(p)
	if errors.Is(err, archive.ErrNoComicInfo) {
		return archive.ComicInfo{}, nil
	}
	return info, err
}

// EditMetadata replaces the saved metadata of an archive.
func (l *Library) EditMetadata(name string, info archive.ComicInfo) error {
	p, err := l.Path(name)
	if err != nil {
		return err
	}
	folder := l.folder(name)
	if filepath.Dir(p) != folder {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return fmt.Errorf("library: create %s: %w", folder, err)
		}
	}
	if err := writeMetadata(folder, info); err != nil {
		return err
	}
	l.logger.Info("metadata updated", slog.String("document", name))
	return nil
}

// Cover returns the cover sidecar of an archive, or its first page when no
// sidecar was written.
func (l *Library) Cover(name string) (archive.Image, error) {
	p, err := l.Path(name)
	if err != nil {
		return archive.Image{}, err
	}
	if img, ok, err := l.coverSidecar(name); err != nil || ok {
		return img, err
	}
	if !archive.IsZipContainer(name) {
		return archive.Image{}, fmt.Errorf("%w: cover of %s", ErrNotFound, name)
	}
	img, ok, err := archive.Cover(p)
	if err != nil {
		return archive.Image{}, err
	}
	if !ok {
		return archive.Image{}, fmt.Errorf("%w: cover of %s", ErrNotFound, name)
	}
	return img, nil
}

// Summaries lists the archives together with their metadata and whether a
// cover sidecar exists. Entries are read concurrently.
func (l *Library) Summaries(ctx context.Context) ([]Summary, error) {
	names, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryLimit)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := l.Metadata(name)
			if err != nil {
				l.logger.Warn("metadata unreadable", slog.String("document", name), slog.Any("error", err))
			}
			_, hasCover, _ := l.coverSidecar(name)
			out[i] = Summary{Name: name, Info: info, HasCover: hasCover}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Library) coverSidecar(name string) (archive.Image, bool, error) {
	folder := l.folder(name)
	for _, ext := range coverExtensions {
		data, err := os.ReadFile(filepath.Join(folder, coverStem+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return archive.Image{}, false, fmt.Errorf("library: read cover of %s: %w", name, err)
		}
		ct, _ := archive.ContentTypeFor(coverStem + ext)
		return archive.Image{Data: data, ContentType: ct}, true, nil
	}
	return archive.Image{}, false, nil
}

func (l *Library) folder(name string) string {
	return filepath.Join(l.dir, strings.TrimSuffix(name, filepath.Ext(name)))
}

func validName(name string) error {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || stem == "" || stem == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func writeMetadata(folder string, info archive.ComicInfo) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("library: encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folder, metadataFile), payload, 0o644); err != nil {
		return fmt.Errorf("library: write metadata: %w", err)
	}
	return nil
}

func writeCover(folder string, img archive.Image) error {
	ext, ok := coverExtensionByType[img.ContentType]
	if !ok {
		return nil
	}
	if err := os.WriteFile(filepath.Join(folder, coverStem+ext), img.Data, 0o644); err != nil {
		return fmt.Errorf("library: write cover: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("library: open %s: %w", src, err)
	}
	defer in.Close()
	if info, err := in.Stat(); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, src)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("library: create %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("library: copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("library: copy %s: %w", src, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("library: replace %s: %w", dst, err)
	}
	return nil
}
