package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/Suprimir/gihon/internal/archive/blobcache"
)

type zipEntry struct {
	name string
	data []byte
}

func writeCBZ(t *testing.T, path string, entries ...zipEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

const comicInfoXML = `<?xml version="1.0"?>
<ComicInfo>
  <Title> Issue One </Title>
  <Series>Gihon</Series>
  <Writer>A. Writer</Writer>
  <Summary>Pilot.</Summary>
  <Year>2024</Year>
</ComicInfo>`

func sampleArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.cbz")
	writeCBZ(t, path,
		zipEntry{"pages/b.PNG", []byte("png-b")},
		zipEntry{"notes.txt", []byte("ignore")},
		zipEntry{"ComicInfo.xml", []byte(comicInfoXML)},
		zipEntry{"pages/A.jpg", []byte("jpg-a")},
		zipEntry{"pages/c.webp", []byte("webp-c")},
	)
	return path
}

func TestZipReaderOrdersImagePages(t *testing.T) {
	path := sampleArchive(t)
	reader := NewZipReader(nil)
	ctx := context.Background()

	count, err := reader.PageCount(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	first, err := reader.Page(ctx, path, 0)
	require.NoError(t, err)
	require.Equal(t, "jpg-a", string(first.Data))
	require.Equal(t, "image/jpeg", first.ContentType)

	second, err := reader.Page(ctx, path, 1)
	require.NoError(t, err)
	require.Equal(t, "png-b", string(second.Data))
	require.Equal(t, "image/png", second.ContentType)

	third, err := reader.Page(ctx, path, 2)
	require.NoError(t, err)
	require.Equal(t, "image/webp", third.ContentType)
}

func TestZipReaderErrors(t *testing.T) {
	path := sampleArchive(t)
	reader := NewZipReader(nil)
	ctx := context.Background()

	_, err := reader.Page(ctx, path, 3)
	require.ErrorIs(t, err, ErrPageOutOfRange)
	_, err = reader.Page(ctx, path, -1)
	require.ErrorIs(t, err, ErrPageOutOfRange)

	_, err = reader.PageCount(ctx, filepath.Join(t.TempDir(), "missing.cbz"))
	require.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = reader.PageCount(ctx, "volume.cbr")
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	broken := filepath.Join(t.TempDir(), "broken.cbz")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o600))
	_, err = reader.Page(ctx, broken, 0)
	require.Error(t, err)
}

func TestZipReaderResolverAndRefresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.cbz")
	writeCBZ(t, path, zipEntry{"1.jpg", []byte("1")})

	reader := NewZipReader(func(document string) (string, error) {
		return filepath.Join(dir, document), nil
	})
	ctx := context.Background()

	count, err := reader.PageCount(ctx, "one.cbz")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	writeCBZ(t, path, zipEntry{"1.jpg", []byte("1")}, zipEntry{"2.jpg", []byte("2")})
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	count, err = reader.PageCount(ctx, "one.cbz")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestReadComicInfoAndCover(t *testing.T) {
	path := sampleArchive(t)

	info, err := ReadComicInfo(path)
	require.NoError(t, err)
	require.Equal(t, ComicInfo{Title: "Issue One", Series: "Gihon", Writer: "A. Writer", Summary: "Pilot.", Year: "2024"}, info)

	cover, ok, err := Cover(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "jpg-a", string(cover.Data))

	bare := filepath.Join(t.TempDir(), "bare.cbz")
	writeCBZ(t, bare, zipEntry{"readme.txt", []byte("x")})
	_, err = ReadComicInfo(bare)
	require.ErrorIs(t, err, ErrNoComicInfo)
	_, ok, err = Cover(bare)
	require.NoError(t, err)
	require.False(t, ok)
}

type countingReader struct {
	pages atomic.Int32
	fail  bool
}

func (r *countingReader) PageCount(context.Context, string) (int, error) { return 4, nil }

func (r *countingReader) Page(_ context.Context, _ string, index int) (Image, error) {
	r.pages.Add(1)
	if r.fail {
		return Image{}, errors.New("boom")
	}
	return Image{Data: []byte{byte(index)}, ContentType: "image/png"}, nil
}

func TestCachingReaderServesFromBlobTier(t *testing.T) {
	inner := &countingReader{}
	reader := NewCachingReader(inner, blobcache.NewMemory(time.Minute, 0), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		img, err := reader.Page(ctx, "doc.cbz", 2)
		require.NoError(t, err)
		require.Equal(t, []byte{2}, img.Data)
	}
	require.EqualValues(t, 1, inner.pages.Load())

	reader.Forget(ctx, "doc.cbz")
	_, err := reader.Page(ctx, "doc.cbz", 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.pages.Load())
}

func TestCachingReaderPassesThroughErrors(t *testing.T) {
	inner := &countingReader{fail: true}
	reader := NewCachingReader(inner, blobcache.NewMemory(time.Minute, 0), nil, nil)

	_, err := reader.Page(context.Background(), "doc.cbz", 0)
	require.Error(t, err)

	count, err := reader.PageCount(context.Background(), "doc.cbz")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestContentTypeFor(t *testing.T) {
	ct, ok := ContentTypeFor("x/Y.JPEG")
	require.True(t, ok)
	require.Equal(t, "image/jpeg", ct)
	_, ok = ContentTypeFor("ComicInfo.xml")
	require.False(t, ok)
	require.True(t, IsSupportedContainer("a.CBR"))
	require.False(t, IsZipContainer("a.cbr"))
}
