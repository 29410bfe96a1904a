package archive

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrNoComicInfo reports an archive without a ComicInfo.xml entry.
var ErrNoComicInfo = errors.New("archive: ComicInfo.xml not found")

// ComicInfo is the subset of the ComicInfo.xml schema the library keeps.
type ComicInfo struct {
	Title   string `json:"title" xml:"Title"`
	Series  string `json:"series" xml:"Series"`
	Writer  string `json:"writer" xml:"Writer"`
	Summary string `json:"summary" xml:"Summary"`
	Year    string `json:"year" xml:"Year"`
}

// ReadComicInfo extracts ComicInfo.xml from the archive at path.
func ReadComicInfo(path string) (ComicInfo, error) {
	if !IsZipContainer(path) {
		return ComicInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return ComicInfo{}, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), "comicinfo.xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ComicInfo{}, fmt.Errorf("archive: open %s: %w", f.Name, err)
		}
		var info ComicInfo
		err = xml.NewDecoder(rc).Decode(&info)
		rc.Close()
		if err != nil {
			return ComicInfo{}, fmt.Errorf("archive: parse %s: %w", f.Name, err)
		}
		info.Title = strings.TrimSpace(info.Title)
		info.Series = strings.TrimSpace(info.Series)
		info.Writer = strings.TrimSpace(info.Writer)
		info.Summary = strings.TrimSpace(info.Summary)
		info.Year = strings.TrimSpace(info.Year)
		return info, nil
	}
	return ComicInfo{}, ErrNoComicInfo
}

// Cover returns the first page of the archive at path. The boolean is false
// when the archive holds no images.
func Cover(path string) (Image, bool, error) {
	if !IsZipContainer(path) {
		return Image{}, false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Image{}, false, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer zr.Close()

	names := PageNames(&zr.Reader)
	if len(names) == 0 {
		return Image{}, false, nil
	}
	img, err := readEntry(&zr.Reader, names[0])
	if err != nil {
		return Image{}, false, err
	}
	return img, true, nil
}
