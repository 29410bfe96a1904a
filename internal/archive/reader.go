package archive

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrDocumentNotFound reports that a document key does not resolve to an archive on disk.
	ErrDocumentNotFound = errors.New("archive: document not found")
	// ErrPageOutOfRange reports a page index outside [0, PageCount).
	ErrPageOutOfRange = errors.New("archive: page index out of range")
	// ErrUnsupportedFormat reports a container the reader cannot open (.cbr/.rar).
	ErrUnsupportedFormat = errors.New("archive: unsupported container format")
)

// Image is one decoded page. Data is owned by whoever produced the value and
// must be treated as read-only once it is handed to another component.
type Image struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
}

// Size reports the payload length used for cache accounting.
func (img Image) Size() int64 {
	return int64(len(img.Data))
}

// Clone returns a deep copy so the receiver can take exclusive ownership.
func (img Image) Clone() Image {
	out := Image{ContentType: img.ContentType}
	if img.Data != nil {
		out.Data = make([]byte, len(img.Data))
		copy(out.Data, img.Data)
	}
	return out
}

// Reader decodes pages of a document addressed by its key.
type Reader interface {
	// PageCount returns the number of displayable pages in the document.
	PageCount(ctx context.Context, document string) (int, error)
	// Page decodes the page at index.
	Page(ctx context.Context, document string, index int) (Image, error)
}

// Resolver maps a document key to the archive path on disk.
type Resolver func(document string) (string, error)

var imageContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// ContentTypeFor returns the image content type for an archive entry name.
// The second result is false when the entry is not a page image.
func ContentTypeFor(name string) (string, bool) {
	ext := strings.ToLower(path.Ext(name))
	ct, ok := imageContentTypes[ext]
	return ct, ok
}

// IsZipContainer reports whether the file name denotes a zip based comic archive.
func IsZipContainer(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".cbz", ".zip":
		return true
	}
	return false
}

// IsSupportedContainer reports whether the library accepts the file at all.
// Rar based containers are accepted but cannot be decoded.
func IsSupportedContainer(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".cbz", ".zip", ".cbr", ".rar":
		return true
	}
	return false
}
