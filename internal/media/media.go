// Package media stores uploaded avatar images and returns the public URL the
// account records. Two backends exist: a local directory served by this
// process under /media/, and an S3 (or S3-compatible) bucket.
package media

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/rs/xid"
)

// ErrUnsupportedType is returned for uploads that are not an accepted image type.
var ErrUnsupportedType = errors.New("media: unsupported image type")

// Store persists an object under key and returns its public URL.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// AvatarKey returns a fresh object key for an avatar of the given content
// type, e.g. "avatars/cv37rs3pp9olc6atsptg.png".
func AvatarKey(contentType string) (string, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	ext, ok := imageExtensions[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		return "", ErrUnsupportedType
	}
	return path.Join("avatars", xid.New().String()+ext), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
