package pathutil

import (
	"net/url"
	"path"
	"strings"

	derrors "github.com/javi11/davmount/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// Flag tweaks how Normalize treats its input.
type Flag uint8

const (
	// LeaveSlash keeps a trailing slash, so a collection reference stays
	// distinguishable from a file reference.
	LeaveSlash Flag = 1 << iota
)

// Root is the canonical key of the top of the remote tree.
const Root = "/"

// Normalize turns a path as it arrives from the kernel or from a server
// response into a canonical cache key: scheme and host stripped, percent
// escapes decoded, NFC composed, rooted, and without trailing slashes unless
// LeaveSlash is set. Two spellings of the same resource always yield the
// same key.
func Normalize(raw string, flags Flag) (string, error) {
	p := raw

	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		rest := p[strings.Index(p, "//")+2:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			p = rest[idx:]
		} else {
			p = ""
		}
	} else if strings.HasPrefix(lower, "http:") || strings.HasPrefix(lower, "https:") {
		return "", derrors.NewInvalidPath(raw, "scheme without host separator")
	}

	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return "", derrors.NewInvalidPath(raw, err.Error())
	}
	p = norm.NFC.String(unescaped)

	if strings.ContainsRune(p, 0) {
		return "", derrors.NewInvalidPath(raw, "contains NUL byte")
	}

	trailing := strings.HasSuffix(p, "/")
	p = path.Clean("/" + p)

	if flags&LeaveSlash != 0 && trailing && p != Root {
		p += "/"
	}

	return p, nil
}

// Escape percent-encodes every segment of a canonical key for use in a
// request URL. Separators are kept as is.
func Escape(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// Parent returns the key of the folder containing key. The parent of the
// root is the root.
func Parent(key string) string {
	if key == Root || key == "" {
		return Root
	}
	return path.Dir(strings.TrimSuffix(key, "/"))
}

// Base returns the last element of key.
func Base(key string) string {
	if key == Root {
		return ""
	}
	return path.Base(key)
}

// IsWithin reports whether key equals folder or lies below it.
func IsWithin(key, folder string) bool {
	if folder == Root {
		return true
	}
	return key == folder || strings.HasPrefix(key, folder+"/")
}

// Normalizer maps mount-relative paths to canonical keys below the base path
// of the mounted collection.
type Normalizer struct {
	base string
}

// NewNormalizer builds a Normalizer for the collection at rawURL.
func NewNormalizer(rawURL string) (*Normalizer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, derrors.NewInvalidPath(rawURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, derrors.NewInvalidPath(rawURL, "scheme must be http or https")
	}
	if u.Host == "" {
		return nil, derrors.NewInvalidPath(rawURL, "missing host")
	}

	base, err := Normalize(u.EscapedPath(), 0)
	if err != nil {
		return nil, err
	}

	return &Normalizer{base: base}, nil
}

// Base returns the key of the mounted collection itself.
func (n *Normalizer) Base() string {
	return n.base
}

// Key returns the canonical key of a path relative to the mount root.
func (n *Normalizer) Key(local string) (string, error) {
	rel, err := Normalize(local, 0)
	if err != nil {
		return "", err
	}
	return path.Join(n.base, rel), nil
}
