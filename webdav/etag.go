// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ETag is an RFC 7232 entity tag: a quoted opaque string, optionally
// prefixed "W/" to mark it weak.
type ETag string

// Quoted returns the tag in its wire form, e.g. `"abc123"` or `W/"abc123"`.
func (e ETag) Quoted() string {
	return string(e)
}

// Weak reports whether the tag is a weak validator.
func (e ETag) Weak() bool {
	return strings.HasPrefix(string(e), "W/")
}

// opaque strips the W/ prefix and surrounding quotes.
func (e ETag) opaque() string {
	s := string(e)
	if strings.HasPrefix(s, "W/") {
		s = s[2:]
	}
	return strings.Trim(s, `"`)
}

// StrongEqual implements RFC 7232 §2.3.2 strong comparison: tags match only
// if neither is weak and their opaque values are identical.
func (e ETag) StrongEqual(other ETag) bool {
	if e.Weak() || other.Weak() {
		return false
	}
	return e.opaque() == other.opaque()
}

// WeakEqual implements RFC 7232 §2.3.2 weak comparison: tags match if their
// opaque values are identical, regardless of the weakness indicator.
func (e ETag) WeakEqual(other ETag) bool {
	return e.opaque() == other.opaque()
}

// computeETag derives the default strong entity tag for a resource from its
// modification time and size, following the heuristic shared by Apache httpd
// and this package's reference implementations: the hex-encoded
// concatenation of the nanosecond modification time and the size in bytes.
// The Handler and the property engine always use this heuristic; nothing in
// this package consults a File's ETagger implementation.
func computeETag(fi os.FileInfo) ETag {
	return ETag(fmt.Sprintf(`"%x%x"`, fi.ModTime().UnixNano(), fi.Size()))
}

// ETagger is implemented by a File that can compute a better entity tag
// than the modtime/size heuristic computeETag uses.
type ETagger interface {
	ETag(ctx interface{ Done() <-chan struct{} }) (ETag, error)
}

// parseETagList parses a comma-separated list of entity tags as used by
// If-Match and If-None-Match, including the special token "*".
func parseETagList(s string) []ETag {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if s == "*" {
		return []ETag{"*"}
	}
	var out []ETag
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, ETag(part))
		}
	}
	return out
}

// formatHTTPDate formats t per RFC 7231 §7.1.1.1 (IMF-fixdate), the only
// format this server emits, though it accepts the two obsolete formats on
// input via http.ParseTime.
func formatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// parseHTTPDate parses a date from If-Modified-Since/If-Unmodified-Since/
// If-Range, accepting any of the three formats RFC 7231 §7.1.1.1 requires a
// recipient to understand.
func parseHTTPDate(s string) (time.Time, error) {
	return http.ParseTime(s)
}
