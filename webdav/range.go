// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ByteRange is a normalized, closed-interval [Start, End] byte range against
// a resource of a known Size; both ends are valid indices (0 <= Start <=
// End < Size). This is the engine's internal representation; the wire forms
// are the suffix ("-500"), open ("500-") and absolute ("500-999") range-spec
// productions of RFC 7233 §2.1.
type ByteRange struct {
	Start, End int64
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// DefaultRangeMergeDistance is the maximum gap, in bytes, between two requested
// ranges for them to be coalesced into a single range before being read
// from storage. RFC 7233 leaves range-coalescing policy entirely up to the
// server; this default follows the same order of magnitude as common
// filesystem readahead windows. It is exposed as server configuration (see
// cmd/davserver's config) rather than hard-coded, since the right value
// depends on the backing store's seek cost - a value the spec's Open
// Question left unresolved and this repository answers at deployment time,
// not compile time.
const DefaultRangeMergeDistance = 1 << 16 // 64 KiB

// parseRangeHeader parses a Range header's byte-ranges-specifier (RFC 7233
// §2.1) against a resource of the given size. A malformed header, or one
// whose unit is not "bytes", is ignored per §2.1 ("MUST ignore the Range
// header field"): the caller should serve the full entity. A header that is
// syntactically valid bytes-ranges but has no satisfiable range returns an empty,
// nil-error result together with satisfiable=false so the caller can return
// 416.
func parseRangeHeader(s string, size int64) (ranges []ByteRange, satisfiable bool, err error) {
	const pre = "bytes="
	if !strings.HasPrefix(s, pre) {
		return nil, true, nil // not a bytes range: ignore
	}
	specs := strings.Split(s[len(pre):], ",")
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		dash := strings.IndexByte(spec, '-')
		if dash < 0 {
			return nil, true, nil // malformed: ignore whole header
		}
		startStr, endStr := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

		var r ByteRange
		switch {
		case startStr == "" && endStr == "":
			return nil, true, nil
		case startStr == "":
			// suffix-range: last N bytes
			n, perr := strconv.ParseInt(endStr, 10, 64)
			if perr != nil || n <= 0 {
				return nil, true, nil
			}
			if n > size {
				n = size
			}
			r = ByteRange{Start: size - n, End: size - 1}
		case endStr == "":
			start, perr := strconv.ParseInt(startStr, 10, 64)
			if perr != nil || start < 0 {
				return nil, true, nil
			}
			if start >= size {
				continue // unsatisfiable individually; dropped, not fatal
			}
			r = ByteRange{Start: start, End: size - 1}
		default:
			start, perr1 := strconv.ParseInt(startStr, 10, 64)
			end, perr2 := strconv.ParseInt(endStr, 10, 64)
			if perr1 != nil || perr2 != nil || start > end || start < 0 {
				return nil, true, nil
			}
			if start >= size {
				continue
			}
			if end >= size {
				end = size - 1
			}
			r = ByteRange{Start: start, End: end}
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, false, nil
	}
	return ranges, true, nil
}

// mergeRanges sorts and coalesces overlapping or near ranges (within
// maxGap bytes of each other) into the minimal equivalent set, preserving
// total coverage. A maxGap of 0 only merges strictly overlapping or
// adjacent ranges.
func mergeRanges(ranges []ByteRange, maxGap int64) []ByteRange {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := append([]ByteRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1+maxGap {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// writeSingleRange writes a 206 Partial Content response for exactly one
// range, setting Content-Range and Content-Length.
func writeSingleRange(w http.ResponseWriter, r ByteRange, size int64, contentType string) error {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	w.Header().Set("Content-Length", strconv.FormatInt(r.Len(), 10))
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusPartialContent)
	return nil
}

// multipartRangeWriter writes a multipart/byteranges response body (RFC
// 7233 §4.1) for two or more ranges, returning the boundary-bearing
// Content-Type string the caller must set as the response's Content-Type
// header before writing the body (the boundary is only known once the
// multipart writer is created).
type multipartRangeWriter struct {
	mw *multipart.Writer
}

// newMultipartRangeWriter begins a multipart/byteranges body and reports the
// Content-Type to send.
func newMultipartRangeWriter(w http.ResponseWriter) (*multipartRangeWriter, string) {
	mw := multipart.NewWriter(w)
	return &multipartRangeWriter{mw: mw}, "multipart/byteranges; boundary=" + mw.Boundary()
}

// WritePart writes one range's MIME part header (Content-Type and
// Content-Range) and returns a writer for its body bytes.
func (m *multipartRangeWriter) WritePart(r ByteRange, size int64, contentType string) (interface{ Write([]byte) (int, error) }, error) {
	h := make(textproto.MIMEHeader)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	return m.mw.CreatePart(h)
}

func (m *multipartRangeWriter) Close() error { return m.mw.Close() }

// parseContentRange parses the Content-Range header of a partial PUT (an
// extension some clients use to resume interrupted uploads; RFC 7233 itself
// only defines Content-Range on responses, but the request-side usage is
// common enough, e.g. by davfs2 and some mobile clients, that it is worth
// supporting explicitly rather than silently truncating the upload).
func parseContentRange(s string, sizeKnown bool, knownSize int64) (start, end, total int64, err error) {
	const pre = "bytes "
	if !strings.HasPrefix(s, pre) {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "unsupported Content-Range unit")
	}
	s = s[len(pre):]
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "malformed Content-Range")
	}
	rangePart, totalPart := s[:slash], s[slash+1:]
	if totalPart == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "malformed Content-Range total")
	}
	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "malformed Content-Range range")
	}
	if start, err = strconv.ParseInt(rangePart[:dash], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "malformed Content-Range start")
	}
	if end, err = strconv.ParseInt(rangePart[dash+1:], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "malformed Content-Range end")
	}
	if start > end {
		return 0, 0, 0, errors.Wrap(ErrInvalidResponse, "Content-Range start after end")
	}
	return start, end, total, nil
}

// sniffContentType guesses a Content-Type from a file extension, falling
// back to application/octet-stream; this is the same idiom net/http's
// DetectContentType/ServeContent pair uses, kept lightweight here since the
// engine does not want to read file content just to answer GET's headers.
func sniffContentType(name string) string {
	if ext := extOf(name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}
