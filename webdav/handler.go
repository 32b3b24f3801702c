// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AuthorizationFilter is an additional policy check layered in front of a
// FileSystem's own Allow method (§6). The engine consults both: a request
// must pass the FileSystem's own Allow and every configured
// AuthorizationFilter before it is permitted to touch a resource. See the
// authz package for an OPA/Rego-backed implementation.
type AuthorizationFilter interface {
	Allow(ctx context.Context, r *http.Request, name string, allow Allow) bool
}

// Handler implements the WebDAV HTTP methods described throughout this
// package, dispatching to a FileSystem for storage, a LockManager for
// locking, a PropertySystem for PROPFIND/PROPPATCH, and an optional
// AuthorizationFilter for access control.
type Handler struct {
	// Prefix is the HTTP request path prefix to strip before looking up a
	// resource name; a request outside the prefix is rejected with 404.
	Prefix string
	// FileSystem is the storage backend. Required.
	FileSystem FileSystem
	// LockManager manages WebDAV locks. Required for LOCK/UNLOCK, and
	// consulted by every method that would mutate a resource.
	LockManager LockManager
	// Properties answers PROPFIND/PROPPATCH. If nil, one is constructed
	// from FileSystem via NewPropertySystem.
	Properties PropertySystem
	// Authz is consulted, in addition to FileSystem.Allow, before any
	// operation. May be nil.
	Authz AuthorizationFilter
	// Logger receives one structured entry per request. If nil, logging is
	// skipped.
	Logger *logrus.Entry
	// RangeMergeDistance configures the partial-content engine's range
	// coalescing; zero means DefaultRangeMergeDistance.
	RangeMergeDistance int64
}

// davError pairs a sentinel error with a DAV:error condition-code body
// (§7, §9.10.1, §16) that ServeHTTP writes in place of the usual plain-text
// error message.
type davError struct {
	error
	body string
}

func (e *davError) davErrorXML() string { return e.body }

// hrefXML renders one DAV:href element, XML-escaping its path.
func hrefXML(path string) string {
	return fmt.Sprintf(`<D:href>%s</D:href>`, escapeXMLText((&url.URL{Path: path}).EscapedPath()))
}

// lockTokenSubmittedXML builds the DAV:lock-token-submitted body (§9.10.1)
// naming every distinct lock root the request failed to submit a token for.
func lockTokenSubmittedXML(locks []ActiveLock) string {
	seen := make(map[string]bool, len(locks))
	var b strings.Builder
	b.WriteString("<D:lock-token-submitted>")
	for _, l := range locks {
		if seen[l.Root] {
			continue
		}
		seen[l.Root] = true
		b.WriteString(hrefXML(l.Root))
	}
	b.WriteString("</D:lock-token-submitted>")
	return b.String()
}

// noConflictingLockXML builds the DAV:no-conflicting-lock body (§16) naming
// every distinct root a failed LOCK request conflicted with.
func noConflictingLockXML(conflicts []ActiveLock) string {
	seen := make(map[string]bool, len(conflicts))
	var b strings.Builder
	b.WriteString("<D:no-conflicting-lock>")
	for _, l := range conflicts {
		if seen[l.Root] {
			continue
		}
		seen[l.Root] = true
		b.WriteString(hrefXML(l.Root))
	}
	b.WriteString("</D:no-conflicting-lock>")
	return b.String()
}

func (h *Handler) stripPrefix(p string) (string, int, error) {
	if h.Prefix == "" {
		return p, http.StatusOK, nil
	}
	if r := strings.TrimPrefix(p, h.Prefix); len(r) < len(p) {
		if r == "" {
			r = "/"
		}
		return r, http.StatusOK, nil
	}
	return p, http.StatusNotFound, errors.Wrap(ErrPrefixMismatch, p)
}

func (h *Handler) properties() PropertySystem {
	if h.Properties != nil {
		return h.Properties
	}
	return NewPropertySystem(h.FileSystem)
}

func (h *Handler) mergeDistance() int64 {
	if h.RangeMergeDistance > 0 {
		return h.RangeMergeDistance
	}
	return DefaultRangeMergeDistance
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status, err := h.serve(w, r)
	if h.Logger != nil {
		entry := h.Logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"depth":    r.Header.Get("Depth"),
			"status":   status,
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("webdav request")
		} else {
			entry.Debug("webdav request")
		}
	}
	if status != 0 && status != http.StatusNoContent {
		if de, ok := err.(interface{ davErrorXML() string }); ok {
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(status)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><D:error xmlns:D="DAV:">%s</D:error>`, de.davErrorXML())
			return
		}
		w.WriteHeader(status)
		if status != http.StatusCreated {
			msg := statusText(status)
			if err != nil {
				msg = err.Error()
			}
			fmt.Fprintln(w, msg)
		}
	} else if status == http.StatusNoContent {
		w.WriteHeader(status)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) (status int, err error) {
	if h.FileSystem == nil {
		return http.StatusInternalServerError, ErrNoFileSystem
	}
	ctx := r.Context()
	name, status, err := h.stripPrefix(r.URL.Path)
	if err != nil {
		return status, err
	}

	switch r.Method {
	case "OPTIONS":
		return h.handleOptions(ctx, w, r, name)
	case "GET", "HEAD":
		return h.handleGetHead(ctx, w, r, name)
	case "PUT":
		return h.handlePut(ctx, w, r, name)
	case "DELETE":
		return h.handleDelete(ctx, w, r, name)
	case "MKCOL":
		return h.handleMkcol(ctx, w, r, name)
	case "COPY", "MOVE":
		return h.handleCopyMove(ctx, w, r, name)
	case "LOCK":
		return h.handleLock(ctx, w, r, name)
	case "UNLOCK":
		return h.handleUnlock(ctx, w, r, name)
	case "PROPFIND":
		return h.handlePropfind(ctx, w, r, name)
	case "PROPPATCH":
		return h.handleProppatch(ctx, w, r, name)
	default:
		return http.StatusMethodNotAllowed, errors.Wrap(ErrUnsupportedMethod, r.Method)
	}
}

func (h *Handler) handleOptions(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	allow := "OPTIONS, LOCK, PUT, MKCOL, DELETE, PROPFIND, COPY, MOVE, UNLOCK, PROPPATCH"
	if fi, err := h.FileSystem.Stat(ctx, name); err == nil {
		if fi.IsDir() {
			allow = "OPTIONS, LOCK, DELETE, PROPFIND, COPY, MOVE, UNLOCK, PROPPATCH"
		} else {
			allow = "OPTIONS, LOCK, GET, HEAD, POST, PUT, DELETE, PROPFIND, COPY, MOVE, UNLOCK, PROPPATCH"
		}
	}
	w.Header().Set("Allow", allow)
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("MS-Author-Via", "DAV")
	return http.StatusOK, nil
}

// resourceState loads the information the precondition engine needs:
// current os.FileInfo (nil if the resource does not exist), its ETag, and
// the locks covering it.
func (h *Handler) resourceState(ctx context.Context, name string) (fi os.FileInfo, etag ETag, locks []ActiveLock, err error) {
	fi, statErr := h.FileSystem.Stat(ctx, name)
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, "", nil, statErr
	}
	if statErr == nil && !fi.IsDir() {
		etag = computeETag(fi)
	}
	if h.LockManager != nil {
		locks = h.LockManager.GetLocks(name, SelectSelfAncestors)
	}
	return fi, etag, locks, nil
}

// checkPreconditions runs the §4.3 ordered precondition checks for name and
// reports the HTTP status to fail with, or 0 to proceed.
func (h *Handler) checkPreconditions(r *http.Request, fi os.FileInfo, etag ETag, locks []ActiveLock) (int, error) {
	var ifHdrPtr *ifHeader
	if raw := r.Header.Get("If"); raw != "" {
		parsed, err := parseIfHeader(raw)
		if err != nil {
			return http.StatusBadRequest, err
		}
		ifHdrPtr = &parsed
	}
	validTokens := make(map[string]bool)
	if ifHdrPtr != nil && h.LockManager != nil {
		for t := range ifHdrPtr.allTokens() {
			if _, ok := h.LockManager.Lookup(t); ok {
				validTokens[t] = true
			}
		}
	}
	v := evaluatePreconditions(r, fi, etag, locks, ifHdrPtr, validTokens)
	if !v.Pass {
		if v.Status == StatusLocked && len(v.Locks) > 0 {
			return v.Status, &davError{
				error: errors.Wrapf(ErrLocked, "lock token not submitted for %s", r.URL.Path),
				body:  lockTokenSubmittedXML(v.Locks),
			}
		}
		return v.Status, errors.Wrapf(ErrInvalidIfHeader, "precondition failed for %s", r.URL.Path)
	}
	return 0, nil
}

func (h *Handler) handleGetHead(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowRead) {
		return http.StatusForbidden, ErrNotAllowed
	}
	f, err := h.FileSystem.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return toHTTPStatus(err), err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if fi.IsDir() {
		return http.StatusMethodNotAllowed, errors.Wrap(ErrNotADirectory, "GET on a collection")
	}
	etag := computeETag(fi)

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if etagListMatches(parseETagList(inm), etag, ETag.WeakEqual) {
			w.Header().Set("ETag", etag.Quoted())
			return http.StatusNotModified, nil
		}
	} else if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := parseHTTPDate(ims); err == nil && !fi.ModTime().After(t) {
			return http.StatusNotModified, nil
		}
	}

	contentType := sniffContentType(name)
	w.Header().Set("ETag", etag.Quoted())
	w.Header().Set("Last-Modified", formatHTTPDate(fi.ModTime()))
	w.Header().Set("Accept-Ranges", "bytes")

	if r.Method == "HEAD" {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(http.StatusOK)
		return 0, nil
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		if irRaw := r.Header.Get("If-Range"); irRaw != "" {
			stale := true
			if t, err := parseHTTPDate(irRaw); err == nil {
				stale = fi.ModTime().After(t)
			} else if etagListMatches(parseETagList(irRaw), etag, ETag.StrongEqual) {
				stale = false
			}
			if stale {
				rangeHeader = ""
			}
		}
	}
	if rangeHeader == "" {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return 0, nil
	}

	ranges, satisfiable, err := parseRangeHeader(rangeHeader, fi.Size())
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !satisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fi.Size()))
		return http.StatusRequestedRangeNotSatisfiable, nil
	}
	if ranges == nil {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return 0, nil
	}
	ranges = mergeRanges(ranges, h.mergeDistance())

	if len(ranges) == 1 {
		writeSingleRange(w, ranges[0], fi.Size(), contentType)
		if _, err := f.Seek(ranges[0].Start, io.SeekStart); err != nil {
			return http.StatusInternalServerError, err
		}
		io.CopyN(w, f, ranges[0].Len())
		return 0, nil
	}

	mpw, ct := newMultipartRangeWriter(w)
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusPartialContent)
	for _, rg := range ranges {
		part, err := mpw.WritePart(rg, fi.Size(), contentType)
		if err != nil {
			return 0, err
		}
		if _, err := f.Seek(rg.Start, io.SeekStart); err != nil {
			return 0, err
		}
		if _, err := io.CopyN(part.(io.Writer), f, rg.Len()); err != nil {
			return 0, err
		}
	}
	mpw.Close()
	return 0, nil
}

func (h *Handler) handlePut(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowWrite) {
		return http.StatusForbidden, ErrNotAllowed
	}
	fi, etag, locks, err := h.resourceState(ctx, name)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if status, err := h.checkPreconditions(r, fi, etag, locks); status != 0 {
		return status, err
	}
	if fi != nil && fi.IsDir() {
		return http.StatusMethodNotAllowed, errors.Wrap(ErrNotADirectory, "PUT on a collection")
	}

	f, err := h.FileSystem.OpenFile(ctx, name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return toHTTPStatus(err), err
	}
	defer f.Close()

	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, _, _, err := parseContentRange(cr, fi != nil, size0(fi))
		if err != nil {
			return http.StatusBadRequest, err
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return http.StatusInternalServerError, err
		}
	} else {
		if err := f.Truncate(0); err != nil {
			return http.StatusInternalServerError, err
		}
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		return http.StatusInternalServerError, err
	}
	if fi == nil {
		return http.StatusCreated, nil
	}
	return http.StatusNoContent, nil
}

func size0(fi os.FileInfo) int64 {
	if fi == nil {
		return 0
	}
	return fi.Size()
}

func (h *Handler) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowDelete) {
		return http.StatusForbidden, ErrNotAllowed
	}
	if name == "/" {
		return http.StatusForbidden, errors.Wrap(ErrNotAllowed, "cannot delete the root collection")
	}
	fi, etag, locks, err := h.resourceState(ctx, name)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if fi == nil {
		return http.StatusNotFound, os.ErrNotExist
	}
	if fi.IsDir() && h.LockManager != nil {
		locks = h.LockManager.GetLocks(name, SelectSelfAncestorsDescendants)
	}
	if status, err := h.checkPreconditions(r, fi, etag, locks); status != 0 {
		return status, err
	}
	if !fi.IsDir() {
		if err := h.FileSystem.RemoveAll(ctx, name); err != nil {
			return toHTTPStatus(err), err
		}
		if h.LockManager != nil {
			h.LockManager.RemoveNonRecursive(name)
		}
		return http.StatusNoContent, nil
	}
	return h.deleteCollection(ctx, w, r, name, fi)
}

// deleteCollection recursively deletes a collection member by member,
// bottom-up, so a member this principal may not delete leaves its ancestors
// and the rest of the tree intact, reported with their own status in a 207
// response (§4.4) rather than aborting the whole request.
func (h *Handler) deleteCollection(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, fi os.FileInfo) (int, error) {
	var entries []WalkEntry
	if err := Walk(ctx, h.FileSystem, InfiniteDepth, name, fi, func(e WalkEntry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return http.StatusInternalServerError, err
	}

	status := make(map[string]int, len(entries))
	failed := make(map[string]bool, len(entries))
	anyFailure := false

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch {
		case e.Err != nil:
			status[e.Name] = toHTTPStatus(e.Err)
			failed[e.Name] = true
		case hasFailedDescendant(failed, e.Name):
			status[e.Name] = StatusFailedDependency
			failed[e.Name] = true
		case e.Name != name && !h.authorize(ctx, r, e.Name, AllowDelete):
			status[e.Name] = http.StatusForbidden
			failed[e.Name] = true
		default:
			if err := h.FileSystem.RemoveAll(ctx, e.Name); err != nil {
				status[e.Name] = toHTTPStatus(err)
				failed[e.Name] = true
			} else {
				status[e.Name] = http.StatusNoContent
				if h.LockManager != nil {
					h.LockManager.RemoveNonRecursive(e.Name)
				}
			}
		}
		if failed[e.Name] {
			anyFailure = true
		}
	}

	if !anyFailure {
		return http.StatusNoContent, nil
	}

	mw := &multistatusWriter{w: w}
	for _, e := range entries {
		if err := mw.write(response{
			Href:   []string{(&url.URL{Path: e.Name}).EscapedPath()},
			Status: makeStatus(status[e.Name]),
		}); err != nil {
			return http.StatusInternalServerError, err
		}
	}
	return 0, mw.close()
}

// hasFailedDescendant reports whether a path already marked failed is a
// descendant of name. deleteCollection processes bottom-up, so every
// descendant of name has already been resolved by the time name is visited.
func hasFailedDescendant(failed map[string]bool, name string) bool {
	for p := range failed {
		if isDescendant(p, name) {
			return true
		}
	}
	return false
}

func (h *Handler) handleMkcol(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowCreate) {
		return http.StatusForbidden, ErrNotAllowed
	}
	if r.ContentLength > 0 {
		return StatusUnprocessableEntity, errors.Wrap(ErrInvalidResponse, "MKCOL with a body")
	}
	fi, etag, locks, err := h.resourceState(ctx, name)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if fi != nil {
		return http.StatusMethodNotAllowed, os.ErrExist
	}
	if status, err := h.checkPreconditions(r, fi, etag, locks); status != 0 {
		return status, err
	}
	if _, err := h.FileSystem.Stat(ctx, path.Dir(SlashClean(name))); err != nil {
		return http.StatusConflict, err
	}
	if err := h.FileSystem.Mkdir(ctx, name, 0755); err != nil {
		return toHTTPStatus(err), err
	}
	return http.StatusCreated, nil
}

func (h *Handler) handleCopyMove(ctx context.Context, w http.ResponseWriter, r *http.Request, src string) (int, error) {
	hdr := r.Header.Get("Destination")
	if hdr == "" {
		return http.StatusBadRequest, errors.Wrap(ErrInvalidDestination, "missing Destination header")
	}
	u, err := url.Parse(hdr)
	if err != nil {
		return http.StatusBadRequest, errors.Wrap(ErrInvalidDestination, hdr)
	}
	if u.Host != "" && r.Host != "" && u.Host != r.Host {
		return http.StatusBadGateway, errors.Wrap(ErrCrossService, u.Host)
	}
	dst, status, err := h.stripPrefix(u.Path)
	if err != nil {
		return status, err
	}
	if dst == src {
		return http.StatusForbidden, ErrDestinationEqualsSource
	}

	depth := InfiniteDepth
	if hd := r.Header.Get("Depth"); hd != "" {
		depth, err = parseDepthHeader(hd)
		if err != nil {
			return http.StatusBadRequest, err
		}
		if r.Method == "COPY" && depth != 0 && depth != InfiniteDepth {
			return http.StatusBadRequest, ErrInvalidDepth
		}
	}
	if r.Method == "MOVE" && depth != InfiniteDepth {
		return http.StatusBadRequest, errors.Wrap(ErrFiniteDepthRequired, "MOVE requires Depth: infinity")
	}

	overwrite := r.Header.Get("Overwrite") != "F"
	action := AllowDelete
	if r.Method == "COPY" {
		action = AllowRead
	}
	if !h.authorize(ctx, r, src, action) || !h.authorize(ctx, r, dst, AllowWrite) {
		return http.StatusForbidden, ErrNotAllowed
	}

	srcFi, srcEtag, srcLocks, err := h.resourceState(ctx, src)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if srcFi == nil {
		return http.StatusNotFound, os.ErrNotExist
	}
	if r.Method == "MOVE" {
		if status, err := h.checkPreconditions(r, srcFi, srcEtag, srcLocks); status != 0 {
			return status, err
		}
	}
	dstFi, dstEtag, dstLocks, err := h.resourceState(ctx, dst)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if status, err := h.checkPreconditions(r, dstFi, dstEtag, dstLocks); status != 0 {
		return status, err
	}

	if isDescendant(dst, src) {
		return http.StatusForbidden, ErrDestinationIsChild
	}
	if isDescendant(src, dst) {
		return http.StatusForbidden, errors.Wrap(ErrInvalidDestination, "destination is an ancestor of source")
	}

	var rStatus int
	var failed []FailedMember
	if r.Method == "COPY" {
		rStatus, failed, err = CopyFiles(ctx, h.FileSystem, src, dst, overwrite, depth)
	} else {
		rStatus, failed, err = MoveFiles(ctx, h.FileSystem, src, dst, overwrite)
		if err == nil && h.LockManager != nil {
			h.LockManager.RemoveRecursive(src)
			h.LockManager.RemoveNonRecursive(dst)
		}
	}
	if err != nil {
		return rStatus, err
	}
	return h.respondCopyMove(w, src, dst, rStatus, failed)
}

// respondCopyMove turns the FailedMembers collected by a recursive COPY or
// MOVE into a response per §9.8.5/§9.9.4: no failures flattens to the
// request's own status; a single failure on src or dst itself flattens to
// that failure; anything else is reported as a 207 Multi-Status naming every
// failed member.
func (h *Handler) respondCopyMove(w http.ResponseWriter, src, dst string, status int, failed []FailedMember) (int, error) {
	if len(failed) == 0 {
		return status, nil
	}
	if len(failed) == 1 && (failed[0].Name == src || failed[0].Name == dst) {
		return failed[0].Status, failed[0].Err
	}
	mw := &multistatusWriter{w: w}
	for _, f := range failed {
		if err := mw.write(response{
			Href:   []string{(&url.URL{Path: f.Name}).EscapedPath()},
			Status: makeStatus(f.Status),
		}); err != nil {
			return http.StatusInternalServerError, err
		}
	}
	return 0, mw.close()
}

func parseDepthHeader(s string) (int, error) {
	switch s {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	case "", "infinity":
		return InfiniteDepth, nil
	}
	return 0, ErrInvalidDepth
}

func (h *Handler) authorize(ctx context.Context, r *http.Request, name string, allow Allow) bool {
	if !h.FileSystem.Allow(ctx, name, allow) {
		return false
	}
	if h.Authz != nil && !h.Authz.Allow(ctx, r, name, allow) {
		return false
	}
	return true
}

// toHTTPStatus maps a storage-layer error to the HTTP status the spec's
// error taxonomy assigns it.
func toHTTPStatus(err error) int {
	switch {
	case os.IsNotExist(err):
		return http.StatusNotFound
	case os.IsExist(err):
		return http.StatusConflict
	case os.IsPermission(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// --- PROPFIND / PROPPATCH ---------------------------------------------------

func (h *Handler) handlePropfind(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowRead) {
		return http.StatusForbidden, ErrNotAllowed
	}
	fi, err := h.FileSystem.Stat(ctx, name)
	if err != nil {
		return toHTTPStatus(err), err
	}
	depth := InfiniteDepth
	switch strings.ToLower(r.Header.Get("Depth")) {
	case "0":
		depth = 0
	case "1":
		depth = 1
	case "", "infinity":
		depth = InfiniteDepth
	default:
		return http.StatusBadRequest, ErrInvalidDepth
	}

	pf, status, err := readPropfind(r.Body)
	if err != nil {
		return status, err
	}

	mw := &multistatusWriter{w: w}
	walkErr := Walk(ctx, h.FileSystem, depth, name, fi, func(entry WalkEntry) error {
		if entry.Err != nil {
			return mw.write(response{
				Href:   []string{(&url.URL{Path: entry.Name}).EscapedPath()},
				Status: makeStatus(toHTTPStatus(entry.Err)),
			})
		}
		var pstats []Propstat
		var perr error
		switch {
		case pf.Propname != nil:
			names, e := h.properties().Propnames(ctx, entry.Name)
			perr = e
			if e == nil {
				ps := Propstat{Status: http.StatusOK}
				for _, n := range names {
					ps.Props = append(ps.Props, Property{XMLName: n})
				}
				pstats = []Propstat{ps}
			}
		case pf.Allprop != nil:
			pstats, perr = h.properties().Allprop(ctx, entry.Name, pf.Include)
		default:
			pstats, perr = h.properties().Find(ctx, entry.Name, pf.Prop)
		}
		if perr != nil {
			return perr
		}
		if pf.Propname == nil {
			pstats = h.injectLockProps(pstats, entry.Name)
		}
		return mw.write(response{
			Href:     []string{(&url.URL{Path: entry.Name}).EscapedPath()},
			Propstat: toWireStat(pstats),
		})
	})
	if walkErr != nil {
		return http.StatusInternalServerError, walkErr
	}
	return 0, mw.close()
}

func toWireStat(pstats []Propstat) []propstat {
	out := make([]propstat, 0, len(pstats))
	for _, p := range pstats {
		out = append(out, propstat{
			Prop:                p.Props,
			Status:              makeStatus(p.Status),
			Error:               p.XMLError,
			ResponseDescription: p.ResponseDescription,
		})
	}
	return out
}

func (h *Handler) handleProppatch(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if !h.authorize(ctx, r, name, AllowWrite) {
		return http.StatusForbidden, ErrNotAllowed
	}
	fi, etag, locks, err := h.resourceState(ctx, name)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if fi == nil {
		return http.StatusNotFound, os.ErrNotExist
	}
	if status, err := h.checkPreconditions(r, fi, etag, locks); status != 0 {
		return status, err
	}
	patches, err := readProppatch(r.Body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	pstats, err := h.properties().Patch(ctx, name, patches)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	mw := &multistatusWriter{w: w}
	if err := mw.write(response{
		Href:     []string{(&url.URL{Path: name}).EscapedPath()},
		Propstat: toWireStat(pstats),
	}); err != nil {
		return http.StatusInternalServerError, err
	}
	return 0, mw.close()
}

// --- LOCK / UNLOCK -----------------------------------------------------------

type lockInfo struct {
	XMLName      xml.Name `xml:"DAV: lockinfo"`
	Exclusive    *struct{} `xml:"DAV: lockscope>exclusive"`
	Shared       *struct{} `xml:"DAV: lockscope>shared"`
	Owner        xmlFragment `xml:"DAV: owner"`
}

func (h *Handler) handleLock(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if h.LockManager == nil {
		return http.StatusInternalServerError, ErrNoLockSystem
	}
	duration, err := parseTimeoutHeader(r.Header.Get("Timeout"))
	if err != nil {
		return http.StatusBadRequest, err
	}

	ifVal := r.Header.Get("If")
	body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if readErr != nil {
		return http.StatusInternalServerError, readErr
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		// Refresh: the If header names the token to extend.
		if ifVal == "" {
			return http.StatusBadRequest, errors.Wrap(ErrInvalidLockInfo, "empty LOCK body without If header")
		}
		ifHdr, err := parseIfHeader(ifVal)
		if err != nil {
			return http.StatusBadRequest, err
		}
		var token string
		for t := range ifHdr.allTokens() {
			token = t
			break
		}
		if token == "" {
			return http.StatusBadRequest, errors.Wrap(ErrInvalidLockInfo, "no token in If header")
		}
		owner := principalFromContext(ctx)
		lock, err := h.LockManager.Refresh(ctx, token, owner, duration)
		if err != nil {
			return lockErrStatus(err), err
		}
		return 0, writeLockDiscovery(w, lock, http.StatusOK)
	}

	var li lockInfo
	if err := xml.Unmarshal(body, &li); err != nil {
		return http.StatusBadRequest, errors.Wrap(ErrInvalidLockInfo, err.Error())
	}
	if li.Exclusive == nil && li.Shared == nil {
		return http.StatusBadRequest, errors.Wrap(ErrUnsupportedLockInfo, "missing lockscope")
	}
	scope := ScopeExclusive
	if li.Shared != nil {
		scope = ScopeShared
	}
	depth := InfiniteDepth
	if hd := r.Header.Get("Depth"); hd != "" {
		d, err := parseDepthHeader(hd)
		if err != nil || d == 1 {
			return http.StatusBadRequest, ErrInvalidDepth
		}
		depth = d
	}
	if !h.authorize(ctx, r, name, AllowWrite) {
		return http.StatusForbidden, ErrNotAllowed
	}

	created := false
	if _, err := h.FileSystem.Stat(ctx, name); err != nil {
		if !os.IsNotExist(err) {
			return http.StatusInternalServerError, err
		}
		created = true
		if f, err := h.FileSystem.OpenFile(ctx, name, os.O_RDWR|os.O_CREATE, 0644); err == nil {
			f.Close()
		}
	}

	owner := principalFromContext(ctx)
	lock, conflicts, err := h.LockManager.Acquire(ctx, name, depth, scope, owner, string(li.Owner.inner), duration)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return StatusLocked, lockConflictError(conflicts)
		}
		if errors.Is(err, ErrTooManyLocks) {
			return http.StatusServiceUnavailable, err
		}
		return http.StatusInternalServerError, err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Lock-Token", "<"+lock.Token+">")
	return 0, writeLockDiscovery(w, lock, status)
}

func lockConflictError(conflicts []ActiveLock) error {
	return &davError{
		error: errors.Wrapf(ErrLocked, "%d conflicting lock(s)", len(conflicts)),
		body:  noConflictingLockXML(conflicts),
	}
}

func lockErrStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoSuchLock):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLocked):
		return StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// activelockXML renders one RFC 4918 §14.1 DAV:activelock element for lock.
func activelockXML(lock ActiveLock) string {
	depth := "infinity"
	if lock.Depth == 0 {
		depth = "0"
	}
	timeout := "Infinite"
	if lock.Timeout >= 0 {
		timeout = fmt.Sprintf("Second-%d", int64(lock.Timeout.Seconds()))
	}
	scope := "<D:exclusive/>"
	if lock.Scope == ScopeShared {
		scope = "<D:shared/>"
	}
	return fmt.Sprintf(
		`<D:activelock><D:locktype><D:write/></D:locktype><D:lockscope>%s</D:lockscope>`+
			`<D:depth>%s</D:depth><D:owner>%s</D:owner><D:timeout>%s</D:timeout>`+
			`<D:locktoken><D:href>%s</D:href></D:locktoken></D:activelock>`,
		scope, depth, lock.OwnerXML, timeout, escapeXMLText(lock.Token))
}

// lockdiscoveryXML renders a DAV:lockdiscovery property's content (§9.1)
// from every active lock rooted exactly at a resource.
func lockdiscoveryXML(locks []ActiveLock) string {
	var b strings.Builder
	for _, l := range locks {
		b.WriteString(activelockXML(l))
	}
	return b.String()
}

// supportedlockXML is the static DAV:supportedlock content every resource
// this package can lock advertises: exclusive and shared write locks.
const supportedlockXML = `<D:lockentry><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>` +
	`<D:lockentry><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>`

func writeLockDiscovery(w http.ResponseWriter, lock ActiveLock, status int) error {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<D:prop xmlns:D="DAV:"><D:lockdiscovery>%s</D:lockdiscovery></D:prop>`,
		activelockXML(lock))
	return nil
}

// injectLockProps fills in the lockdiscovery/supportedlock properties that
// PropertySystem reports as not-found (they are hidden: the property engine
// names them so allprop/propname list them, but their content depends on
// the LockManager, which only the Handler has access to).
func (h *Handler) injectLockProps(pstats []Propstat, name string) []Propstat {
	if h.LockManager == nil {
		return pstats
	}
	var locks []ActiveLock
	var fetched bool
	out := make([]Propstat, 0, len(pstats))
	for _, ps := range pstats {
		var kept, found []Property
		for _, p := range ps.Props {
			switch {
			case p.XMLName.Space == "DAV:" && p.XMLName.Local == "lockdiscovery":
				if !fetched {
					locks = h.LockManager.GetLocks(name, SelectSelf)
					fetched = true
				}
				found = append(found, Property{XMLName: p.XMLName, InnerXML: []byte(lockdiscoveryXML(locks))})
			case p.XMLName.Space == "DAV:" && p.XMLName.Local == "supportedlock":
				found = append(found, Property{XMLName: p.XMLName, InnerXML: []byte(supportedlockXML)})
			default:
				kept = append(kept, p)
			}
		}
		if len(found) > 0 {
			out = append(out, Propstat{Status: http.StatusOK, Props: found})
		}
		if len(kept) > 0 || (len(found) == 0 && len(ps.Props) == 0) {
			ps.Props = kept
			out = append(out, ps)
		}
	}
	return out
}

func (h *Handler) handleUnlock(ctx context.Context, w http.ResponseWriter, r *http.Request, name string) (int, error) {
	if h.LockManager == nil {
		return http.StatusInternalServerError, ErrNoLockSystem
	}
	token := strings.Trim(r.Header.Get("Lock-Token"), "<>")
	if token == "" {
		return http.StatusBadRequest, errors.Wrap(ErrInvalidLockToken, "missing Lock-Token header")
	}
	if !h.authorize(ctx, r, name, AllowWrite) {
		return http.StatusForbidden, ErrNotAllowed
	}
	owner := principalFromContext(ctx)
	if err := h.LockManager.Release(ctx, token, owner); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			return http.StatusForbidden, err
		case errors.Is(err, ErrNoSuchLock):
			return http.StatusConflict, err
		default:
			return http.StatusInternalServerError, err
		}
	}
	return http.StatusNoContent, nil
}

// principalContextKey is how the authentication layer (outside this
// package) is expected to stash the caller's opaque principal id on the
// request context, for the lock manager's ownership checks.
type principalContextKey struct{}

// PrincipalContextKey is the context key an authentication middleware
// should use via context.WithValue to identify the calling principal.
var PrincipalContextKey = principalContextKey{}

func principalFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalContextKey).(string); ok {
		return v
	}
	return ""
}
