// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *Handler {
	return &Handler{
		FileSystem:  newFakeFS(),
		LockManager: NewMemLockManager(LockManagerConfig{DefaultTimeout: 0}),
	}
}

func doReq(h *Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandlerGetServesContent(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "GET", "/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("ETag"))
}

func TestHandlerGetOnCollectionRejected(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "GET", "/dir", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlerGetRangeRequest(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "GET", "/a.txt", "", map[string]string{"Range": "bytes=1-3"})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "ell", w.Body.String())
	assert.Equal(t, "bytes 1-3/5", w.Header().Get("Content-Range"))
}

func TestHandlerGetIfNoneMatchReturns304(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "GET", "/a.txt", "", nil)
	etag := w.Header().Get("ETag")
	w2 := doReq(h, "GET", "/a.txt", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w2.Code)
}

func TestHandlerPutCreatesAndUpdates(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "PUT", "/new.txt", "content", nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w2 := doReq(h, "PUT", "/new.txt", "updated", nil)
	assert.Equal(t, http.StatusNoContent, w2.Code)

	w3 := doReq(h, "GET", "/new.txt", "", nil)
	assert.Equal(t, "updated", w3.Body.String())
}

func TestHandlerPutOnCollectionRejected(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "PUT", "/dir", "x", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlerDeleteRemovesResource(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "DELETE", "/a.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w2 := doReq(h, "GET", "/a.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestHandlerDeleteRootForbidden(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "DELETE", "/", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerMkcolCreatesCollection(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "MKCOL", "/newdir", "", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandlerMkcolRejectsBody(t *testing.T) {
	h := newTestHandler()
	r := httptest.NewRequest("MKCOL", "/newdir2", strings.NewReader("x"))
	r.ContentLength = 1
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, StatusUnprocessableEntity, w.Code)
}

func TestHandlerLockThenConflictingPutFails(t *testing.T) {
	h := newTestHandler()
	lockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner><D:href>alice</D:href></D:owner></D:lockinfo>`
	w := doReq(h, "LOCK", "/a.txt", lockBody, map[string]string{"Timeout": "Second-60"})
	require.Equal(t, http.StatusOK, w.Code)
	token := strings.Trim(w.Header().Get("Lock-Token"), "<>")
	require.NotEmpty(t, token)

	// A PUT without the lock token is rejected.
	w2 := doReq(h, "PUT", "/a.txt", "nope", nil)
	assert.Equal(t, StatusLocked, w2.Code)

	// A PUT submitting the token succeeds.
	w3 := doReq(h, "PUT", "/a.txt", "locked-write", map[string]string{"If": "(<" + token + ">)"})
	assert.Equal(t, http.StatusNoContent, w3.Code)

	w4 := doReq(h, "UNLOCK", "/a.txt", "", map[string]string{"Lock-Token": "<" + token + ">"})
	assert.Equal(t, http.StatusNoContent, w4.Code)
}

func TestHandlerLockConflictReturns423(t *testing.T) {
	h := newTestHandler()
	lockBody := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner>alice</D:owner></D:lockinfo>`
	w := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	assert.Equal(t, StatusLocked, w2.Code)
}

func TestHandlerPropfindPropname(t *testing.T) {
	h := newTestHandler()
	body := `<D:propfind xmlns:D="DAV:"><D:propname/></D:propfind>`
	w := doReq(h, "PROPFIND", "/a.txt", body, map[string]string{"Depth": "0"})
	assert.Equal(t, StatusMulti, w.Code)
	assert.Contains(t, w.Body.String(), "getetag")
}

func TestHandlerPropfindLockDiscovery(t *testing.T) {
	h := newTestHandler()
	lockBody := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner>alice</D:owner></D:lockinfo>`
	w := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := `<D:propfind xmlns:D="DAV:"><D:prop><D:lockdiscovery/></D:prop></D:propfind>`
	w2 := doReq(h, "PROPFIND", "/a.txt", body, map[string]string{"Depth": "0"})
	assert.Equal(t, StatusMulti, w2.Code)
	assert.Contains(t, w2.Body.String(), "<D:activelock>")
	assert.Contains(t, w2.Body.String(), "<D:locktoken>")
}

func TestHandlerCopyCreatesDestination(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "COPY", "/a.txt", "", map[string]string{"Destination": "/copy.txt"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w2 := doReq(h, "GET", "/copy.txt", "", nil)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "hello", w2.Body.String())

	w3 := doReq(h, "GET", "/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w3.Code, "source must survive a COPY")
}

func TestHandlerMoveRequiresInfiniteDepth(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "MOVE", "/a.txt", "", map[string]string{"Destination": "/moved.txt", "Depth": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerMoveRelocatesResource(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "MOVE", "/a.txt", "", map[string]string{"Destination": "/moved.txt"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w2 := doReq(h, "GET", "/a.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w2.Code)

	w3 := doReq(h, "GET", "/moved.txt", "", nil)
	assert.Equal(t, http.StatusOK, w3.Code)
}

func TestHandlerOptionsAdvertisesDAV(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "OPTIONS", "/a.txt", "", nil)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
}

func TestHandlerCopyIntoOwnDescendantForbidden(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "COPY", "/dir", "", map[string]string{"Destination": "/dir/sub"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerMoveIntoOwnDescendantForbidden(t *testing.T) {
	h := newTestHandler()
	w := doReq(h, "MOVE", "/dir", "", map[string]string{"Destination": "/dir/sub"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerPutOnLockedResourceReportsLockTokenSubmitted(t *testing.T) {
	h := newTestHandler()
	lockBody := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner>alice</D:owner></D:lockinfo>`
	w := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := doReq(h, "PUT", "/a.txt", "nope", nil)
	require.Equal(t, StatusLocked, w2.Code)
	assert.Contains(t, w2.Body.String(), "<D:error")
	assert.Contains(t, w2.Body.String(), "<D:lock-token-submitted>")
	assert.Contains(t, w2.Body.String(), "<D:href>/a.txt</D:href>")
}

func TestHandlerLockConflictReportsNoConflictingLock(t *testing.T) {
	h := newTestHandler()
	lockBody := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:owner>alice</D:owner></D:lockinfo>`
	w := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := doReq(h, "LOCK", "/a.txt", lockBody, nil)
	require.Equal(t, StatusLocked, w2.Code)
	assert.Contains(t, w2.Body.String(), "<D:error")
	assert.Contains(t, w2.Body.String(), "<D:no-conflicting-lock>")
	assert.Contains(t, w2.Body.String(), "<D:href>/a.txt</D:href>")
}

// denyDeleteFilter forbids DELETE on one specific resource, so
// TestHandlerDeleteCollectionReportsPartialFailure can exercise the
// bottom-up, partial-failure DELETE path without a fake filesystem that
// itself rejects removal.
type denyDeleteFilter struct{ path string }

func (f denyDeleteFilter) Allow(ctx context.Context, r *http.Request, name string, allow Allow) bool {
	return !(name == f.path && allow == AllowDelete)
}

func TestHandlerDeleteCollectionReportsPartialFailure(t *testing.T) {
	fs := newFakeFS()
	now := time.Now()
	fs.files["/d"] = &fakeFile{name: "/d", fi: fakeFileInfo{name: "d", modTime: now, isDir: true}}
	fs.files["/d/a"] = &fakeFile{name: "/d/a", data: []byte("a"), fi: fakeFileInfo{name: "a", size: 1, modTime: now}}
	fs.files["/d/b"] = &fakeFile{name: "/d/b", data: []byte("b"), fi: fakeFileInfo{name: "b", size: 1, modTime: now}}

	h := &Handler{
		FileSystem:  fs,
		LockManager: NewMemLockManager(LockManagerConfig{DefaultTimeout: 0}),
		Authz:       denyDeleteFilter{path: "/d/b"},
	}

	w := doReq(h, "DELETE", "/d", "", nil)
	require.Equal(t, StatusMulti, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<D:href>/d/b</D:href>")
	assert.Contains(t, body, "<D:href>/d/a</D:href>")
	assert.Contains(t, body, "<D:href>/d</D:href>")

	w2 := doReq(h, "GET", "/d/a", "", nil)
	assert.Equal(t, http.StatusNotFound, w2.Code, "sibling of the forbidden member must still be removed")

	w3 := doReq(h, "GET", "/d/b", "", nil)
	assert.Equal(t, http.StatusOK, w3.Code, "the forbidden member must survive")
}
