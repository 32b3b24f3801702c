// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeHeaderAbsolute(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=0-99", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 0, End: 99}, ranges[0])
}

func TestParseRangeHeaderSuffix(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=-500", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 500, End: 999}, ranges[0])
}

func TestParseRangeHeaderOpen(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=900-", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	require.Len(t, ranges, 1)
	assert.Equal(t, ByteRange{Start: 900, End: 999}, ranges[0])
}

func TestParseRangeHeaderMultiple(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=0-49, 100-149", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	assert.Equal(t, []ByteRange{{0, 49}, {100, 149}}, ranges)
}

func TestParseRangeHeaderUnsatisfiable(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=5000-6000", 1000)
	require.NoError(t, err)
	assert.False(t, satisfiable)
	assert.Nil(t, ranges)
}

func TestParseRangeHeaderMalformedIgnored(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("bytes=abc-def", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	assert.Nil(t, ranges)
}

func TestParseRangeHeaderNonBytesUnitIgnored(t *testing.T) {
	ranges, satisfiable, err := parseRangeHeader("items=0-1", 1000)
	require.NoError(t, err)
	assert.True(t, satisfiable)
	assert.Nil(t, ranges)
}

func TestMergeRangesCoalescesNear(t *testing.T) {
	ranges := []ByteRange{{0, 10}, {20, 30}, {1000, 1010}}
	merged := mergeRanges(ranges, 100)
	assert.Equal(t, []ByteRange{{0, 30}, {1000, 1010}}, merged)
}

func TestMergeRangesNoMergeBeyondGap(t *testing.T) {
	ranges := []ByteRange{{0, 10}, {200, 210}}
	merged := mergeRanges(ranges, 5)
	assert.Equal(t, []ByteRange{{0, 10}, {200, 210}}, merged)
}

func TestWriteSingleRangeSetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	err := writeSingleRange(w, ByteRange{Start: 0, End: 99}, 1000, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-99/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, 206, w.Code)
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := parseContentRange("bytes 0-99/1000", true, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(99), end)
	assert.Equal(t, int64(1000), total)

	_, _, total, err = parseContentRange("bytes 0-99/*", false, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	_, _, _, err = parseContentRange("items 0-99/1000", true, 1000)
	assert.Error(t, err)

	_, _, _, err = parseContentRange("bytes 99-0/1000", true, 1000)
	assert.Error(t, err)
}

func TestSniffContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", sniffContentType("index.html"))
	assert.Equal(t, "application/octet-stream", sniffContentType("noext"))
}
