// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strictWeakEq(a, b string) bool { return a == b }

func TestParseIfHeaderUntaggedSingleToken(t *testing.T) {
	h, err := parseIfHeader(`(<urn:uuid:abc>)`)
	require.NoError(t, err)
	assert.False(t, h.isTagged)
	assert.True(t, h.matches("/any/path", map[string]bool{"urn:uuid:abc": true}, "", strictWeakEq))
	assert.False(t, h.matches("/any/path", map[string]bool{}, "", strictWeakEq))
}

func TestParseIfHeaderNotCondition(t *testing.T) {
	h, err := parseIfHeader(`(Not <urn:uuid:abc>)`)
	require.NoError(t, err)
	assert.True(t, h.matches("/x", map[string]bool{}, "", strictWeakEq))
	assert.False(t, h.matches("/x", map[string]bool{"urn:uuid:abc": true}, "", strictWeakEq))
}

func TestParseIfHeaderMultipleListsIsOR(t *testing.T) {
	h, err := parseIfHeader(`(<urn:uuid:a>) (<urn:uuid:b>)`)
	require.NoError(t, err)
	assert.True(t, h.matches("/x", map[string]bool{"urn:uuid:b": true}, "", strictWeakEq))
	assert.False(t, h.matches("/x", map[string]bool{"urn:uuid:c": true}, "", strictWeakEq))
}

func TestParseIfHeaderConditionsWithinListIsAND(t *testing.T) {
	h, err := parseIfHeader(`(<urn:uuid:a> <urn:uuid:b>)`)
	require.NoError(t, err)
	assert.False(t, h.matches("/x", map[string]bool{"urn:uuid:a": true}, "", strictWeakEq))
	assert.True(t, h.matches("/x", map[string]bool{"urn:uuid:a": true, "urn:uuid:b": true}, "", strictWeakEq))
}

func TestParseIfHeaderTagged(t *testing.T) {
	h, err := parseIfHeader(`</a> (<urn:uuid:a>) </b> (<urn:uuid:b>)`)
	require.NoError(t, err)
	assert.True(t, h.isTagged)
	assert.True(t, h.matches("/a", map[string]bool{"urn:uuid:a": true}, "", strictWeakEq))
	assert.False(t, h.matches("/a", map[string]bool{"urn:uuid:b": true}, "", strictWeakEq))
	assert.True(t, h.matches("/b", map[string]bool{"urn:uuid:b": true}, "", strictWeakEq))
	// No list at all for an untagged resource a tagged header doesn't
	// mention; RFC 4918 says that case always passes.
	assert.True(t, h.matches("/c", map[string]bool{}, "", strictWeakEq))
}

func TestParseIfHeaderETagCondition(t *testing.T) {
	h, err := parseIfHeader(`(["abc123"])`)
	require.NoError(t, err)
	eq := func(a, b string) bool { return a == b }
	assert.True(t, h.matches("/x", nil, "abc123", eq))
	assert.False(t, h.matches("/x", nil, "xyz", eq))
}

func TestParseIfHeaderMalformed(t *testing.T) {
	_, err := parseIfHeader("")
	assert.Error(t, err)
	_, err = parseIfHeader("not-a-list")
	assert.Error(t, err)
	_, err = parseIfHeader("(<unterminated")
	assert.Error(t, err)
}

func TestIfHeaderAllTokens(t *testing.T) {
	h, err := parseIfHeader(`(<urn:uuid:a> Not <urn:uuid:b>)`)
	require.NoError(t, err)
	tokens := h.allTokens()
	assert.True(t, tokens["urn:uuid:a"])
	assert.True(t, tokens["urn:uuid:b"])
}
