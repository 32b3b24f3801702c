// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager() LockManager {
	return NewMemLockManager(LockManagerConfig{
		DefaultTimeout:  time.Minute,
		MaxTimeout:      time.Hour,
		MaxLocksPerRoot: 2,
		MaxLocksGlobal:  10,
	})
}

func TestLockManagerAcquireExclusiveConflict(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	lock, conflicts, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeExclusive, "alice", "<D:href>alice</D:href>", 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.NotEmpty(t, lock.Token)
	assert.Equal(t, time.Minute, lock.Timeout)

	_, conflicts, err = m.Acquire(ctx, "/a", InfiniteDepth, ScopeExclusive, "bob", "", 0)
	assert.ErrorIs(t, err, ErrLocked)
	require.Len(t, conflicts, 1)
	assert.Equal(t, lock.Token, conflicts[0].Token)
}

func TestLockManagerSharedLocksDoNotConflict(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeShared, "alice", "", 0)
	require.NoError(t, err)
	_, conflicts, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeShared, "bob", "", 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestLockManagerSharedLockRejectsSameOwnerByDefault(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeShared, "alice", "", 0)
	require.NoError(t, err)
	_, conflicts, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeShared, "alice", "", 0)
	assert.ErrorIs(t, err, ErrLocked)
	assert.NotEmpty(t, conflicts)
}

func TestLockManagerAncestorAndDescendantConflicts(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "/a/b", InfiniteDepth, ScopeExclusive, "alice", "", 0)
	require.NoError(t, err)

	// A depth-infinity lock on an ancestor must see the descendant lock as
	// a conflict.
	_, conflicts, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeExclusive, "bob", "", 0)
	assert.ErrorIs(t, err, ErrLocked)
	assert.NotEmpty(t, conflicts)

	// A depth-0 lock on a sibling does not conflict.
	_, conflicts, err = m.Acquire(ctx, "/a/c", 0, ScopeExclusive, "bob", "", 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestLockManagerMaxLocksPerRoot(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "/a", 0, ScopeShared, "alice", "", 0)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "/a", 0, ScopeShared, "bob", "", 0)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "/a", 0, ScopeShared, "carol", "", 0)
	assert.ErrorIs(t, err, ErrTooManyLocks)
}

func TestLockManagerRefreshAndRelease(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	lock, _, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeExclusive, "alice", "", 0)
	require.NoError(t, err)

	refreshed, err := m.Refresh(ctx, lock.Token, "alice", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, refreshed.Timeout)

	_, err = m.Refresh(ctx, lock.Token, "bob", 5*time.Minute)
	assert.ErrorIs(t, err, ErrForbidden)

	err = m.Release(ctx, lock.Token, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	err = m.Release(ctx, lock.Token, "alice")
	require.NoError(t, err)

	_, ok := m.Lookup(lock.Token)
	assert.False(t, ok)

	err = m.Release(ctx, lock.Token, "alice")
	assert.ErrorIs(t, err, ErrNoSuchLock)
}

func TestLockManagerGetLocksSelection(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	root, _, err := m.Acquire(ctx, "/a", InfiniteDepth, ScopeExclusive, "alice", "", 0)
	require.NoError(t, err)

	assert.Len(t, m.GetLocks("/a", SelectSelf), 1)
	assert.Len(t, m.GetLocks("/a/b", SelectSelfAncestors), 1)
	assert.Len(t, m.GetLocks("/a/b", SelectSelf), 0)
	assert.Len(t, m.GetLocks("/", SelectSelfDescendants), 1)

	m.RemoveRecursive("/a")
	_, ok := m.Lookup(root.Token)
	assert.False(t, ok)
}

func TestLockManagerRemoveNonRecursiveLeavesDescendants(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	parent, _, err := m.Acquire(ctx, "/a", 0, ScopeShared, "alice", "", 0)
	require.NoError(t, err)
	child, _, err := m.Acquire(ctx, "/a/b", 0, ScopeShared, "alice", "", 0)
	require.NoError(t, err)

	m.RemoveNonRecursive("/a")
	_, ok := m.Lookup(parent.Token)
	assert.False(t, ok)
	_, ok = m.Lookup(child.Token)
	assert.True(t, ok)
}

func TestLockManagerExpiry(t *testing.T) {
	m := newTestLockManager()
	ctx := context.Background()

	lock, _, err := m.Acquire(ctx, "/a", 0, ScopeExclusive, "alice", "", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := m.Lookup(lock.Token)
	assert.False(t, ok)

	// Expiry frees the root for a new conflicting lock.
	_, conflicts, err := m.Acquire(ctx, "/a", 0, ScopeExclusive, "bob", "", 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestParseTimeoutHeader(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"Infinite", -1, false},
		{"Second-120", 120 * time.Second, false},
		{"Infinite, Second-4100000000", -1, false},
		{"Second-bogus, Second-30", 30 * time.Second, false},
		{"garbage", 0, true},
	}
	for _, c := range cases {
		got, err := parseTimeoutHeader(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestActiveLockCovers(t *testing.T) {
	infLock := ActiveLock{Root: "/a", Depth: InfiniteDepth}
	assert.True(t, infLock.Covers("/a"))
	assert.True(t, infLock.Covers("/a/b/c"))
	assert.False(t, infLock.Covers("/b"))

	zeroLock := ActiveLock{Root: "/a", Depth: 0}
	assert.True(t, zeroLock.Covers("/a"))
	assert.False(t, zeroLock.Covers("/a/b"))
}
