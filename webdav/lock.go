// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

/*
  In-memory locks only work if the lock manager is a singleton for the
  resources it guards. The common case is a single WebDAV service in front
  of a shared volume; for a clustered deployment, a LockManager backed by the
  shared store itself (the filesystem, a database row) is the thing to
  implement against this interface.
*/

// Errors returned by a LockManager.
var (
	ErrNoSuchLock   = errors.New("webdav: no such lock")
	ErrLocked       = errors.New("webdav: locked")
	ErrTooManyLocks = errors.New("webdav: too many locks")
	ErrForbidden    = errors.New("webdav: forbidden")
)

// Scope is the scope of an active lock: shared or exclusive. WebDAV locks
// are always of type "write" (RFC 4918 §7), so Scope is the only axis of
// variation the data model needs.
type Scope int

const (
	ScopeExclusive Scope = iota
	ScopeShared
)

func (s Scope) String() string {
	if s == ScopeShared {
		return "shared"
	}
	return "exclusive"
}

// InfiniteDepth is the Depth used by a lock or a request to mean "this
// resource and all of its descendants, recursively".
const InfiniteDepth = -1

// Selection enumerates how GetLocks chooses which locks covering a path to
// return.
type Selection int

const (
	SelectSelf Selection = iota
	SelectSelfAncestors
	SelectSelfDescendants
	SelectSelfAncestorsDescendants
)

// Condition can match a WebDAV resource, based on a lock token or an ETag.
// Exactly one of Token and ETag should be non-empty. It is the atom of the
// If-header grammar (§4.2); an ifHeader's lists are built out of Conditions.
type Condition struct {
	Not   bool
	Token string
	ETag  string
}

// ActiveLock is a snapshot of one lock held by the LockManager. The
// protection set of a lock is {Root} when Depth is 0, or {Root} union all
// descendants of Root when Depth is InfiniteDepth (§3).
type ActiveLock struct {
	Token     string
	Root      string
	Depth     int
	Scope     Scope
	Owner     string // opaque principal id; "" means anonymous
	OwnerXML  string
	Timeout   time.Duration // negative means infinite
	CreatedAt time.Time
	ExpiresAt time.Time // zero means infinite
}

// Expired reports whether the lock's timeout has elapsed as of now.
func (a ActiveLock) Expired(now time.Time) bool {
	return a.Timeout >= 0 && !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Covers reports whether the lock's protection set includes path.
func (a ActiveLock) Covers(path string) bool {
	if path == a.Root {
		return true
	}
	if a.Depth != InfiniteDepth {
		return false
	}
	return isDescendant(path, a.Root)
}

func isDescendant(path, root string) bool {
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, root+"/")
}

// LockManager is the hierarchical, shared/exclusive, timeout-bound lock
// subsystem described in §4.1. All methods are safe for concurrent use and
// are linearisable with respect to one another (§5): no caller ever
// observes two conflicting locks both granted.
type LockManager interface {
	// Acquire creates a new lock honoring the L1-L3 invariants. If the
	// request conflicts with existing locks, it returns ErrLocked along
	// with the offending locks. If the service's global or per-root lock
	// cap would be exceeded, it returns ErrTooManyLocks.
	Acquire(ctx context.Context, root string, depth int, scope Scope, owner, ownerXML string, timeout time.Duration) (lock ActiveLock, conflicts []ActiveLock, err error)

	// Refresh extends a lock's expiry without altering its scope, depth or
	// root. It returns ErrNoSuchLock if the token is unknown or expired,
	// and ErrForbidden if owner does not hold the lock.
	Refresh(ctx context.Context, token, owner string, timeout time.Duration) (ActiveLock, error)

	// Release removes a lock. It returns ErrNoSuchLock if the token is
	// unknown, and ErrForbidden if owner may not delete it.
	Release(ctx context.Context, token, owner string) error

	// Lookup returns the lock identified by token, if any (and not
	// expired).
	Lookup(token string) (ActiveLock, bool)

	// GetLocks returns the locks relevant to path under the given
	// selection.
	GetLocks(path string, selection Selection) []ActiveLock

	// RemoveRecursive discards every lock whose root is path or a
	// descendant of path, without regard for ownership. Called after a
	// successful recursive DELETE, or a MOVE/COPY overwrite that replaces
	// a whole subtree.
	RemoveRecursive(path string)

	// RemoveNonRecursive discards only the lock rooted exactly at path, if
	// any. Called after a successful non-recursive DELETE or an overwrite
	// of a single resource.
	RemoveNonRecursive(path string)

	// FindConflicts reports the locks that would conflict with a
	// hypothetical Acquire of the given shape, without creating anything.
	// Used to build the DAV:no-conflicting-lock response body.
	FindConflicts(root string, depth int, scope Scope, owner string) []ActiveLock
}

// LockManagerConfig bounds a MemLockManager's behavior.
type LockManagerConfig struct {
	// DefaultTimeout is used when a LOCK request omits the Timeout header.
	// Zero or negative makes such locks infinite. A request for "Infinite"
	// does not fall back to DefaultTimeout; only MaxTimeout clamps it.
	DefaultTimeout time.Duration
	// MaxTimeout clamps any requested timeout, including "Infinite". Zero
	// or negative means unbounded.
	MaxTimeout time.Duration
	// MaxLocksPerRoot bounds the number of locks that may coexist rooted
	// at one path (shared locks from distinct owners). Zero means
	// unbounded.
	MaxLocksPerRoot int
	// MaxLocksGlobal bounds the total number of locks the manager may
	// hold at once. Zero means unbounded.
	MaxLocksGlobal int
	// AllowDuplicateSharedLockBySameOwner controls whether one principal
	// may hold two independent shared locks on the same root. RFC 4918 is
	// silent on this; the default (false) matches the policy decision
	// recorded in DESIGN.md.
	AllowDuplicateSharedLockBySameOwner bool
}

func (c LockManagerConfig) clampTimeout(requested time.Duration) time.Duration {
	if requested < 0 {
		if c.MaxTimeout > 0 {
			return c.MaxTimeout
		}
		return -1
	}
	if requested == 0 {
		if c.DefaultTimeout > 0 {
			return c.DefaultTimeout
		}
		return -1
	}
	if c.MaxTimeout > 0 && requested > c.MaxTimeout {
		return c.MaxTimeout
	}
	return requested
}

// NewMemLockManager returns a new in-memory LockManager.
func NewMemLockManager(cfg LockManagerConfig) LockManager {
	return &memLockManager{
		cfg:     cfg,
		byToken: make(map[string]*lockNode),
		byRoot:  make(map[string][]*lockNode),
	}
}

type lockNode struct {
	lock          ActiveLock
	byExpiryIndex int // -1 if not in the expiry heap
}

type memLockManager struct {
	mu      sync.Mutex
	cfg     LockManagerConfig
	byToken map[string]*lockNode
	byRoot  map[string][]*lockNode
	expiry  expiryHeap
	total   int
}

func (m *memLockManager) now() time.Time { return time.Now() }

// collectExpired purges lazily: an expired lock is removed the next time
// anything touches the manager, and is treated as if it never existed in
// between. Must be called with mu held.
func (m *memLockManager) collectExpired(now time.Time) {
	for len(m.expiry) > 0 {
		n := m.expiry[0]
		if now.Before(n.lock.ExpiresAt) {
			return
		}
		m.removeNode(n)
	}
}

func (m *memLockManager) removeNode(n *lockNode) {
	delete(m.byToken, n.lock.Token)
	roots := m.byRoot[n.lock.Root]
	for i, o := range roots {
		if o == n {
			roots = append(roots[:i], roots[i+1:]...)
			break
		}
	}
	if len(roots) == 0 {
		delete(m.byRoot, n.lock.Root)
	} else {
		m.byRoot[n.lock.Root] = roots
	}
	if n.byExpiryIndex >= 0 {
		heap.Remove(&m.expiry, n.byExpiryIndex)
	}
	m.total--
}

// conflictsLocked reports the locks that conflict with a hypothetical lock
// of the given shape. Must be called with mu held and after collectExpired.
func (m *memLockManager) conflictsLocked(root string, depth int, scope Scope, owner string) []ActiveLock {
	var out []ActiveLock
	seen := make(map[string]bool)
	for existingRoot, nodes := range m.byRoot {
		for _, n := range nodes {
			if seen[n.lock.Token] {
				continue
			}
			l := n.lock
			intersects := existingRoot == root ||
				(depth == InfiniteDepth && isDescendant(existingRoot, root)) ||
				(l.Depth == InfiniteDepth && isDescendant(root, existingRoot))
			if !intersects {
				continue
			}
			conflict := false
			switch {
			case scope == ScopeExclusive:
				conflict = true
			case l.Scope == ScopeExclusive:
				conflict = true
			case l.Root == root && l.Owner == owner && !m.cfg.AllowDuplicateSharedLockBySameOwner:
				conflict = true
			}
			if conflict {
				seen[n.lock.Token] = true
				out = append(out, l)
			}
		}
	}
	return out
}

func (m *memLockManager) Acquire(_ context.Context, root string, depth int, scope Scope, owner, ownerXML string, timeout time.Duration) (ActiveLock, []ActiveLock, error) {
	root = SlashClean(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.collectExpired(now)

	if conflicts := m.conflictsLocked(root, depth, scope, owner); len(conflicts) > 0 {
		return ActiveLock{}, conflicts, ErrLocked
	}
	if m.cfg.MaxLocksGlobal > 0 && m.total >= m.cfg.MaxLocksGlobal {
		return ActiveLock{}, nil, ErrTooManyLocks
	}
	if m.cfg.MaxLocksPerRoot > 0 && len(m.byRoot[root]) >= m.cfg.MaxLocksPerRoot {
		return ActiveLock{}, nil, ErrTooManyLocks
	}

	clamped := m.cfg.clampTimeout(timeout)
	n := &lockNode{byExpiryIndex: -1, lock: ActiveLock{
		Token:     "urn:uuid:" + uuid.NewString(),
		Root:      root,
		Depth:     depth,
		Scope:     scope,
		Owner:     owner,
		OwnerXML:  ownerXML,
		Timeout:   clamped,
		CreatedAt: now,
	}}
	if clamped >= 0 {
		n.lock.ExpiresAt = now.Add(clamped)
	}
	m.byToken[n.lock.Token] = n
	m.byRoot[root] = append(m.byRoot[root], n)
	m.total++
	if clamped >= 0 {
		heap.Push(&m.expiry, n)
	}
	return n.lock, nil, nil
}

func (m *memLockManager) Refresh(_ context.Context, token, owner string, timeout time.Duration) (ActiveLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.collectExpired(now)

	n, ok := m.byToken[token]
	if !ok {
		return ActiveLock{}, ErrNoSuchLock
	}
	if n.lock.Owner != "" && n.lock.Owner != owner {
		return ActiveLock{}, ErrForbidden
	}
	if n.byExpiryIndex >= 0 {
		heap.Remove(&m.expiry, n.byExpiryIndex)
	}
	clamped := m.cfg.clampTimeout(timeout)
	n.lock.Timeout = clamped
	if clamped >= 0 {
		n.lock.ExpiresAt = now.Add(clamped)
		heap.Push(&m.expiry, n)
	} else {
		n.lock.ExpiresAt = time.Time{}
	}
	return n.lock, nil
}

func (m *memLockManager) Release(_ context.Context, token, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())

	n, ok := m.byToken[token]
	if !ok {
		return ErrNoSuchLock
	}
	if n.lock.Owner != "" && n.lock.Owner != owner {
		return ErrForbidden
	}
	m.removeNode(n)
	return nil
}

func (m *memLockManager) Lookup(token string) (ActiveLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())
	n, ok := m.byToken[token]
	if !ok {
		return ActiveLock{}, false
	}
	return n.lock, true
}

func (m *memLockManager) GetLocks(path string, selection Selection) []ActiveLock {
	path = SlashClean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())

	var out []ActiveLock
	for root, nodes := range m.byRoot {
		var include bool
		switch selection {
		case SelectSelf:
			include = root == path
		case SelectSelfAncestors:
			include = root == path || isDescendant(path, root)
		case SelectSelfDescendants:
			include = root == path || isDescendant(root, path)
		case SelectSelfAncestorsDescendants:
			include = root == path || isDescendant(path, root) || isDescendant(root, path)
		}
		if !include {
			continue
		}
		for _, n := range nodes {
			out = append(out, n.lock)
		}
	}
	return out
}

func (m *memLockManager) RemoveRecursive(path string) {
	path = SlashClean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())

	var toRemove []*lockNode
	for root, nodes := range m.byRoot {
		if root == path || isDescendant(root, path) {
			toRemove = append(toRemove, nodes...)
		}
	}
	for _, n := range toRemove {
		m.removeNode(n)
	}
}

func (m *memLockManager) RemoveNonRecursive(path string) {
	path = SlashClean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())

	for _, n := range append([]*lockNode(nil), m.byRoot[path]...) {
		m.removeNode(n)
	}
}

func (m *memLockManager) FindConflicts(root string, depth int, scope Scope, owner string) []ActiveLock {
	root = SlashClean(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectExpired(m.now())
	return m.conflictsLocked(root, depth, scope, owner)
}

type expiryHeap []*lockNode

func (h expiryHeap) Len() int { return len(h) }
func (h expiryHeap) Less(i, j int) bool {
	return h[i].lock.ExpiresAt.Before(h[j].lock.ExpiresAt)
}
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].byExpiryIndex = i
	h[j].byExpiryIndex = j
}
func (h *expiryHeap) Push(x any) {
	n := x.(*lockNode)
	n.byExpiryIndex = len(*h)
	*h = append(*h, n)
}
func (h *expiryHeap) Pop() any {
	old := *h
	i := len(old) - 1
	n := old[i]
	old[i] = nil
	n.byExpiryIndex = -1
	*h = old[:i]
	return n
}

// parseTimeoutHeader parses the Timeout HTTP header, as per RFC 4918 §10.7.
// An empty string requests the server default (represented as 0). A
// malformed or entirely-unrecognized value is ErrInvalidTimeout; an
// unparseable Second-N option within a comma-separated list falls through
// to the next option, matching real clients that send
// "Infinite, Second-4100000000".
func parseTimeoutHeader(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	for _, opt := range strings.Split(s, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "Infinite" {
			return -1, nil
		}
		const pre = "Second-"
		if !strings.HasPrefix(opt, pre) {
			continue
		}
		n, err := parseUint32(opt[len(pre):])
		if err != nil {
			continue
		}
		return time.Duration(n) * time.Second, nil
	}
	return 0, ErrInvalidTimeout
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, ErrInvalidTimeout
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrInvalidTimeout
		}
		n = n*10 + uint64(c-'0')
		if n > 1<<32-1 {
			return 0, ErrInvalidTimeout
		}
	}
	return uint32(n), nil
}
