// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// WalkEntry is one node visited by Walk.
type WalkEntry struct {
	Name string
	Info os.FileInfo
	// Err is set instead of Info when the node could not be Stat-ed (e.g.
	// it was removed between Readdir and Stat).
	Err error
}

// WalkFunc is called once per node Walk visits, in lexicographic sibling
// order. Returning filepath.SkipDir on a directory node prunes that
// subtree; any other non-nil error aborts the walk.
type WalkFunc func(entry WalkEntry) error

// Walk traverses fs starting at name, down to depth levels (0, 1, or
// InfiniteDepth). Unlike a recursive descent, Walk keeps its own explicit
// stack rather than the Go call stack, so memory use is bounded by tree
// width at any one level rather than by total tree size, and a PROPFIND
// handler can start streaming a response for the first
// entries before the rest of a very large, very deep tree has even been
// read. This is the same traversal order the recursive WalkFS it replaces
// produced; only the traversal mechanism differs.
func Walk(ctx context.Context, fs FileSystem, depth int, name string, info os.FileInfo, fn WalkFunc) error {
	stack := []walkFrame{{name: SlashClean(name), info: info, depth: depth}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if fr.info == nil {
			if err := fn(WalkEntry{Name: fr.name, Err: fr.err}); err != nil && err != filepath.SkipDir {
				return err
			}
			continue
		}

		err := fn(WalkEntry{Name: fr.name, Info: fr.info})
		if err == filepath.SkipDir {
			continue
		}
		if err != nil {
			return err
		}
		if !fr.info.IsDir() || fr.depth == 0 {
			continue
		}
		childDepth := fr.depth
		if childDepth == 1 {
			childDepth = 0
		}

		f, err := fs.OpenFile(ctx, fr.name, os.O_RDONLY, 0)
		if err != nil {
			if err := fn(WalkEntry{Name: fr.name, Err: err}); err != nil && err != filepath.SkipDir {
				return err
			}
			continue
		}
		children, err := f.Readdir(0)
		f.Close()
		if err != nil {
			if err := fn(WalkEntry{Name: fr.name, Err: err}); err != nil && err != filepath.SkipDir {
				return err
			}
			continue
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

		// Push in reverse so popping (LIFO) yields ascending lexicographic
		// order among siblings, matching the recursive reference.
		for i := len(children) - 1; i >= 0; i-- {
			childName := path.Join(fr.name, children[i].Name())
			stat, err := fs.Stat(ctx, childName)
			if err != nil {
				stack = append(stack, walkFrame{name: childName, err: err})
				continue
			}
			stack = append(stack, walkFrame{name: childName, info: stat, depth: childDepth})
		}
	}
	return nil
}

type walkFrame struct {
	name  string
	info  os.FileInfo
	depth int
	err   error
}
