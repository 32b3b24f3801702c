// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
)

// SlashClean is equivalent to but slightly more efficient than
// path.Clean("/" + name).
func SlashClean(name string) string {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return path.Clean(name)
}

// FailedMember is one resource that failed during a recursive COPY or MOVE.
// The Handler either flattens a single src/dst failure into the request's
// own status, or reports the full set as a 207 Multi-Status (§9.8.5,
// §9.9.4).
type FailedMember struct {
	Name   string
	Status int
	Err    error
}

// CopyFiles copies files and/or directories from src to dst, honoring the
// Overwrite semantics of RFC 4918 §9.8.3-9.8.5. A failure copying one member
// of a collection does not abort copying the rest; every such failure is
// returned in failed rather than aborting the whole request.
func CopyFiles(ctx context.Context, fs FileSystem, src, dst string, overwrite bool, depth int) (status int, failed []FailedMember, err error) {
	status, err = copyMember(ctx, fs, src, dst, overwrite, depth, 0, &failed)
	return status, failed, err
}

// copyMember copies one resource, recursing into its children when it is a
// collection. recursion guards against a pathological infinite-depth COPY of
// a directory into its own descendant. A child's failure is appended to
// failed and does not stop its siblings from being attempted.
func copyMember(ctx context.Context, fs FileSystem, src, dst string, overwrite bool, depth int, recursion int, failed *[]FailedMember) (status int, err error) {
	if recursion == 1000 {
		return http.StatusInternalServerError, ErrRecursionTooDeep
	}
	recursion++

	srcFile, err := fs.OpenFile(ctx, src, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return http.StatusNotFound, err
		}
		return http.StatusInternalServerError, err
	}
	defer srcFile.Close()
	srcStat, err := srcFile.Stat()
	if err != nil {
		if os.IsNotExist(err) {
			return http.StatusNotFound, err
		}
		return http.StatusInternalServerError, err
	}
	srcPerm := srcStat.Mode() & os.ModePerm

	created := false
	if _, err := fs.Stat(ctx, dst); err != nil {
		if os.IsNotExist(err) {
			created = true
		} else {
			return http.StatusForbidden, err
		}
	} else {
		if !overwrite {
			return http.StatusPreconditionFailed, os.ErrExist
		}
		if err := fs.RemoveAll(ctx, dst); err != nil && !os.IsNotExist(err) {
			return http.StatusForbidden, err
		}
	}

	if srcStat.IsDir() {
		if err := fs.Mkdir(ctx, dst, srcPerm); err != nil {
			return http.StatusForbidden, err
		}
		if depth == InfiniteDepth {
			children, err := srcFile.Readdir(-1)
			if err != nil {
				return http.StatusForbidden, err
			}
			for _, c := range children {
				name := c.Name()
				s := path.Join(src, name)
				d := path.Join(dst, name)
				if cStatus, cErr := copyMember(ctx, fs, s, d, overwrite, depth, recursion, failed); cErr != nil {
					*failed = append(*failed, FailedMember{Name: s, Status: cStatus, Err: cErr})
				}
			}
		}
	} else {
		dstFile, err := fs.OpenFile(ctx, dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, srcPerm)
		if err != nil {
			if os.IsNotExist(err) {
				return http.StatusConflict, err
			}
			return http.StatusForbidden, err
		}
		_, copyErr := io.Copy(dstFile, srcFile)
		propsErr := CopyProps(dstFile, srcFile)
		closeErr := dstFile.Close()
		if copyErr != nil {
			return http.StatusInternalServerError, copyErr
		}
		if propsErr != nil {
			return http.StatusInternalServerError, propsErr
		}
		if closeErr != nil {
			return http.StatusInternalServerError, closeErr
		}
	}

	if created {
		return http.StatusCreated, nil
	}
	return http.StatusNoContent, nil
}

// CopyProps copies every dead property from src onto dst, via a single
// Patch call so the destination either gets all of them or none.
func CopyProps(dst, src File) error {
	d, ok := dst.(DeadPropsHolder)
	if !ok {
		return nil
	}
	s, ok := src.(DeadPropsHolder)
	if !ok {
		return nil
	}
	m, err := s.DeadProps()
	if err != nil {
		return err
	}
	if len(m) == 0 {
		return nil
	}
	props := make([]Property, 0, len(m))
	for _, prop := range m {
		props = append(props, prop)
	}
	_, err = d.Patch([]Proppatch{{Props: props}})
	return err
}

// MoveFiles moves files and/or directories from src to dst, honoring the
// Overwrite semantics of RFC 4918 §9.9.3-9.9.4. fs.Rename is a single atomic
// call, so a move can only fail as a whole; failed is always empty and
// exists so the Handler can treat CopyFiles and MoveFiles uniformly.
func MoveFiles(ctx context.Context, fs FileSystem, src, dst string, overwrite bool) (status int, failed []FailedMember, err error) {
	created := false
	if _, err := fs.Stat(ctx, dst); err != nil {
		if !os.IsNotExist(err) {
			return http.StatusForbidden, nil, err
		}
		created = true
	} else if overwrite {
		// RFC 4918 §9.9.3: if a resource exists at the destination and
		// Overwrite is "T", the server performs the equivalent of a
		// Depth-infinity DELETE on the destination before the move.
		if err := fs.RemoveAll(ctx, dst); err != nil {
			return http.StatusForbidden, nil, err
		}
	} else {
		return http.StatusPreconditionFailed, nil, os.ErrExist
	}
	if err := fs.Rename(ctx, src, dst); err != nil {
		return http.StatusForbidden, nil, err
	}
	if created {
		return http.StatusCreated, nil, nil
	}
	return http.StatusNoContent, nil, nil
}
