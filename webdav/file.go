// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package webdav implements the request-processing core of a WebDAV
// (RFC 4918) server: lock management, conditional-request evaluation,
// multi-status reporting, dead/live property handling and partial-content
// transfers. It is deliberately agnostic of the storage backend, the HTTP
// host, and authentication/authorization, all of which are supplied by the
// caller through the FileSystem, LockManager, PropertySystem and
// AuthorizationFilter interfaces.
package webdav

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
)

// A FileSystem implements access to a collection of named resources. The
// elements in a resource path are separated by slash ('/', U+002F)
// characters, regardless of host operating system convention.
//
// Each method has the same broad semantics as the os package's function of
// the same name, but takes a context so that implementations backed by a
// network or database can honor cancellation.
//
// Note that the os.Rename documentation says that "OS-specific restrictions
// might apply". In particular, whether or not renaming a file or directory
// overwriting another existing file or directory is an error is OS-dependent.
type FileSystem interface {
	Mkdir(ctx context.Context, name string, perm os.FileMode) error
	OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (File, error)
	RemoveAll(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Stat(ctx context.Context, name string) (os.FileInfo, error)

	// Allow reports whether the current request (identified by ctx) may
	// perform the given action against name. Implementations that do not
	// need fine-grained access control may always return true; the core
	// engine never assumes any particular policy and calls Allow as one
	// link in the authorization filter chain (see the authz package).
	Allow(ctx context.Context, name string, allow Allow) bool
}

// Allow identifies a kind of access a FileSystem or AuthorizationFilter may
// grant or deny.
type Allow string

// The actions the core engine checks before mutating or reading a resource.
const (
	AllowRead   = Allow("Read")
	AllowWrite  = Allow("Write")
	AllowCreate = Allow("Create")
	AllowDelete = Allow("Delete")
	AllowStat   = Allow("Stat")
)

// A File is returned by a FileSystem's OpenFile method and can be served by a
// Handler.
type File interface {
	http.File
	io.Writer
	DeadPropsHolder

	// Truncate changes the size of the file, as os.File.Truncate does. PUT
	// uses it to discard a file's previous content before writing a new
	// body, short of a partial-content (Content-Range) request.
	Truncate(size int64) error
}

// Error values returned by the core engine's collaborators. They are
// exported so that FileSystem/LockManager/PropertySystem implementations can
// return them and have the Handler map them to the correct HTTP status and
// WebDAV condition code; callers compare them with errors.Is.
var (
	ErrDestinationEqualsSource = errors.New("webdav: destination equals source")
	ErrDestinationIsChild      = errors.New("webdav: destination is a descendant of source")
	ErrDirectoryNotEmpty       = errors.New("webdav: directory not empty")
	ErrInvalidDepth            = errors.New("webdav: invalid depth")
	ErrInvalidDestination      = errors.New("webdav: invalid destination")
	ErrInvalidIfHeader         = errors.New("webdav: invalid If header")
	ErrInvalidLockInfo         = errors.New("webdav: invalid lock info")
	ErrInvalidLockToken        = errors.New("webdav: invalid lock token")
	ErrInvalidPropfind         = errors.New("webdav: invalid propfind")
	ErrInvalidProppatch        = errors.New("webdav: invalid proppatch")
	ErrInvalidResponse         = errors.New("webdav: invalid response")
	ErrInvalidTimeout          = errors.New("webdav: invalid timeout")
	ErrNoFileSystem            = errors.New("webdav: no file system")
	ErrNoLockSystem            = errors.New("webdav: no lock system")
	ErrNotADirectory           = errors.New("webdav: not a directory")
	ErrPrefixMismatch          = errors.New("webdav: prefix mismatch")
	ErrRecursionTooDeep        = errors.New("webdav: recursion too deep")
	ErrUnsupportedLockInfo     = errors.New("webdav: unsupported lock info")
	ErrUnsupportedMethod       = errors.New("webdav: unsupported method")
	ErrNotAllowed              = errors.New("webdav: not allowed")
	ErrCrossService            = errors.New("webdav: destination resolves to an unknown service")
	ErrFiniteDepthRequired     = errors.New("webdav: server requires a finite depth")
)
