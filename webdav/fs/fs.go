// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fs implements webdav.FileSystem over the native filesystem,
// restricted to a directory tree, persisting dead properties as a JSON
// sidecar file alongside each resource. Authorization is delegated to an
// injectable PermissionHandler so that a caller can wire in, for instance,
// the OPA-backed filter in the authz package.
package fs

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredav/webdav/webdav"
)

var (
	_ webdav.File       = &DPFile{}
	_ webdav.FileSystem = &FS{}
)

// Action is what a PermissionHandler is asked to authorize: one kind of
// access against one resource name.
type Action struct {
	Allow webdav.Allow `json:"allow"`
	Name  string       `json:"name"`
}

// DPFile wraps an *os.File, adding the JSON-sidecar dead-property storage
// webdav.DeadPropsHolder requires.
type DPFile struct {
	f    *os.File
	fs   *FS
	ctx  context.Context
}

func (f *DPFile) Read(b []byte) (int, error)             { return f.f.Read(b) }
func (f *DPFile) Write(b []byte) (int, error)             { return f.f.Write(b) }
func (f *DPFile) Close() error                            { return f.f.Close() }
func (f *DPFile) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }
func (f *DPFile) Stat() (fs.FileInfo, error)              { return f.f.Stat() }
func (f *DPFile) Truncate(size int64) error               { return f.f.Truncate(size) }

func (f *DPFile) Readdir(n int) ([]fs.FileInfo, error) {
	all, err := f.f.Readdir(n)
	if err != nil {
		return nil, err
	}
	out := make([]fs.FileInfo, 0, len(all))
	for _, fi := range all {
		name := path.Join(f.f.Name(), fi.Name())
		if f.fs.allow(f.ctx, name, webdav.AllowStat) {
			out = append(out, fi)
		}
	}
	return out, nil
}

// sidecarFor computes the JSON dead-properties path for name: a hidden
// sibling file for a plain file, or a hidden child for a directory. Sidecar
// files are themselves excluded from having sidecars.
func sidecarFor(name string) string {
	base := path.Base(name)
	if strings.HasPrefix(base, ".__") {
		return ""
	}
	fi, err := os.Stat(name)
	if err != nil {
		return path.Dir(name) + "/.__" + base + ".deadproperties.json"
	}
	if fi.IsDir() {
		return name + "/.__deadproperties.json"
	}
	return path.Dir(name) + "/.__" + base + ".deadproperties.json"
}

// DeadProps implements webdav.DeadPropsHolder by reading this resource's
// JSON sidecar file, if any.
func (f *DPFile) DeadProps() (map[xml.Name]webdav.Property, error) {
	out := make(map[xml.Name]webdav.Property)
	sidecar := sidecarFor(f.f.Name())
	if sidecar == "" {
		return out, nil
	}
	raw, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading dead properties for %s", f.f.Name())
	}
	var stored map[string]string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrapf(err, "parsing dead properties for %s", f.f.Name())
	}
	for k, v := range stored {
		name := xml.Name{Space: "DAV:", Local: k}
		if i := strings.IndexByte(k, ' '); i >= 0 {
			name = xml.Name{Space: k[:i], Local: k[i+1:]}
		}
		out[name] = webdav.Property{XMLName: name, InnerXML: []byte(v)}
	}
	return out, nil
}

// Patch implements webdav.DeadPropsHolder.Patch: all of patches apply, or
// none do, and the sidecar is only rewritten once every patch has been
// validated.
func (f *DPFile) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	current, err := f.DeadProps()
	if err != nil {
		return nil, err
	}
	pending := make(map[string]string, len(current))
	for k, v := range current {
		pending[sidecarKey(k)] = string(v.InnerXML)
	}

	pstat := webdav.Propstat{Status: 200}
	for _, patch := range patches {
		for _, p := range patch.Props {
			key := sidecarKey(p.XMLName)
			if patch.Remove {
				delete(pending, key)
			} else {
				pending[key] = string(p.InnerXML)
			}
			pstat.Props = append(pstat.Props, webdav.Property{XMLName: p.XMLName})
		}
	}

	sidecar := sidecarFor(f.f.Name())
	if sidecar == "" {
		return nil, errors.Wrap(webdav.ErrInvalidProppatch, "cannot patch a sidecar file")
	}
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(sidecar, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "writing dead properties for %s", f.f.Name())
	}
	return []webdav.Propstat{pstat}, nil
}

func sidecarKey(n xml.Name) string {
	if n.Space == "" || n.Space == "DAV:" {
		return n.Local
	}
	return n.Space + " " + n.Local
}

// FS implements webdav.FileSystem over a directory tree rooted at Root.
type FS struct {
	Root string

	// PermissionHandler authorizes one Action. A nil handler allows
	// everything, matching a single-tenant deployment with no access
	// control layered into the filesystem itself (the authz package's
	// AuthorizationFilter is the usual place for policy instead).
	PermissionHandler func(ctx context.Context, action Action) bool

	Logger *logrus.Entry
}

func (d *FS) allow(ctx context.Context, name string, allow webdav.Allow) bool {
	if d.PermissionHandler == nil {
		return true
	}
	ok := d.PermissionHandler(ctx, Action{Name: name, Allow: allow})
	if !ok && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{"name": name, "allow": allow}).Debug("fs: permission denied")
	}
	return ok
}

// Allow implements webdav.FileSystem.Allow.
func (d *FS) Allow(ctx context.Context, name string, allow webdav.Allow) bool {
	return d.allow(ctx, name, allow)
}

func (d *FS) resolve(name string) string {
	if filepath.Separator != '/' && strings.IndexRune(name, filepath.Separator) >= 0 ||
		strings.Contains(name, "\x00") {
		return ""
	}
	dir := d.Root
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filepath.FromSlash(webdav.SlashClean(name)))
}

func (d *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	resolved := d.resolve(name)
	if resolved == "" {
		return os.ErrNotExist
	}
	if !d.allow(ctx, name, webdav.AllowCreate) {
		return webdav.ErrNotAllowed
	}
	return os.Mkdir(resolved, perm)
}

func (d *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	resolved := d.resolve(name)
	if resolved == "" {
		return nil, os.ErrNotExist
	}
	_, statErr := os.Stat(resolved)
	if os.IsNotExist(statErr) {
		if flag&(os.O_CREATE|os.O_RDWR|os.O_WRONLY) != 0 && !d.allow(ctx, name, webdav.AllowCreate) {
			return nil, webdav.ErrNotAllowed
		}
	} else {
		if !d.allow(ctx, name, webdav.AllowRead) {
			return nil, os.ErrNotExist
		}
		if flag&(os.O_RDWR|os.O_WRONLY) != 0 && !d.allow(ctx, name, webdav.AllowWrite) {
			return nil, webdav.ErrNotAllowed
		}
	}
	f, err := os.OpenFile(resolved, flag, perm)
	if err != nil {
		return nil, err
	}
	return &DPFile{f: f, fs: d, ctx: ctx}, nil
}

func (d *FS) RemoveAll(ctx context.Context, name string) error {
	resolved := d.resolve(name)
	if resolved == "" {
		return os.ErrNotExist
	}
	if !d.allow(ctx, name, webdav.AllowDelete) {
		return webdav.ErrNotAllowed
	}
	if resolved == filepath.Clean(d.Root) {
		return os.ErrInvalid
	}
	return os.RemoveAll(resolved)
}

func (d *FS) Rename(ctx context.Context, oldName, newName string) error {
	oldResolved := d.resolve(oldName)
	if oldResolved == "" {
		return os.ErrNotExist
	}
	if !d.allow(ctx, oldName, webdav.AllowDelete) {
		return webdav.ErrNotAllowed
	}
	newResolved := d.resolve(newName)
	if newResolved == "" {
		return os.ErrNotExist
	}
	if !d.allow(ctx, newName, webdav.AllowCreate) {
		return webdav.ErrNotAllowed
	}
	if root := filepath.Clean(d.Root); root == oldResolved || root == newResolved {
		return os.ErrInvalid
	}
	return os.Rename(oldResolved, newResolved)
}

func (d *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	resolved := d.resolve(name)
	if resolved == "" {
		return nil, os.ErrNotExist
	}
	if !d.allow(ctx, name, webdav.AllowStat) {
		return nil, os.ErrNotExist
	}
	return os.Stat(resolved)
}
