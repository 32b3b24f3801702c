// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Property is the wire representation of one property's name, language and
// content, as it appears inside a <D:prop> element of a PROPFIND response
// or a PROPPATCH request.
type Property struct {
	XMLName xml.Name
	Lang    string `xml:"xml:lang,attr,omitempty"`
	// InnerXML holds the property's content as it should appear between
	// its start and end tag: a PropertyValue's InnerXML(), verbatim.
	InnerXML []byte `xml:",innerxml"`
}

// Propstat groups the properties sharing one HTTP status within a single
// <D:response>.
type Propstat struct {
	Props                []Property
	Status               int
	XMLError             string
	ResponseDescription  string
}

// makePropstats returns the non-empty Propstats among x and y, or a single
// 200 OK Propstat if both are empty (SAMkenX-Hub-Community reference
// x/net/webdav behavior).
func makePropstats(pstats ...Propstat) []Propstat {
	out := make([]Propstat, 0, len(pstats))
	for _, p := range pstats {
		if len(p.Props) != 0 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []Propstat{{Status: http.StatusOK}}
	}
	return out
}

// Proppatch describes a property update instruction: either set Props to
// the given values, or remove them (in which case each Property must carry
// only a name).
type Proppatch struct {
	Remove bool
	Props  []Property
}

// DeadPropsHolder is implemented by a File that can load and store
// arbitrary client-defined ("dead") properties alongside its content. The
// default webdav/fs backend persists these as a JSON sidecar; any storage
// that can hold a map keyed by qualified name will do.
type DeadPropsHolder interface {
	// DeadProps returns the dead properties currently set on the
	// resource. Returning a nil map is equivalent to returning an empty
	// one.
	DeadProps() (map[xml.Name]Property, error)

	// Patch applies patches atomically: either all of them succeed and
	// the returned Propstats all report 200, or none of them are applied
	// and the response explains why (§4.4, PROPPATCH transactionality).
	Patch(patches []Proppatch) ([]Propstat, error)
}

// PropertySystem answers PROPFIND and PROPPATCH queries against a named
// resource, combining live (computed) properties with dead (stored)
// properties. It is the C3 component of the engine.
type PropertySystem interface {
	// Find returns the status of the properties named pnames.
	Find(ctx context.Context, name string, pnames []xml.Name) ([]Propstat, error)
	// Propnames returns every property name defined for the resource.
	Propnames(ctx context.Context, name string) ([]xml.Name, error)
	// Allprop returns every property defined for the resource, plus any
	// of include not already among them (RFC 4918 §9.1).
	Allprop(ctx context.Context, name string, include []xml.Name) ([]Propstat, error)
	// Patch performs a PROPPATCH against the resource.
	Patch(ctx context.Context, name string, patches []Proppatch) ([]Propstat, error)
}

type liveProp struct {
	findFn func(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error)
	// dir reports whether the property applies to collections.
	dir bool
	// hidden properties (lockdiscovery, supportedlock) are computed by the
	// Handler, not the property system, but must still be named by
	// Propnames/Allprop so PROPFIND "allprop" responses list them.
	hidden bool
}

var liveProps = map[xml.Name]liveProp{
	{Space: "DAV:", Local: "resourcetype"}:     {findFn: findResourceType, dir: true},
	{Space: "DAV:", Local: "displayname"}:      {findFn: findDisplayName, dir: true},
	{Space: "DAV:", Local: "getcontentlength"}: {findFn: findContentLength, dir: false},
	{Space: "DAV:", Local: "getlastmodified"}:  {findFn: findLastModified, dir: true},
	{Space: "DAV:", Local: "getcontenttype"}:   {findFn: findContentType, dir: false},
	{Space: "DAV:", Local: "getetag"}:          {findFn: findETag, dir: false},
	{Space: "DAV:", Local: "creationdate"}:     {findFn: nil, dir: false},
	{Space: "DAV:", Local: "getcontentlanguage"}: {findFn: nil, dir: false},
	{Space: "DAV:", Local: "lockdiscovery"}:      {hidden: true, dir: true},
	{Space: "DAV:", Local: "supportedlock"}:      {hidden: true, dir: true},
}

func findResourceType(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	if fi.IsDir() {
		return `<D:collection xmlns:D="DAV:"/>`, nil
	}
	return "", nil
}

func findDisplayName(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	if slashClean := SlashClean(name); slashClean == "/" {
		return "", nil
	}
	return escapeXMLText(fi.Name()), nil
}

func findContentLength(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	return strconv.FormatInt(fi.Size(), 10), nil
}

func findLastModified(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	return formatHTTPDate(fi.ModTime()), nil
}

func findContentType(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	return "application/octet-stream", nil
}

func findETag(fs FileSystem, ctx context.Context, name string, fi os.FileInfo) (string, error) {
	if fi.IsDir() {
		return "", nil
	}
	return string(computeETag(fi)), nil
}

// memPropertySystem is the in-memory PropertySystem default: live properties
// are computed from FileSystem.Stat/OpenFile, and dead properties are
// delegated to the File's DeadPropsHolder when the opened File implements
// it, matching golang.org/x/net/webdav's memPS adapted to this package's
// context-carrying FileSystem.
type memPropertySystem struct {
	fs FileSystem
}

// NewPropertySystem returns the default PropertySystem, layering live
// properties over whatever dead properties a FileSystem's Files expose via
// DeadPropsHolder.
func NewPropertySystem(fs FileSystem) PropertySystem {
	return &memPropertySystem{fs: fs}
}

func (ps *memPropertySystem) stat(ctx context.Context, name string) (os.FileInfo, error) {
	return ps.fs.Stat(ctx, name)
}

func (ps *memPropertySystem) deadProps(ctx context.Context, name string) (map[xml.Name]Property, File, error) {
	f, err := ps.fs.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, err
	}
	dp, err := f.DeadProps()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return dp, f, nil
}

func (ps *memPropertySystem) Find(ctx context.Context, name string, pnames []xml.Name) ([]Propstat, error) {
	fi, err := ps.stat(ctx, name)
	if err != nil {
		return nil, err
	}
	dead, f, err := ps.deadProps(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pstatOK := Propstat{Status: http.StatusOK}
	pstatNotFound := Propstat{Status: http.StatusNotFound}
	for _, pn := range pnames {
		if lp, ok := liveProps[pn]; ok && lp.findFn != nil && (lp.dir || !fi.IsDir()) {
			innerXML, err := lp.findFn(ps.fs, ctx, name, fi)
			if err != nil {
				return nil, errors.Wrapf(err, "computing live property %v", pn)
			}
			pstatOK.Props = append(pstatOK.Props, Property{XMLName: pn, InnerXML: []byte(innerXML)})
			continue
		}
		if p, ok := dead[pn]; ok {
			pstatOK.Props = append(pstatOK.Props, p)
			continue
		}
		pstatNotFound.Props = append(pstatNotFound.Props, Property{XMLName: pn})
	}
	return makePropstats(pstatOK, pstatNotFound), nil
}

func (ps *memPropertySystem) Propnames(ctx context.Context, name string) ([]xml.Name, error) {
	fi, err := ps.stat(ctx, name)
	if err != nil {
		return nil, err
	}
	dead, f, err := ps.deadProps(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []xml.Name
	for pn, lp := range liveProps {
		if (lp.findFn != nil || lp.hidden) && (lp.dir || !fi.IsDir()) {
			names = append(names, pn)
		}
	}
	for pn := range dead {
		names = append(names, pn)
	}
	return names, nil
}

func (ps *memPropertySystem) Allprop(ctx context.Context, name string, include []xml.Name) ([]Propstat, error) {
	pnames, err := ps.Propnames(ctx, name)
	if err != nil {
		return nil, err
	}
	have := make(map[xml.Name]bool, len(pnames))
	for _, pn := range pnames {
		have[pn] = true
	}
	for _, pn := range include {
		if !have[pn] {
			pnames = append(pnames, pn)
			have[pn] = true
		}
	}
	return ps.Find(ctx, name, pnames)
}

func (ps *memPropertySystem) Patch(ctx context.Context, name string, patches []Proppatch) ([]Propstat, error) {
	_, f, err := ps.deadProps(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Reject any patch that targets a protected live property before
	// delegating to the File: RFC 4918 §9.2.1, "cannot-modify-protected-
	// property". The whole PROPPATCH fails atomically (T5).
	pstatForbidden := Propstat{Status: http.StatusForbidden, XMLError: "<D:cannot-modify-protected-property xmlns:D=\"DAV:\"/>"}
	pstatFailedDep := Propstat{Status: StatusFailedDependency}
	var blocked bool
	for _, patch := range patches {
		for _, p := range patch.Props {
			if lp, ok := liveProps[p.XMLName]; ok && (lp.findFn != nil || lp.hidden) {
				blocked = true
				pstatForbidden.Props = append(pstatForbidden.Props, Property{XMLName: p.XMLName})
			}
		}
	}
	if blocked {
		for _, patch := range patches {
			for _, p := range patch.Props {
				if _, ok := liveProps[p.XMLName]; !ok {
					pstatFailedDep.Props = append(pstatFailedDep.Props, Property{XMLName: p.XMLName})
				}
			}
		}
		return makePropstats(pstatForbidden, pstatFailedDep), nil
	}
	return f.Patch(patches)
}

// --- PROPFIND/PROPPATCH request body parsing -------------------------------

// propfindProps is a list of property names requested by a PROPFIND "prop"
// element.
type propfindProps []xml.Name

func (pn *propfindProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := skipNonElementTokens(d)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end == start.End() {
				break
			}
			continue
		}
		if s, ok := tok.(xml.StartElement); ok {
			name := s.Name
			if err := d.Skip(); err != nil {
				return err
			}
			*pn = append(*pn, name)
		}
	}
	return nil
}

// propfind is the parsed body of a PROPFIND request.
type propfind struct {
	XMLName  xml.Name      `xml:"DAV: propfind"`
	Allprop  *struct{}     `xml:"DAV: allprop"`
	Propname *struct{}     `xml:"DAV: propname"`
	Prop     propfindProps `xml:"DAV: prop"`
	Include  propfindProps `xml:"DAV: include"`
}

// readPropfind parses the body of a PROPFIND request. An empty body, per
// RFC 4918 §9.1, means "allprop".
func readPropfind(r io.Reader) (pf propfind, status int, err error) {
	c := countingReader{r: r}
	if err = xml.NewDecoder(&c).Decode(&pf); err != nil {
		if err == io.EOF && c.n == 0 {
			return propfind{Allprop: new(struct{})}, 0, nil
		}
		return propfind{}, http.StatusBadRequest, errors.Wrap(err, "parsing propfind body")
	}

	if pf.Allprop == nil && pf.Propname == nil && pf.Prop == nil {
		return propfind{}, http.StatusBadRequest, errors.Wrap(ErrInvalidPropfind, "no allprop, propname or prop element")
	}
	if pf.Allprop == nil && pf.Include != nil {
		return propfind{}, http.StatusBadRequest, errors.Wrap(ErrInvalidPropfind, "include without allprop")
	}
	if pf.Prop != nil && pf.Propname != nil {
		return propfind{}, http.StatusBadRequest, errors.Wrap(ErrInvalidPropfind, "propname and prop both set")
	}
	if pf.Prop != nil && pf.Allprop != nil {
		return propfind{}, http.StatusBadRequest, errors.Wrap(ErrInvalidPropfind, "allprop and prop both set")
	}
	if pf.Propname != nil && pf.Allprop != nil {
		return propfind{}, http.StatusBadRequest, errors.Wrap(ErrInvalidPropfind, "allprop and propname both set")
	}
	return pf, 0, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// setRemove is one DAV:set or DAV:remove element inside a propertyupdate.
type setRemove struct {
	XMLName xml.Name
	Prop    struct {
		Property []Property `xml:",any"`
	} `xml:"DAV: prop"`
}

// proppatchProps wraps Property so that, instead of requiring exactly
// xml:"DAV: prop", it accepts any descendant elements and records xml:lang,
// mirroring the upstream proppatchProps technique.
type proppatchProps []Property

func (ps *proppatchProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	lang := xmlLang(start, "")
	for {
		tok, err := skipNonElementTokens(d)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end == start.End() {
				break
			}
			continue
		}
		s, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		p := Property{XMLName: s.Name, Lang: xmlLang(s, lang)}
		var frag xmlFragment
		if err := d.DecodeElement(&frag, &s); err != nil {
			return err
		}
		p.InnerXML = frag.inner
		*ps = append(*ps, p)
	}
	return nil
}

func xmlLang(s xml.StartElement, d string) string {
	for _, a := range s.Attr {
		// encoding/xml reports the reserved "xml" prefix as its namespace URI.
		if (a.Name.Space == "xml" || a.Name.Space == "http://www.w3.org/XML/1998/namespace") && a.Name.Local == "lang" {
			return a.Value
		}
	}
	return d
}

type propertyupdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	SetRemove []struct {
		XMLName xml.Name
		Prop    proppatchProps `xml:"DAV: prop"`
	} `xml:",any"`
}

// readProppatch parses the body of a PROPPATCH request, preserving document
// order across interleaved <set>/<remove> elements (RFC 4918 §9.2 does not
// guarantee order-independence, and some clients rely on it).
func readProppatch(r io.Reader) ([]Proppatch, error) {
	var pu propertyupdate
	if err := xml.NewDecoder(r).Decode(&pu); err != nil {
		return nil, errors.Wrap(err, "parsing proppatch body")
	}
	var patches []Proppatch
	for _, op := range pu.SetRemove {
		switch op.XMLName {
		case xml.Name{Space: "DAV:", Local: "set"}:
			patches = append(patches, Proppatch{Props: []Property(op.Prop)})
		case xml.Name{Space: "DAV:", Local: "remove"}:
			for _, p := range op.Prop {
				if len(p.InnerXML) != 0 {
					return nil, errors.Wrap(ErrInvalidProppatch, "remove with non-empty content")
				}
			}
			patches = append(patches, Proppatch{Remove: true, Props: []Property(op.Prop)})
		}
	}
	return patches, nil
}
