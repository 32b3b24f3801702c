// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// WebDAV-specific HTTP status codes, from RFC 4918 and RFC 6585, plus their
// StatusText entries (net/http does not know these).
const (
	StatusMulti               = 207
	StatusUnprocessableEntity = 422
	StatusLocked              = 423
	StatusFailedDependency    = 424
	StatusInsufficientStorage = 507
)

func statusText(code int) string {
	switch code {
	case StatusMulti:
		return "Multi-Status"
	case StatusUnprocessableEntity:
		return "Unprocessable Entity"
	case StatusLocked:
		return "Locked"
	case StatusFailedDependency:
		return "Failed Dependency"
	case StatusInsufficientStorage:
		return "Insufficient Storage"
	default:
		return http.StatusText(code)
	}
}

// response is one <D:response> element of a multi-status body.
type response struct {
	XMLName              xml.Name   `xml:"D:response"`
	Href                 []string   `xml:"D:href"`
	Propstat             []propstat `xml:"D:propstat"`
	Status               string     `xml:"D:status,omitempty"`
	Error                string     `xml:"D:error,omitempty"`
	ResponseDescription  string     `xml:"D:responsedescription,omitempty"`
}

// propstat mirrors Propstat but carries its own MarshalXML (the "D:"
// prefix workaround below), so its struct tags are descriptive only.
type propstat struct {
	Prop                 []Property
	Status               string
	Error                string
	ResponseDescription  string
}

// MarshalXML marshals a propstat with a "D:" prefix on every DAV: property
// name, and no prefix at all on non-DAV: names. Some old WebDAV clients
// (notably Windows' Mini-Redirector) fail to parse a default-namespaced
// DAV: element inside a document whose root declares "D:" as the prefix for
// DAV:, so every element emitted here forces the same prefix the root uses
// rather than relying on Go's encoding/xml namespace inference. This is the
// one piece of this package that exists purely for client compatibility and
// is kept even though it has no bearing on RFC 4918 conformance.
func (ps propstat) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	type prop struct {
		XMLName xml.Name
		Lang    string `xml:"xml:lang,attr,omitempty"`
		InnerXML []byte `xml:",innerxml"`
	}
	var p struct {
		XMLName              xml.Name `xml:"D:propstat"`
		Prop                 []prop   `xml:"D:prop"`
		Status               string   `xml:"D:status"`
		Error                string   `xml:"D:error,omitempty"`
		ResponseDescription  string   `xml:"D:responsedescription,omitempty"`
	}
	p.Status = ps.Status
	p.Error = ps.Error
	p.ResponseDescription = ps.ResponseDescription
	for _, prp := range ps.Prop {
		name := prp.XMLName
		if name.Space == "DAV:" {
			name = xml.Name{Space: "", Local: "D:" + name.Local}
		}
		p.Prop = append(p.Prop, prop{XMLName: name, Lang: prp.Lang, InnerXML: prp.InnerXML})
	}
	return e.EncodeElement(p, start)
}

func makeStatus(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, statusText(code))
}

// multistatusWriter emits a streaming 207 Multi-Status response: the first
// call to write flushes the opening <D:multistatus> tag and HTTP status
// line, each subsequent call flushes one <D:response> element, and close
// flushes the closing tag. This lets a PROPFIND/resource-traversal over a
// large tree start delivering output before the traversal finishes (§9
// streaming guidance), rather than buffering the whole response in memory.
type multistatusWriter struct {
	responseDescription string
	w                    http.ResponseWriter
	enc                  *xml.Encoder
	wroteHeader          bool
}

func (w *multistatusWriter) writeHeader() error {
	w.w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.w.WriteHeader(StatusMulti)
	_, err := fmt.Fprintf(w.w, `<?xml version="1.0" encoding="UTF-8"?>`)
	if err != nil {
		return err
	}
	w.enc = xml.NewEncoder(w.w)
	return w.enc.EncodeToken(xml.StartElement{
		Name: xml.Name{Space: "", Local: "D:multistatus"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns:D"}, Value: "DAV:"}},
	})
}

func (w *multistatusWriter) write(r response) error {
	if !w.wroteHeader {
		w.wroteHeader = true
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	if w.enc == nil {
		return errors.Wrap(ErrInvalidResponse, "write called after close")
	}
	if len(r.Href) == 0 {
		return errors.Wrap(ErrInvalidResponse, "response with no href")
	}
	return w.enc.Encode(r)
}

// close finishes the response. If no response was ever written, it still
// emits a valid (empty) multistatus document so the Handler always returns
// well-formed XML on the PROPFIND/PROPPATCH success path.
func (w *multistatusWriter) close() error {
	if !w.wroteHeader {
		w.wroteHeader = true
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	if w.enc == nil {
		return errors.Wrap(ErrInvalidResponse, "close called twice")
	}
	err := w.enc.EncodeToken(xml.EndElement{Name: xml.Name{Space: "", Local: "D:multistatus"}})
	if err != nil {
		return err
	}
	err = w.enc.Flush()
	w.enc = nil
	return err
}
