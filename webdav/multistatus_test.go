// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"encoding/xml"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultistatusWriterStreamsResponses(t *testing.T) {
	w := httptest.NewRecorder()
	mw := &multistatusWriter{w: w}

	err := mw.write(response{
		Href: []string{"/a"},
		Propstat: []propstat{{
			Prop:   []Property{{XMLName: xml.Name{Space: "DAV:", Local: "displayname"}, InnerXML: []byte("a")}},
			Status: makeStatus(200),
		}},
	})
	require.NoError(t, err)
	require.NoError(t, mw.close())

	assert.Equal(t, StatusMulti, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<D:multistatus")
	assert.Contains(t, body, "xmlns:D=\"DAV:\"")
	assert.Contains(t, body, "<D:href>/a</D:href>")
	assert.Contains(t, body, "<D:displayname>a</D:displayname>")
	assert.Contains(t, body, "</D:multistatus>")
}

func TestMultistatusWriterEmptyBodyStillWellFormed(t *testing.T) {
	w := httptest.NewRecorder()
	mw := &multistatusWriter{w: w}
	require.NoError(t, mw.close())
	assert.Contains(t, w.Body.String(), "<D:multistatus")
	assert.Contains(t, w.Body.String(), "</D:multistatus>")
}

func TestMultistatusWriteRejectsEmptyHref(t *testing.T) {
	w := httptest.NewRecorder()
	mw := &multistatusWriter{w: w}
	err := mw.write(response{})
	assert.Error(t, err)
}

func TestMakeStatus(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 207 Multi-Status", makeStatus(StatusMulti))
	assert.Equal(t, "HTTP/1.1 423 Locked", makeStatus(StatusLocked))
}

func TestPropstatMarshalPrefixesDAVNamespace(t *testing.T) {
	ps := propstat{
		Prop: []Property{
			{XMLName: xml.Name{Space: "DAV:", Local: "getetag"}, InnerXML: []byte(`"abc"`)},
			{XMLName: xml.Name{Space: "custom:", Local: "color"}, InnerXML: []byte("red")},
		},
		Status: makeStatus(200),
	}
	out, err := xml.Marshal(ps)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "<D:getetag>")
	assert.Contains(t, s, ">red</color>")
	assert.NotContains(t, s, "<D:color>")
}
