// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ValueKind discriminates the variants of a PropertyValue.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindBool
	KindInt
	KindFloat
	KindDateTime
	KindDate
	KindDuration
	KindURI
	KindBytes
	KindQName
	// KindOpaque holds a value whose content is not one of the recognized
	// XSD-ish scalars: an arbitrary XML fragment, preserved byte-for-byte
	// (including namespace declarations on descendant elements), the way a
	// dead property round-trips through PROPPATCH and PROPFIND untouched.
	KindOpaque
)

// PropertyValue is a tagged variant for typed property values (§3).
// InnerXML chooses the XSD-ish representation for the known scalar kinds
// and falls back to verbatim inner-XML for KindOpaque. The property engine
// does not store PropertyValues: Property carries the raw inner XML, and
// there is no parser from XML back to a PropertyValue.
type PropertyValue struct {
	Kind ValueKind

	Str      string
	Bool     bool
	Int      int64
	Float    float64
	Time     time.Time // DateTime and Date
	Duration time.Duration
	URI      string
	Bytes    []byte
	QName    xml.Name

	// Lang is the xml:lang attribute, if any, carried on the property
	// element itself.
	Lang string

	// innerXML holds the raw bytes for KindOpaque, as passed to
	// OpaqueValue. Callers pass bytes that are already namespace-safe, such
	// as those xmlFragment.UnmarshalXML below produces by re-declaring
	// ancestor namespaces at parse time, mirroring the technique the
	// reference x/net/webdav implementation uses to survive Go's XML
	// decoder dropping ancestor xmlns declarations.
	innerXML []byte
}

// NullValue, StringValue, ... are convenience constructors.
func NullValue() PropertyValue                { return PropertyValue{Kind: KindNull} }
func StringValue(s string) PropertyValue      { return PropertyValue{Kind: KindString, Str: s} }
func BoolValue(b bool) PropertyValue          { return PropertyValue{Kind: KindBool, Bool: b} }
func IntValue(i int64) PropertyValue          { return PropertyValue{Kind: KindInt, Int: i} }
func FloatValue(f float64) PropertyValue      { return PropertyValue{Kind: KindFloat, Float: f} }
func DateTimeValue(t time.Time) PropertyValue { return PropertyValue{Kind: KindDateTime, Time: t} }
func DateValue(t time.Time) PropertyValue     { return PropertyValue{Kind: KindDate, Time: t} }
func DurationValue(d time.Duration) PropertyValue {
	return PropertyValue{Kind: KindDuration, Duration: d}
}
func URIValue(u string) PropertyValue     { return PropertyValue{Kind: KindURI, URI: u} }
func BytesValue(b []byte) PropertyValue   { return PropertyValue{Kind: KindBytes, Bytes: b} }
func QNameValue(n xml.Name) PropertyValue { return PropertyValue{Kind: KindQName, QName: n} }
func OpaqueValue(innerXML []byte) PropertyValue {
	return PropertyValue{Kind: KindOpaque, innerXML: innerXML}
}

// InnerXML renders the value's content as the bytes that belong inside its
// owning <D:prop> element, e.g. for splicing into a propstat response.
func (v PropertyValue) InnerXML() []byte {
	switch v.Kind {
	case KindNull:
		return nil
	case KindString:
		return []byte(escapeXMLText(v.Str))
	case KindBool:
		return []byte(strconv.FormatBool(v.Bool))
	case KindInt:
		return []byte(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		return []byte(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindDateTime:
		return []byte(v.Time.UTC().Format(time.RFC3339))
	case KindDate:
		return []byte(v.Time.UTC().Format("2006-01-02"))
	case KindDuration:
		return []byte(formatISO8601Duration(v.Duration))
	case KindURI:
		return []byte(escapeXMLText(v.URI))
	case KindBytes:
		return []byte(fmt.Sprintf("%x", v.Bytes))
	case KindQName:
		return []byte(escapeXMLText(v.QName.Space + ":" + v.QName.Local))
	case KindOpaque:
		return v.innerXML
	default:
		return nil
	}
}

func escapeXMLText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// formatISO8601Duration renders d as an xsd:duration, e.g. "PT1H30M".
func formatISO8601Duration(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}
	neg := d < 0
	if neg {
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d.Seconds() - float64(m)*0 // seconds remainder, fractional
	_ = s
	secs := d.Seconds()
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if secs > 0 || (h == 0 && m == 0) {
		if secs == float64(int64(secs)) {
			fmt.Fprintf(&b, "%dS", int64(secs))
		} else {
			fmt.Fprintf(&b, "%gS", secs)
		}
	}
	return b.String()
}

// xmlFragment decodes the remainder of an XML element as a verbatim,
// namespace-safe byte stream. Go's encoding/xml decoder does not preserve
// ancestor xmlns declarations when re-serializing a subtree it already
// tokenized, so each token is re-encoded through a fresh xml.Encoder whose
// only job is to force the namespace declarations back in; this is the
// round-trip technique the reference WebDAV XML handling in this package's
// lineage relies on to keep dead-property content byte-identical across a
// PROPPATCH/PROPFIND cycle.
type xmlFragment struct {
	inner []byte
}

func (f *xmlFragment) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if end, ok := tok.(xml.EndElement); ok && end == start.End() {
			break
		}
		if err := enc.EncodeToken(tok); err != nil {
			return err
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	f.inner = buf.Bytes()
	return nil
}

// skipNonElementTokens advances d past Comment, Directive and ProcInst
// tokens, returning the next StartElement/EndElement/CharData token. This
// mirrors the reference decoder's tolerance of non-element XML noise
// wherever it expects content.
func skipNonElementTokens(d *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		switch tok.(type) {
		case xml.Comment, xml.Directive, xml.ProcInst:
			continue
		}
		return tok, nil
	}
}
