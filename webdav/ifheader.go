// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"strings"

	"github.com/pkg/errors"
)

// ifList is one "(" ... ")" ... "(" ... ")" clause of the If header: a
// sequence of conditions, each possibly negated, implicitly ANDed together
// (RFC 4918 §10.4). A list matches a resource if every one of its
// conditions matches (E1); a clause with a single condition degenerates to
// that condition's truth value.
type ifList struct {
	conditions []Condition
}

func (l ifList) matches(tokens map[string]bool, etag string, etagEqual func(a, b string) bool) bool {
	for _, c := range l.conditions {
		var ok bool
		switch {
		case c.Token != "":
			ok = tokens[c.Token]
		case c.ETag != "":
			ok = etagEqual(c.ETag, etag)
		default:
			// An empty condition (malformed) never matches.
			ok = false
		}
		if c.Not {
			ok = !ok
		}
		if !ok {
			return false
		}
	}
	return len(l.conditions) > 0
}

// ifHeader is a parsed RFC 4918 §10.4 If header. It is either "untagged"
// (no Coded-URL prefixes: the lists apply to the Request-URI) or "tagged"
// (every list is prefixed with a resource tag that it applies to).
type ifHeader struct {
	isTagged bool
	lists    map[string][]ifList // resource tag ("" for untagged) -> lists
}

// allTokens returns every lock token mentioned anywhere in the header,
// tagged or not, regardless of Not. The Handler uses this to know which
// locks a request is even attempting to submit, for resources the header
// does not otherwise name (E3/E4 fallback: a request with no explicit If
// entry for a locked resource must still be allowed to submit that
// resource's token via some other tagged list, per common client practice;
// where the grammar is strict about this, parse still succeeds and
// matching enforces strictness).
func (h ifHeader) allTokens() map[string]bool {
	out := make(map[string]bool)
	for _, lists := range h.lists {
		for _, l := range lists {
			for _, c := range l.conditions {
				if c.Token != "" {
					out[c.Token] = true
				}
			}
		}
	}
	return out
}

// listsFor returns the lists that apply to a request against resource tag
// (an absolute or relative URL as it appeared in the header, or "" for the
// Request-URI of an untagged header).
func (h ifHeader) listsFor(tag string) []ifList {
	if !h.isTagged {
		return h.lists[""]
	}
	return h.lists[tag]
}

// matches reports whether the header permits the request against the
// resource identified by tag, given the lock tokens currently held by the
// caller (i.e. submitted and confirmed as valid by the lock manager) and
// the resource's current ETag. A tagged header with no list for tag always
// matches (RFC 4918 §10.4.1 note: If applies only where it has lists).
func (h ifHeader) matches(tag string, tokens map[string]bool, etag string, etagEqual func(a, b string) bool) bool {
	lists := h.listsFor(tag)
	if len(lists) == 0 {
		return true
	}
	for _, l := range lists {
		if l.matches(tokens, etag, etagEqual) {
			return true
		}
	}
	return false
}

// parseIfHeader parses the value of an If header per RFC 4918 §10.4's
// augmented BNF:
//
//	If = "If" ":" ( 1*No-tag-list | 1*Tagged-list )
//	No-tag-list = List
//	Tagged-list = Resource-tag 1*List
//	List = "(" 1*Condition ")"
//	Condition = ["Not"] (State-token | "[" entity-tag "]")
//	Resource-tag = "<" Simple-ref ">"
//	State-token = Coded-URL
//
// It accepts the common relaxations real clients rely on: case-insensitive
// "Not"/"not", and optional whitespace throughout.
func parseIfHeader(s string) (ifHeader, error) {
	h := ifHeader{lists: make(map[string][]ifList)}
	tag := ""
	p := ifParser{s: s}
	p.skipSpace()
	if p.s == "" {
		return ifHeader{}, errors.Wrap(ErrInvalidIfHeader, "empty If header")
	}
	for p.s != "" {
		p.skipSpace()
		if p.s == "" {
			break
		}
		if strings.HasPrefix(p.s, "<") {
			h.isTagged = true
			ref, err := p.consumeUntil('>')
			if err != nil {
				return ifHeader{}, err
			}
			tag = ref
			p.skipSpace()
		}
		if !strings.HasPrefix(p.s, "(") {
			return ifHeader{}, errors.Wrapf(ErrInvalidIfHeader, "expected '(' at %q", p.s)
		}
		list, err := p.parseList()
		if err != nil {
			return ifHeader{}, err
		}
		h.lists[tag] = append(h.lists[tag], list)
		p.skipSpace()
	}
	return h, nil
}

type ifParser struct {
	s string
}

func (p *ifParser) skipSpace() {
	p.s = strings.TrimLeft(p.s, " \t")
}

func (p *ifParser) consumeUntil(end byte) (string, error) {
	i := strings.IndexByte(p.s, end)
	if i < 0 {
		return "", errors.Wrap(ErrInvalidIfHeader, "unterminated token")
	}
	// skip the opening delimiter that the caller has already matched
	out := p.s[1:i]
	p.s = p.s[i+1:]
	return out, nil
}

func (p *ifParser) parseList() (ifList, error) {
	// p.s[0] == '('
	p.s = p.s[1:]
	var list ifList
	for {
		p.skipSpace()
		if p.s == "" {
			return ifList{}, errors.Wrap(ErrInvalidIfHeader, "unterminated list")
		}
		if p.s[0] == ')' {
			p.s = p.s[1:]
			return list, nil
		}
		c, err := p.parseCondition()
		if err != nil {
			return ifList{}, err
		}
		list.conditions = append(list.conditions, c)
	}
}

func (p *ifParser) parseCondition() (Condition, error) {
	var c Condition
	p.skipSpace()
	if hasFoldPrefix(p.s, "not") && (len(p.s) == 3 || isIfDelim(p.s[3])) {
		c.Not = true
		p.s = strings.TrimLeft(p.s[3:], " \t")
	}
	switch {
	case strings.HasPrefix(p.s, "["):
		etag, err := p.consumeUntil(']')
		if err != nil {
			return Condition{}, err
		}
		c.ETag = strings.Trim(etag, `"`)
		if !strings.Contains(etag, `"`) {
			// allow bare-quoted entity-tag per the ABNF's entity-tag production
			c.ETag = etag
		}
	case strings.HasPrefix(p.s, "<"):
		token, err := p.consumeUntil('>')
		if err != nil {
			return Condition{}, err
		}
		c.Token = token
	default:
		return Condition{}, errors.Wrapf(ErrInvalidIfHeader, "expected State-token or entity-tag at %q", p.s)
	}
	return c, nil
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isIfDelim(b byte) bool {
	return b == ' ' || b == '\t' || b == '<' || b == '['
}
