// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package authz provides webdav.AuthorizationFilter implementations. The
// default, OPAFilter, evaluates a Rego policy document per resource through
// Open Policy Agent, generalizing the teacher's example wiring (per-request
// Basic Auth claims fed into a Rego module found by walking up a resource's
// ancestor directories) into the reusable §6 filter-chain shape.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredav/webdav/webdav"
)

// Claims is the per-principal attribute bag a policy module's input.claims
// is populated with. Groups mirrors an LDAP-style multi-valued attribute
// set; callers with a different identity provider can still use OPAFilter
// by writing Claims as JSON to <root>/<principal>/.__claims.json, the file
// FileSystemClaimsLookup reads.
type Claims struct {
	Groups map[string][]string `json:"groups"`
}

// Input is the document passed to the Rego query as rego.EvalInput.
type Input struct {
	Claims Claims       `json:"claims"`
	Action string       `json:"action"`
	Name   string       `json:"name"`
}

// emptyPolicy denies every action; it is used whenever no policy module can
// be found or the module fails to compile, so a missing or broken policy
// fails closed rather than open.
const emptyPolicy = `package policy

default allow = false
`

// OPAFilter is a webdav.AuthorizationFilter backed by per-directory Rego
// policy documents. A policy document for a resource is found by walking up
// from the resource toward PolicyRoot, looking for a file named
// PolicyFileName in each ancestor directory in turn - the same fallback
// chain the teacher's regoOf helper implements, generalized to be
// independent of any one FileSystem implementation.
type OPAFilter struct {
	// PolicyRoot bounds how far up the ancestor chain PolicyLookup is
	// asked to search.
	PolicyRoot string
	// PolicyLookup returns the raw Rego module text for an ancestor
	// directory (or the resource itself), and whether one was found.
	PolicyLookup func(dir string) (policy string, found bool)
	// ClaimsLookup returns the Claims for a principal id, as extracted
	// from the request by the caller's authentication middleware.
	ClaimsLookup func(ctx context.Context, principal string) Claims
	// PrincipalLookup extracts the calling principal from the request;
	// defaults to HTTP Basic Auth's username.
	PrincipalLookup func(r *http.Request) string

	Logger *logrus.Entry
}

// Allow implements webdav.AuthorizationFilter.
func (f *OPAFilter) Allow(ctx context.Context, r *http.Request, name string, allow webdav.Allow) bool {
	principal := ""
	if f.PrincipalLookup != nil {
		principal = f.PrincipalLookup(r)
	} else if u, _, ok := r.BasicAuth(); ok {
		principal = u
	}

	var claims Claims
	if f.ClaimsLookup != nil {
		claims = f.ClaimsLookup(ctx, principal)
	}

	policy := f.policyFor(name)
	decision, err := evalPolicy(ctx, policy, Input{Claims: claims, Action: string(allow), Name: name})
	if err != nil {
		if f.Logger != nil {
			f.Logger.WithError(err).WithField("name", name).Warn("authz: policy evaluation failed")
		}
		return false
	}
	return decision[string(allow)]
}

func (f *OPAFilter) policyFor(name string) string {
	if f.PolicyLookup == nil {
		return emptyPolicy
	}
	dir := name
	for {
		if policy, ok := f.PolicyLookup(dir); ok {
			return policy
		}
		if dir == "/" || dir == "." || dir == f.PolicyRoot {
			break
		}
		dir = path.Dir(dir)
	}
	return emptyPolicy
}

// evalPolicy runs a Rego "data.policy" query against input, generalizing
// the teacher's evalRego helper (same rego.New/Module/PrepareForEval/Eval
// pipeline) to a typed Input and a boolean-keyed decision map.
func evalPolicy(ctx context.Context, policy string, input Input) (map[string]bool, error) {
	compiler := rego.New(
		rego.Query("data.policy"),
		rego.Module("policy.rego", policy),
	)
	query, err := compiler.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compiling policy")
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, errors.Wrap(err, "evaluating policy")
	}
	if len(results) == 0 {
		return nil, errors.New("authz: policy produced no results")
	}
	raw, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, errors.New("authz: policy result was not an object")
	}
	decision := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			decision[k] = b
		}
	}
	return decision, nil
}

// FileSystemPolicyLookup returns a PolicyLookup that reads
// "<dir>/.__thisdir.rego" from the native filesystem rooted at root,
// matching the sidecar-file convention webdav/fs uses for dead properties.
func FileSystemPolicyLookup(root string) func(dir string) (string, bool) {
	return func(dir string) (string, bool) {
		p := path.Join(root, dir, ".__thisdir.rego")
		data, err := os.ReadFile(p)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// FileSystemClaimsLookup returns a ClaimsLookup that reads
// "<root>/<principal>/.__claims.json" from the native filesystem, matching
// the teacher's per-user claims file convention.
func FileSystemClaimsLookup(root string) func(ctx context.Context, principal string) Claims {
	return func(ctx context.Context, principal string) Claims {
		if principal == "" {
			return Claims{Groups: map[string][]string{}}
		}
		p := path.Join(root, principal, ".__claims.json")
		data, err := os.ReadFile(p)
		if err != nil {
			return Claims{Groups: map[string][]string{}}
		}
		var c Claims
		if err := json.Unmarshal(data, &c); err != nil {
			return Claims{Groups: map[string][]string{}}
		}
		return c
	}
}

// DumpJSON is a small debugging helper mirroring the teacher's AsJson,
// useful when logging a policy decision at debug level.
func DumpJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unmarshalable: %v>", err)
	}
	return string(b)
}
