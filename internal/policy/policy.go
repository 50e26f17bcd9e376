// Package policy implements the bucket policy engine (§4.F): parsing a JSON
// IAM-style policy document and evaluating it against a request's
// (principal, action, resource) triple with deny-overrides-allow semantics.
package policy

import (
	"encoding/json"
	"fmt"
)

// Effect is a statement's Allow or Deny verdict.
type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// Document is a parsed bucket policy document.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is one policy statement. Condition is parsed but ignored by
// Evaluate, per §4.F: "Conditions are parsed but MAY be ignored in the
// minimal core."
type Statement struct {
	Sid       string          `json:"Sid,omitempty"`
	Effect    Effect          `json:"Effect"`
	Principal Principal       `json:"Principal"`
	Action    StringSet       `json:"Action"`
	Resource  StringSet       `json:"Resource"`
	Condition json.RawMessage `json:"Condition,omitempty"`
}

// Principal matches either the wildcard "*" or an explicit set of
// principal identifiers under {"AWS": ...}.
type Principal struct {
	Any bool
	AWS StringSet
}

// UnmarshalJSON accepts either the bare string "*" or {"AWS": "id"|["id",...]}.
func (p *Principal) UnmarshalJSON(b []byte) error {
	var wildcard string
	if err := json.Unmarshal(b, &wildcard); err == nil {
		p.Any = wildcard == "*"
		return nil
	}
	var obj struct {
		AWS StringSet `json:"AWS"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("policy: invalid Principal: %w", err)
	}
	p.AWS = obj.AWS
	return nil
}

// Matches reports whether principalID satisfies this Principal.
func (p Principal) Matches(principalID string) bool {
	if p.Any {
		return true
	}
	return p.AWS.MatchesAny(principalID)
}

// StringSet holds either a single JSON string or an array of strings, the
// shape IAM-style Action/Resource fields take.
type StringSet []string

func (s *StringSet) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = StringSet{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(b, &multi); err != nil {
		return fmt.Errorf("policy: expected string or array of strings: %w", err)
	}
	*s = StringSet(multi)
	return nil
}

// MatchesAny reports whether v matches any pattern in the set, using
// S3-policy wildcard semantics ('*' and '?').
func (s StringSet) MatchesAny(v string) bool {
	for _, pattern := range s {
		if globMatch(pattern, v) {
			return true
		}
	}
	return false
}

// Parse parses a bucket policy document. Callers should treat a parse
// failure the same as MalformedPolicy on PutBucketPolicy.
func Parse(doc []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("policy: parsing document: %w", err)
	}
	return &d, nil
}

// Evaluate implements §4.F's evaluation order for a single request: collect
// every statement whose Principal/Action/Resource all match, and return
// Deny if any matching statement is Deny, else Allow if any is Allow, else
// the default-deny zero value. Evaluate does not special-case the root
// owner — that bypass happens one level up, before Evaluate is even called.
func Evaluate(doc *Document, principal, action, resourceARN string) Effect {
	matchedAllow := false
	for _, st := range doc.Statement {
		if !st.Principal.Matches(principal) {
			continue
		}
		if !st.Action.MatchesAny(action) {
			continue
		}
		if !st.Resource.MatchesAny(resourceARN) {
			continue
		}
		if st.Effect == Deny {
			return Deny
		}
		if st.Effect == Allow {
			matchedAllow = true
		}
	}
	if matchedAllow {
		return Allow
	}
	return ""
}

// globMatch reports whether s matches pattern, where '*' matches any run of
// characters (including none) and '?' matches exactly one. No regexp: this
// runs on the request path for every non-owner request.
func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(pattern, s []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive '*' and try every possible split point.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchRunes(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}
