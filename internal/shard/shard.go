// Package shard resolves dataset shard URL patterns into literal URIs.
//
// A pattern may contain at most one brace range of the form {A..B} with
// non-negative integer bounds, e.g.
//
//	https://bucket/data/train-{1..128}.jsonl
//
// which expands to 128 literal URIs. Expansion is pure; no network access
// happens here.
package shard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPattern reports a malformed shard URL pattern. It is returned before
// any I/O is attempted.
var ErrPattern = errors.New("invalid shard pattern")

// Spec describes one split's data sources. Immutable once resolved.
type Spec struct {
	Split     string
	Patterns  []string
	Tokenizer string
}

// Resolve expands every pattern into its literal URIs, in pattern order and
// ascending range order within a pattern.
func (s Spec) Resolve() ([]string, error) {
	if len(s.Patterns) == 0 {
		return nil, fmt.Errorf("%w: split %q has no url patterns", ErrPattern, s.Split)
	}
	var uris []string
	for _, p := range s.Patterns {
		expanded, err := Expand(p)
		if err != nil {
			return nil, err
		}
		uris = append(uris, expanded...)
	}
	return uris, nil
}

// Expand expands a single pattern. A pattern without braces expands to
// itself.
func Expand(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '{')
	closing := strings.IndexByte(pattern, '}')

	if open == -1 && closing == -1 {
		if pattern == "" {
			return nil, fmt.Errorf("%w: empty pattern", ErrPattern)
		}
		return []string{pattern}, nil
	}
	if open == -1 || closing == -1 || closing < open {
		return nil, fmt.Errorf("%w: unbalanced braces in %q", ErrPattern, pattern)
	}
	if strings.ContainsAny(pattern[closing+1:], "{}") {
		return nil, fmt.Errorf("%w: multiple brace ranges in %q", ErrPattern, pattern)
	}

	body := pattern[open+1 : closing]
	lo, hi, err := parseRange(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %q in %q: %v", ErrPattern, body, pattern, err)
	}

	prefix, suffix := pattern[:open], pattern[closing+1:]
	// Zero-padded bounds keep their width in the expansion.
	width := 0
	loStr, _, _ := strings.Cut(body, "..")
	if len(loStr) > 1 && loStr[0] == '0' {
		width = len(loStr)
	}

	uris := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		n := strconv.Itoa(i)
		if width > 0 {
			n = fmt.Sprintf("%0*d", width, i)
		}
		uris = append(uris, prefix+n+suffix)
	}
	return uris, nil
}

func parseRange(body string) (lo, hi int, err error) {
	loStr, hiStr, ok := strings.Cut(body, "..")
	if !ok {
		return 0, 0, errors.New("missing '..'")
	}
	lo, err = strconv.Atoi(loStr)
	if err != nil || lo < 0 {
		return 0, 0, fmt.Errorf("bad lower bound %q", loStr)
	}
	hi, err = strconv.Atoi(hiStr)
	if err != nil || hi < 0 {
		return 0, 0, fmt.Errorf("bad upper bound %q", hiStr)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("lower bound %d exceeds upper bound %d", lo, hi)
	}
	return lo, hi, nil
}
