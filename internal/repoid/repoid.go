// Package repoid normalizes user-supplied repository identifiers into an
// (owner, repo) pair.
package repoid

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidIdentifier reports a repository reference that cannot be
// resolved to an owner/repo pair.
var ErrInvalidIdentifier = errors.New("invalid repository identifier")

// Parse resolves a free-form repository identifier to (owner, repo).
//
// Accepted forms: http(s) URLs ("https://github.com/owner/repo"),
// "owner/repo", "/owner/repo", "owner repo" and "owner,repo". For
// non-URL input the first separator found among space, comma, slash (in
// that priority) is chosen and the string is split on that separator
// only. Extra segments beyond the first two are ignored. Input with no
// separator is rejected rather than guessed at.
func Parse(input string) (owner, repo string, err error) {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return parseURL(s)
	}

	s = strings.TrimPrefix(s, "/")

	var sep string
	for _, c := range []string{" ", ",", "/"} {
		if strings.Contains(s, c) {
			sep = c
			break
		}
	}
	if sep == "" {
		return "", "", fmt.Errorf("%w: %q has no owner/repo separator", ErrInvalidIdentifier, input)
	}

	var parts []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, input)
	}

	return parts[0], parts[1], nil
}

func parseURL(s string) (string, string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}

	var segments []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) < 2 {
		return "", "", fmt.Errorf("%w: URL %q has fewer than two path segments", ErrInvalidIdentifier, s)
	}

	return segments[0], segments[1], nil
}

// FullName joins owner and repo into the canonical "owner/repo" form.
func FullName(owner, repo string) string {
	return owner + "/" + repo
}
