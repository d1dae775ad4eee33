// Package revision parses generation-prefixed tokens of the form "<n>-<hash>".
//
// The connector itself treats revision and sequence tokens as opaque; this
// package exists for the test double (which mints tokens) and for assertions
// that need to observe generation advancement.
package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse splits a token into its generation and hash parts.
func Parse(token string) (uint64, string, error) {
	gen, hash, ok := strings.Cut(token, "-")
	if !ok {
		return 0, "", fmt.Errorf("revision: token %q has no generation prefix", token)
	}
	n, err := strconv.ParseUint(gen, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("revision: token %q: %w", token, err)
	}
	if hash == "" {
		return 0, "", fmt.Errorf("revision: token %q has empty hash", token)
	}
	return n, hash, nil
}

// Generation returns the generation part of a token, or 0 if the token
// does not parse.
func Generation(token string) uint64 {
	n, _, err := Parse(token)
	if err != nil {
		return 0
	}
	return n
}

// Format assembles a token from a generation and a hash.
func Format(generation uint64, hash string) string {
	return strconv.FormatUint(generation, 10) + "-" + hash
}
