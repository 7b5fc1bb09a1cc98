// Package chanpath implements the URI path grammar that negotiates a
// channel name: "/channels/<name>".
package chanpath

import (
	"errors"
	"strings"
)

// ErrInvalidPath is returned for any path that doesn't match the
// "/channels/<name>" grammar.
var ErrInvalidPath = errors.New("chanpath: invalid path")

// Parse splits path on '/', discards empty segments, and requires exactly
// two non-empty segments with the first literally "channels". It returns
// the second segment as the channel name.
func Parse(path string) (string, error) {
	var tokens []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			tokens = append(tokens, s)
		}
	}
	if len(tokens) != 2 || tokens[0] != "channels" {
		return "", ErrInvalidPath
	}
	return tokens[1], nil
}
