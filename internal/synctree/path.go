package synctree

import "strings"

// NormalizePath trims slashes and collapses empty segments. The root is "/".
func NormalizePath(path string) string {
	segments := Segments(path)
	if len(segments) == 0 {
		return "/"
	}
	return strings.Join(segments, "/")
}

// Segments splits path into its non-empty segments.
func Segments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinPath appends child to parent.
func JoinPath(parent, child string) string {
	return NormalizePath(parent + "/" + child)
}

// LastSegment returns the last segment of path, or "" for the root.
func LastSegment(path string) string {
	segments := Segments(path)
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

type pathRef string

func (p pathRef) Path() string { return string(p) }

func (p pathRef) Key() string { return LastSegment(string(p)) }
