package digest

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExpandGlob walks root and returns the relative paths of every regular
// file matching pattern, sorted lexicographically by byte order.
// Symlinks and directories that would resolve outside root are skipped
// with a logged warning and never contribute to the result (and
// therefore never contribute to an action digest).
//
// pattern uses shell-style globbing where "**" matches zero or more
// path segments and "*" matches within a single segment, applied
// against paths relative to root after symlink-free normalization.
func ExpandGlob(pattern, root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to resolve root %s: %s", root, err)
	}

	var matches []string
	walkErr := filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return status.Errorf(codes.Unavailable, "failed to walk %s: %s", path, err)
		}
		if path == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil || !isWithin(absRoot, target) {
				log.Printf("skipping symlink %s: resolves outside root %s", path, absRoot)
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			log.Printf("skipping non-regular file %s", path)
			return nil
		}
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Strings(matches)
	return matches, nil
}

// FilterIgnored removes any path from paths that matches one of the
// ignore glob patterns.
func FilterIgnored(paths []string, ignoreGlobs []string) []string {
	if len(ignoreGlobs) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		ignored := false
		for _, ig := range ignoreGlobs {
			if matchGlob(ig, p) {
				ignored = true
				break
			}
		}
		if !ignored {
			out = append(out, p)
		}
	}
	return out
}

// matchGlob reports whether rel (a slash-separated relative path)
// matches pattern, where "**" matches zero or more whole segments and
// "*" matches within a single segment.
func matchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegments(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// isWithin reports whether target is root or a descendant of root.
func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
