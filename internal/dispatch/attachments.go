package dispatch

import (
	"path/filepath"
)

// DedupeAttachments resolves each path to an absolute, symlink-free form and
// drops repeats, keeping first-seen order. Paths that cannot be resolved
// through symlinks (for example missing files) are compared by their
// absolute form and left for the transport to report.
func DedupeAttachments(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		resolved := resolvePath(p)
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	return out
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
