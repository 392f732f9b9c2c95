package registry

import "path"

// globCompile validates a shell-style glob pattern (spec.md §4.6: "*" and
// "?") by exercising path.Match once against an empty candidate; a
// malformed pattern surfaces path.ErrBadPattern immediately instead of on
// the first real match attempt during planning.
func globCompile(pattern string) (string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return "", err
	}
	return pattern, nil
}

// GlobMatch reports whether name matches the shell-style pattern. Returns
// false (not an error) for malformed patterns, matching the failure mode of
// a filter already validated via MirrorConfig.Validate.
func GlobMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
