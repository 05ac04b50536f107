package fs

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
)

// Glob matches the given include patterns against the files under searchBase,
// removing anything that matches excludes or the project-level ignore
// patterns. Results are searchBase-relative, deduplicated and sorted.
//
// Patterns use the usual syntax where * does not cross directory boundaries
// and ** matches any number of them. Dotfiles (any path with a component
// beginning with '.') are skipped unless includeDotfiles is set.
func Glob(projectRoot, searchBase string, includes, excludes, ignorePaths []string, includeDotfiles bool) ([]string, error) {
	if err := validatePatterns(includes, excludes); err != nil {
		return nil, err
	}
	files, err := listFiles(projectRoot, searchBase, ignorePaths, includeDotfiles)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	results := []string{}
	for _, file := range files {
		if !matchAny(includes, file) || matchAny(excludes, file) {
			continue
		}
		if _, present := seen[file]; !present {
			seen[file] = struct{}{}
			results = append(results, file)
		}
	}
	sort.Strings(results)
	return results, nil
}

// listFiles walks searchBase and returns the relative names of all regular
// files & symlinks under it, honouring ignore patterns and dotfile rules.
func listFiles(projectRoot, searchBase string, ignorePaths []string, includeDotfiles bool) ([]string, error) {
	if !PathExists(searchBase) {
		return nil, nil
	}
	files := []string{}
	err := Walk(searchBase, func(name string, isDir bool) error {
		if name == searchBase {
			return nil
		}
		rel, err := filepath.Rel(searchBase, name)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !includeDotfiles && isHidden(rel) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(projectRoot, name, ignorePaths) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isDir {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

func validatePatterns(patternLists ...[]string) error {
	var errs *multierror.Error
	for _, patterns := range patternLists {
		for _, pattern := range patterns {
			if !doublestar.ValidatePattern(pattern) {
				errs = multierror.Append(errs, fmt.Errorf("invalid glob pattern %s", pattern))
			}
		}
	}
	return errs.ErrorOrNil()
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// ignored checks the project-root-relative name of a walked entry against
// the ignore patterns, which are always rooted at the project.
func ignored(projectRoot, name string, ignorePaths []string) bool {
	if len(ignorePaths) == 0 {
		return false
	}
	rel, err := filepath.Rel(projectRoot, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return matchAny(ignorePaths, filepath.ToSlash(rel))
}

// isHidden returns true if any component of the given relative path is a
// dotfile, or an editor temporary of the #name# form.
func isHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
		if strings.HasPrefix(part, "#") && strings.HasSuffix(part, "#") {
			return true
		}
	}
	return false
}
