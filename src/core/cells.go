// Package core contains the fundamental types shared across the parser:
// cell & label resolution, the parse-time config store, host information
// and diagnostics.
package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// includeLabelRe matches legacy include_defs labels, i.e. //path or cell//path.
var includeLabelRe = regexp.MustCompile(`^([A-Za-z0-9_]*)//(.*)$`)

// loadLabelRe matches load labels, i.e. [[@]cell]//package:target or :target.
var loadLabelRe = regexp.MustCompile(`^((@?[\w\-.]+)?//)?(.*):(.*)$`)

// A BuildInclude identifies one resolved include or load target.
type BuildInclude struct {
	// CellName is the cell the file lives in; empty for the current project.
	CellName string
	// Label is the canonical label used for reporting.
	Label string
	// Path is the normalized absolute path of the file.
	Path string
}

// CellRoots maps cell names to their absolute root directories.
type CellRoots map[string]string

// Root returns the root directory for the given cell name, where the empty
// name means the project root. The second return is false for unknown cells.
func (c CellRoots) Root(projectRoot, cellName string) (string, bool) {
	if cellName == "" {
		return projectRoot, true
	}
	root, present := c[cellName]
	return root, present
}

// ResolveInclude resolves an include_defs-style label to a BuildInclude.
func ResolveInclude(projectRoot string, cells CellRoots, name string) (BuildInclude, error) {
	match := includeLabelRe.FindStringSubmatch(name)
	if match == nil {
		return BuildInclude{}, fmt.Errorf("include_defs argument %s should be in the form of //path or cellname//path", name)
	}
	cellName := match[1]
	relativePath := match[2]
	if cellName != "" {
		cellRoot, present := cells[cellName]
		if !present {
			return BuildInclude{}, fmt.Errorf("include_defs argument %s references an unknown cell named %s, known cells: %v", name, cellName, cells.Names())
		}
		return BuildInclude{
			CellName: cellName,
			Label:    "@" + name,
			Path:     filepath.Clean(filepath.Join(cellRoot, relativePath)),
		}, nil
	}
	return BuildInclude{
		CellName: cellName,
		Label:    name,
		Path:     filepath.Clean(filepath.Join(projectRoot, relativePath)),
	}, nil
}

// LoadResolution carries the result of resolving a load label, along with
// any deprecation warning the resolution produced.
type LoadResolution struct {
	BuildInclude
	// DeprecationWarning is non-empty when the label used the deprecated
	// bare-cell format and warnings are enabled.
	DeprecationWarning string
}

// ResolveLoad resolves a load()-style label to a BuildInclude. Relative
// labels (":target") resolve against callerPath; a label with a root but an
// empty cell resolves to callerCell.
func ResolveLoad(projectRoot string, cells CellRoots, callerPath, callerCell, label string, warnDeprecated bool) (LoadResolution, error) {
	match := loadLabelRe.FindStringSubmatch(label)
	if match == nil {
		return LoadResolution{}, fmt.Errorf("load label %s should be in the form of //path:file or cellname//path:file", label)
	}
	labelRoot, cellName := match[1], match[2]
	packagePath, fileName := match[3], match[4]
	res := LoadResolution{}
	if cellName != "" {
		if strings.HasPrefix(cellName, "@") {
			cellName = cellName[1:]
		} else if warnDeprecated {
			res.DeprecationWarning = fmt.Sprintf(
				`%s has a load label "%s" that uses a deprecated cell format. "%s" should instead be "@%s".`,
				callerPath, label, cellName, cellName)
		}
	} else {
		cellName = callerCell
	}
	if labelRoot == "" {
		// Relative load, e.g. :foo.bzl.
		if strings.Contains(fileName, "/") {
			return LoadResolution{}, fmt.Errorf("relative loads work only for files in the same directory. Please use absolute label instead ([cell]//pkg[/pkg]:target)")
		}
		cellRoot, present := cells.Root(projectRoot, cellName)
		if !present {
			return LoadResolution{}, fmt.Errorf("load label %s references an unknown cell named %s, known cells: %v", label, cellName, cells.Names())
		}
		calleeDir := filepath.Dir(callerPath)
		rel, err := filepath.Rel(cellRoot, calleeDir)
		if err != nil {
			return LoadResolution{}, err
		}
		res.BuildInclude = BuildInclude{
			CellName: cellName,
			Label:    labelForInclude(cellName, rel, fileName),
			Path:     filepath.Clean(filepath.Join(calleeDir, fileName)),
		}
		return res, nil
	}
	cellRoot, present := cells.Root(projectRoot, cellName)
	if !present {
		return LoadResolution{}, fmt.Errorf("load label %s references an unknown cell named %s, known cells: %v", label, cellName, cells.Names())
	}
	res.BuildInclude = BuildInclude{
		CellName: cellName,
		Label:    labelForInclude(cellName, packagePath, fileName),
		Path:     filepath.Clean(filepath.Join(cellRoot, packagePath, fileName)),
	}
	return res, nil
}

// Names returns the sorted cell names, for error messages.
func (c CellRoots) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func labelForInclude(cellName, packagePath, fileName string) string {
	if cellName != "" {
		return fmt.Sprintf("@%s//%s:%s", cellName, packagePath, fileName)
	}
	return fmt.Sprintf("//%s:%s", packagePath, fileName)
}

// NormalizeCygwinPath converts a cygwin-style path (/cygdrive/c/foo) into the
// equivalent native one (c:/foo). Other paths are returned unchanged.
func NormalizeCygwinPath(path string) string {
	const prefix = "/cygdrive/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts[0]) != 1 {
		return path
	}
	if len(parts) == 1 {
		return parts[0] + ":"
	}
	return parts[0] + ":/" + parts[1]
}
