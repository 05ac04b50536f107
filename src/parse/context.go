// Package parse implements the build file evaluation engine: contexts,
// builtins, sandboxing, user-defined rules and the include cache.
package parse

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/fs"
)

// A Context is the environment a single file evaluates in. There are two
// concrete variants: build files collect rules, extension files don't.
type Context interface {
	base() *contextBase
	// CellName returns the cell the file is evaluated in.
	CellName() string
	// Path returns the absolute path of the file.
	Path() string
}

// contextBase carries the accumulators shared by both context variants.
type contextBase struct {
	includes    map[string]struct{}
	usedConfigs map[string]map[string]interface{}
	usedEnvVars map[string]interface{}
	diagnostics []core.Diagnostic
	userRules   map[*UserDefinedRule]struct{}
}

func newContextBase() contextBase {
	return contextBase{
		includes:    map[string]struct{}{},
		usedConfigs: map[string]map[string]interface{}{},
		usedEnvVars: map[string]interface{}{},
		userRules:   map[*UserDefinedRule]struct{}{},
	}
}

// AddInclude records a file as a tracked dependency of this context.
func (c *contextBase) AddInclude(path string) {
	c.includes[path] = struct{}{}
}

// HasInclude returns true if the given path is already tracked.
func (c *contextBase) HasInclude(path string) bool {
	_, present := c.includes[path]
	return present
}

// RecordConfig records the value returned for a config read; value is nil
// when the key was not configured at all.
func (c *contextBase) RecordConfig(section, field string, value interface{}) {
	fields, present := c.usedConfigs[section]
	if !present {
		fields = map[string]interface{}{}
		c.usedConfigs[section] = fields
	}
	fields[field] = value
}

// RecordEnvVar records the value returned for an environment read; value is
// nil when the variable was absent.
func (c *contextBase) RecordEnvVar(name string, value interface{}) {
	c.usedEnvVars[name] = value
}

// AddDiagnostic appends a diagnostic to this context.
func (c *contextBase) AddDiagnostic(d core.Diagnostic) {
	c.diagnostics = append(c.diagnostics, d)
}

// AddUserRule records a user-defined rule reachable from this context.
func (c *contextBase) AddUserRule(rule *UserDefinedRule) {
	c.userRules[rule] = struct{}{}
}

// Merge merges the accumulators of an included file's context into this one.
// Configs & env vars merge shallowly with the incoming side winning.
func (c *contextBase) Merge(other *contextBase) {
	for path := range other.includes {
		c.includes[path] = struct{}{}
	}
	c.diagnostics = append(c.diagnostics, other.diagnostics...)
	for section, fields := range other.usedConfigs {
		c.usedConfigs[section] = fields
	}
	for name, value := range other.usedEnvVars {
		c.usedEnvVars[name] = value
	}
	for rule := range other.userRules {
		c.userRules[rule] = struct{}{}
	}
}

// A BuildFileContext is the context used when processing a build file.
type BuildFileContext struct {
	contextBase
	// ProjectRoot is the absolute repository root.
	ProjectRoot string
	// BasePath is the package path of the build file, e.g. "java/com/foo".
	BasePath string
	// AbsPath is the absolute path of the build file.
	AbsPath string
	// Dirname is the directory containing the build file.
	Dirname string
	// Cell is the name of the cell the build file is in.
	Cell string
	// AllowEmptyGlobs suppresses the empty-glob fatal diagnostic.
	AllowEmptyGlobs bool
	// IgnorePaths are project-rooted glob patterns the walker skips.
	IgnorePaths []string
	// Backend is the watcher glob oracle, or nil to always walk.
	Backend fs.Backend
	// WatchRoot & ProjectPrefix parameterise watcher queries.
	WatchRoot, ProjectPrefix string
	// ImplicitPackageSymbols holds the per-package implicit load results.
	ImplicitPackageSymbols starlark.StringDict

	rules ruleSet
}

// NewBuildFileContext creates the context for one build file evaluation.
func NewBuildFileContext(projectRoot, basePath, absPath, dirname, cellName string) *BuildFileContext {
	return &BuildFileContext{
		contextBase:            newContextBase(),
		ProjectRoot:            projectRoot,
		BasePath:               basePath,
		AbsPath:                absPath,
		Dirname:                dirname,
		Cell:                   cellName,
		ImplicitPackageSymbols: starlark.StringDict{},
	}
}

func (c *BuildFileContext) base() *contextBase { return &c.contextBase }

// CellName implements the Context interface.
func (c *BuildFileContext) CellName() string { return c.Cell }

// Path implements the Context interface.
func (c *BuildFileContext) Path() string { return c.AbsPath }

// Rules returns the collected rule records in declaration order.
func (c *BuildFileContext) Rules() []map[string]interface{} {
	return c.rules.records
}

// HasRule returns true if a rule with the given name has been declared.
func (c *BuildFileContext) HasRule(name string) bool {
	_, present := c.rules.names[name]
	return present
}

// AddRule records a rule in this context. The record must contain a string
// 'name'; declaring two rules with the same name is an error.
func (c *BuildFileContext) AddRule(record map[string]interface{}) error {
	name, present := record["name"]
	if !present {
		return fmt.Errorf("rules must contain the field 'name'. Found %v", record)
	}
	nameStr, ok := name.(string)
	if !ok {
		return fmt.Errorf("rules 'name' field must be a string. Found %v", name)
	}
	record["buck.base_path"] = c.BasePath
	return c.rules.add(nameStr, record)
}

// UsedConfigs returns the section -> field -> value map of config reads.
func (c *BuildFileContext) UsedConfigs() map[string]map[string]interface{} {
	return c.usedConfigs
}

// UsedEnvVars returns the recorded environment variable reads.
func (c *BuildFileContext) UsedEnvVars() map[string]interface{} {
	return c.usedEnvVars
}

// Includes returns the set of tracked include paths.
func (c *BuildFileContext) Includes() map[string]struct{} {
	return c.includes
}

// Diagnostics returns the diagnostics produced so far.
func (c *BuildFileContext) Diagnostics() []core.Diagnostic {
	return c.diagnostics
}

// An IncludeContext is the context used when processing an extension file.
type IncludeContext struct {
	contextBase
	// Cell is the cell the extension file itself lives in; loads from it
	// resolve relative to this, not the build file that loaded it.
	Cell string
	// AbsPath is the absolute path of the extension file.
	AbsPath string
	// Label is the canonical label the file was included under.
	Label string
}

// NewIncludeContext creates the context for one extension file evaluation.
func NewIncludeContext(cellName, absPath, label string) *IncludeContext {
	return &IncludeContext{
		contextBase: newContextBase(),
		Cell:        cellName,
		AbsPath:     absPath,
		Label:       label,
	}
}

func (c *IncludeContext) base() *contextBase { return &c.contextBase }

// CellName implements the Context interface.
func (c *IncludeContext) CellName() string { return c.Cell }

// Path implements the Context interface.
func (c *IncludeContext) Path() string { return c.AbsPath }

// ruleSet holds rule records preserving declaration order.
type ruleSet struct {
	names   map[string]int
	records []map[string]interface{}
}

func (r *ruleSet) add(name string, record map[string]interface{}) error {
	if r.names == nil {
		r.names = map[string]int{}
	}
	if i, present := r.names[name]; present {
		return fmt.Errorf("Duplicate rule definition '%s' found. Found %v and %v", name, record, r.records[i])
	}
	r.names[name] = len(r.records)
	r.records = append(r.records, record)
	return nil
}
