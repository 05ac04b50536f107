package parse

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/ArmedGuy/buck/src/cli/logging"
	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/fs"
)

var log = logging.Log

// Thread-local keys used to find the evaluation state from builtins.
const (
	threadContextKey  = "buck:context"
	threadImplicitKey = "buck:implicit"
	threadPrescanKey  = "buck:prescan"
)

// Globals that are never copied from one module into another.
var hiddenGlobals = map[string]struct{}{"include_defs": {}, "load": {}}

// A PackageImplicitLoad describes the per-package implicit symbols a query
// may request: the extension to load and an alias -> exported name mapping.
type PackageImplicitLoad struct {
	LoadPath    string            `json:"load_path"`
	LoadSymbols map[string]string `json:"load_symbols"`
}

// cachedInclude is one entry of the process-lifetime include cache.
type cachedInclude struct {
	ctx     *IncludeContext
	globals starlark.StringDict
}

// A Processor evaluates build files and extension files. It owns the include
// cache, the current-context stack and the sandbox; one processor serves all
// queries of a worker's lifetime.
type Processor struct {
	state   *core.State
	backend fs.Backend
	sandbox *Sandbox

	includeCache      map[string]*cachedInclude
	includeInProgress map[string]bool
	stack             []Context

	fileOpts         *syntax.FileOptions
	buildGlobals     starlark.StringDict
	extensionGlobals starlark.StringDict

	hostInfoOnce   sync.Once
	cachedHostInfo *starlarkstruct.Struct
}

// NewProcessor creates a processor for the given worker state. backend may
// be nil, in which case globs always walk the filesystem.
func NewProcessor(state *core.State, backend fs.Backend) *Processor {
	p := &Processor{
		state:             state,
		backend:           backend,
		includeCache:      map[string]*cachedInclude{},
		includeInProgress: map[string]bool{},
		fileOpts: &syntax.FileOptions{
			Set:               true,
			While:             true,
			TopLevelControl:   true,
			GlobalReassign:    true,
			LoadBindsGlobally: true,
			Recursion:         true,
		},
	}
	p.sandbox = NewSandbox(state.ProjectRoot, state.ImportWhitelist, p.current)
	p.buildGlobals = p.defaultGlobals(true)
	p.extensionGlobals = p.defaultGlobals(false)
	return p
}

// defaultGlobals assembles the default global table for one file flavor.
func (p *Processor) defaultGlobals(isBuildFile bool) starlark.StringDict {
	globals := starlark.StringDict{}
	for name, fn := range p.globalFunctions() {
		globals[name] = fn
	}
	if !p.state.DisableImplicitNativeRules {
		for name, fn := range p.nativeFunctions() {
			globals[name] = fn
		}
	}
	for name, fn := range p.specialGlobals(isBuildFile) {
		globals[name] = fn
	}
	return globals
}

// Sandbox exposes the sandbox, mostly so the worker can route file reads
// through tracking.
func (p *Processor) Sandbox() *Sandbox { return p.sandbox }

func (p *Processor) push(ctx Context) { p.stack = append(p.stack, ctx) }

func (p *Processor) pop() { p.stack = p.stack[:len(p.stack)-1] }

// current returns the context on top of the stack, or nil outside any
// evaluation.
func (p *Processor) current() Context {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// currentContext returns the context the given thread evaluates in.
func currentContext(thread *starlark.Thread) Context {
	ctx, _ := thread.Local(threadContextKey).(Context)
	return ctx
}

func isImplicitThread(thread *starlark.Thread) bool {
	implicit, _ := thread.Local(threadImplicitKey).(bool)
	return implicit
}

// ProcessBuildFile evaluates the build file at the given project-relative
// path. The returned context always carries whatever diagnostics and rules
// were collected, even when err is non-nil.
func (p *Processor) ProcessBuildFile(watchRoot, projectPrefix, relPath string, pkgLoad *PackageImplicitLoad) (*BuildFileContext, error) {
	absPath := relPath
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(p.state.ProjectRoot, relPath)
	}
	rel, err := filepath.Rel(p.state.ProjectRoot, absPath)
	if err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(rel)
	basePath := ""
	if rel != p.state.BuildFileName {
		basePath = strings.TrimSuffix(rel, "/"+p.state.BuildFileName)
	}
	ctx := NewBuildFileContext(p.state.ProjectRoot, basePath, absPath, filepath.Dir(absPath), p.state.CellName)
	ctx.AllowEmptyGlobs = p.state.AllowEmptyGlobs
	ctx.IgnorePaths = p.state.IgnorePaths
	ctx.Backend = p.backend
	ctx.WatchRoot = watchRoot
	ctx.ProjectPrefix = projectPrefix
	_, err = p.process(ctx, absPath, false, pkgLoad)
	return ctx, err
}

// process evaluates one file in the given context, returning its module
// globals. This is the single entry point for build files, extension files
// and implicit includes alike.
func (p *Processor) process(ctx Context, path string, isImplicit bool, pkgLoad *PackageImplicitLoad) (starlark.StringDict, error) {
	var defaults starlark.StringDict
	if _, ok := ctx.(*IncludeContext); ok {
		defaults = p.extensionGlobals
	} else {
		defaults = p.buildGlobals
	}
	predeclared := make(starlark.StringDict, len(defaults))
	for name, value := range defaults {
		predeclared[name] = value
	}

	p.push(ctx)
	defer p.pop()

	if !isImplicit {
		for _, label := range p.state.ImplicitIncludes {
			bi, err := core.ResolveInclude(p.state.ProjectRoot, p.state.CellRoots, label)
			if err != nil {
				return nil, err
			}
			cached, err := p.processInclude(bi, true)
			if err != nil {
				return nil, err
			}
			mergeModuleGlobals(cached.globals, predeclared)
			ctx.base().AddInclude(bi.Path)
			ctx.base().Merge(cached.ctx.base())
		}
		if pkgLoad != nil {
			if err := p.loadPackageImplicit(ctx, pkgLoad); err != nil {
				return nil, err
			}
		}
	}

	src, err := p.sandbox.ReadFile(path, false)
	if err != nil {
		return nil, err
	}

	prescanErrs, err := p.prescanIncludes(ctx, path, src, predeclared, isImplicit)
	if err != nil {
		return nil, err
	}

	thread := p.newThread(ctx, path, isImplicit)
	thread.SetLocal(threadPrescanKey, prescanErrs)
	log.Debug("Evaluating %s", path)
	return starlark.ExecFileOptions(p.fileOpts, thread, path, src, predeclared)
}

func (p *Processor) newThread(ctx Context, path string, isImplicit bool) *starlark.Thread {
	thread := &starlark.Thread{
		Name: path,
		Print: func(_ *starlark.Thread, msg string) {
			log.Info("%s: %s", path, msg)
		},
		Load: p.load,
	}
	thread.SetLocal(threadContextKey, ctx)
	thread.SetLocal(threadImplicitKey, isImplicit)
	return thread
}

// processInclude evaluates an extension file, or returns the cached result
// of a previous evaluation. The cache is keyed by absolute path, so the same
// file reached through different label spellings evaluates once.
func (p *Processor) processInclude(bi core.BuildInclude, isImplicit bool) (*cachedInclude, error) {
	if cached, present := p.includeCache[bi.Path]; present {
		return cached, nil
	}
	if p.includeInProgress[bi.Path] {
		return nil, fmt.Errorf("cyclic include detected involving %s", bi.Path)
	}
	p.includeInProgress[bi.Path] = true
	defer delete(p.includeInProgress, bi.Path)

	ictx := NewIncludeContext(bi.CellName, bi.Path, bi.Label)
	globals, err := p.process(ictx, bi.Path, isImplicit, nil)
	if err != nil {
		return nil, err
	}
	if p.state.EnableUserDefinedRules {
		// Scan top level assignments (foo = rule(...)) and name the rules
		// defined in this file; transitively included ones keep theirs.
		for _, name := range sortedNames(globals) {
			if udr, ok := globals[name].(*UserDefinedRule); ok && udr.Label() == ictx.Label {
				if !udr.Named() {
					if err := udr.SetName(name); err != nil {
						return nil, err
					}
				}
				ictx.AddUserRule(udr)
			}
		}
	}
	cached := &cachedInclude{ctx: ictx, globals: globals}
	p.includeCache[bi.Path] = cached
	return cached, nil
}

// load implements starlark load statements using the load-label grammar.
func (p *Processor) load(thread *starlark.Thread, label string) (starlark.StringDict, error) {
	ctx := currentContext(thread)
	res, err := core.ResolveLoad(p.state.ProjectRoot, p.state.CellRoots, ctx.Path(), ctx.CellName(), label, p.state.WarnAboutDeprecatedSyntax)
	if err != nil {
		return nil, err
	}
	if res.DeprecationWarning != "" {
		ctx.base().AddDiagnostic(core.Warningf("load function", "%s", res.DeprecationWarning))
	}
	cached, err := p.processInclude(res.BuildInclude, isImplicitThread(thread))
	if err != nil {
		return nil, err
	}
	ctx.base().AddInclude(res.Path)
	ctx.base().Merge(cached.ctx.base())
	return cached.globals, nil
}

// loadPackageImplicit installs the symbols from a query's packageImplicitLoad
// into the build file context.
func (p *Processor) loadPackageImplicit(ctx Context, pkgLoad *PackageImplicitLoad) error {
	bctx, ok := ctx.(*BuildFileContext)
	if !ok {
		return fmt.Errorf("package implicit loads only apply to build files")
	}
	res, err := core.ResolveLoad(p.state.ProjectRoot, p.state.CellRoots, ctx.Path(), ctx.CellName(), pkgLoad.LoadPath, p.state.WarnAboutDeprecatedSyntax)
	if err != nil {
		return err
	}
	cached, err := p.processInclude(res.BuildInclude, true)
	if err != nil {
		return err
	}
	for alias, symbol := range pkgLoad.LoadSymbols {
		value, present := cached.globals[symbol]
		if !present {
			return fmt.Errorf("Could not find symbol '%s' in implicitly loaded extension '%s'", symbol, pkgLoad.LoadPath)
		}
		bctx.ImplicitPackageSymbols[alias] = value
	}
	ctx.base().AddInclude(res.Path)
	ctx.base().Merge(cached.ctx.base())
	return nil
}

// prescanIncludes walks the file's AST for include_defs calls with constant
// labels and evaluates them up front, seeding their symbols into the file's
// predeclared table. Name binding has to happen before execution starts;
// the include_defs builtin then only does the dependency accounting when a
// call actually executes. Failures are deferred to that call so an include
// on a branch that never runs cannot break the file.
func (p *Processor) prescanIncludes(ctx Context, path string, src []byte, predeclared starlark.StringDict, isImplicit bool) (map[string]error, error) {
	file, err := p.fileOpts.Parse(path, src, 0)
	if err != nil {
		return nil, err
	}
	errs := map[string]error{}
	syntax.Walk(file, func(n syntax.Node) bool {
		call, ok := n.(*syntax.CallExpr)
		if !ok {
			return true
		}
		ident, ok := call.Fn.(*syntax.Ident)
		if !ok || ident.Name != "include_defs" {
			return true
		}
		name, namespace, ok := includeDefsArgs(call)
		if !ok {
			return true
		}
		if err := p.prescanOneInclude(ctx, name, namespace, predeclared, isImplicit); err != nil {
			errs[name] = err
		}
		return true
	})
	return errs, nil
}

func (p *Processor) prescanOneInclude(ctx Context, name, namespace string, predeclared starlark.StringDict, isImplicit bool) error {
	bi, err := core.ResolveInclude(p.state.ProjectRoot, p.state.CellRoots, name)
	if err != nil {
		return err
	}
	cached, err := p.processInclude(bi, isImplicit)
	if err != nil {
		return err
	}
	if namespace != "" {
		members := starlark.StringDict{}
		mergeModuleGlobals(cached.globals, members)
		predeclared[namespace] = &starlarkstruct.Module{Name: namespace, Members: members}
	} else {
		mergeModuleGlobals(cached.globals, predeclared)
	}
	return nil
}

// includeDefsArgs extracts constant (name, namespace) arguments from an
// include_defs call expression. Non-constant labels can't be prescanned.
func includeDefsArgs(call *syntax.CallExpr) (string, string, bool) {
	name, namespace := "", ""
	for i, arg := range call.Args {
		switch arg := arg.(type) {
		case *syntax.Literal:
			value, ok := arg.Value.(string)
			if !ok {
				return "", "", false
			}
			if i == 0 {
				name = value
			} else {
				namespace = value
			}
		case *syntax.BinaryExpr:
			if arg.Op != syntax.EQ {
				return "", "", false
			}
			ident, ok := arg.X.(*syntax.Ident)
			if !ok {
				return "", "", false
			}
			literal, ok := arg.Y.(*syntax.Literal)
			if !ok {
				return "", "", false
			}
			value, ok := literal.Value.(string)
			if !ok {
				return "", "", false
			}
			switch ident.Name {
			case "name":
				name = value
			case "namespace":
				namespace = value
			}
		default:
			if i == 0 {
				return "", "", false
			}
		}
	}
	return name, namespace, name != ""
}

// includeDefsBuiltin is the runtime half of include_defs: the symbols were
// bound during prescan; executing the call records the dependency and merges
// the include's context into the caller's.
func (p *Processor) includeDefsBuiltin() *starlark.Builtin {
	return p.builtin("include_defs", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, namespace string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "namespace?", &namespace); err != nil {
			return nil, err
		}
		if errs, ok := thread.Local(threadPrescanKey).(map[string]error); ok {
			if err, present := errs[name]; present {
				return nil, err
			}
		}
		bi, err := core.ResolveInclude(p.state.ProjectRoot, p.state.CellRoots, name)
		if err != nil {
			return nil, err
		}
		cached, present := p.includeCache[bi.Path]
		if !present {
			return nil, fmt.Errorf("include_defs argument %s must be a constant label", name)
		}
		ctx := currentContext(thread)
		ctx.base().AddInclude(bi.Path)
		ctx.base().Merge(cached.ctx.base())
		return starlark.None, nil
	})
}

// mergeModuleGlobals copies public global definitions from one table into
// another. Module values are only copied when the source explicitly exports
// them via an __all__ declaration.
func mergeModuleGlobals(src, dst starlark.StringDict) {
	names := sortedNames(src)
	if all, present := src["__all__"]; present {
		if exported, err := stringsFromSequence(all, "__all__ must be a list of strings"); err == nil {
			names = exported
		}
	} else {
		filtered := names[:0]
		for _, name := range names {
			if !isModuleValue(src[name]) {
				filtered = append(filtered, name)
			}
		}
		names = filtered
	}
	for _, name := range names {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, hidden := hiddenGlobals[name]; hidden {
			continue
		}
		if value, present := src[name]; present {
			dst[name] = value
		}
	}
}

func isModuleValue(v starlark.Value) bool {
	switch v.(type) {
	case *starlarkstruct.Module, *restrictedModule:
		return true
	}
	return false
}

func sortedNames(d starlark.StringDict) []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
