package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ArmedGuy/buck/src/core"
)

// The modules any project may import, before the per-project additions.
var baseImportWhitelist = []string{"json", "math", "os", "os.path", "io"}

// safeModulesConfig lists, per module, the attributes that remain reachable
// under sandboxing. Modules without an entry are unrestricted.
var safeModulesConfig = map[string][]string{
	"os": {"environ", "getenv", "path", "sep", "pathsep", "linesep"},
	"os.path": {
		"basename", "commonprefix", "dirname", "isabs", "join", "normcase",
		"relpath", "split", "splitdrive", "splitext", "sep", "pathsep",
	},
	"io": {"open"},
}

// A Sandbox gates what evaluated files can reach beyond the builtin surface:
// which helper modules they may import, how they see the environment, and
// which files they may open without a warning.
type Sandbox struct {
	projectRoot string
	whitelist   map[string]struct{}
	modules     map[string]starlark.Value
	environ     map[string]string
	// currentContext yields the active evaluation context for recording.
	currentContext func() Context
	unsafeAllowed  bool
}

// NewSandbox creates a sandbox for the given project. The environment is
// snapshotted once so recorded reads are stable for the worker's lifetime.
func NewSandbox(projectRoot string, projectWhitelist []string, current func() Context) *Sandbox {
	s := &Sandbox{
		projectRoot:    projectRoot,
		whitelist:      map[string]struct{}{},
		environ:        map[string]string{},
		currentContext: current,
	}
	for _, name := range baseImportWhitelist {
		s.whitelist[name] = struct{}{}
	}
	for _, name := range projectWhitelist {
		s.whitelist[name] = struct{}{}
	}
	for _, entry := range os.Environ() {
		if i := strings.IndexByte(entry, '='); i >= 0 {
			s.environ[entry[:i]] = entry[i+1:]
		}
	}
	s.modules = map[string]starlark.Value{
		"json":    starlarkjson.Module,
		"math":    starlarkmath.Module,
		"os":      s.osModule(),
		"os.path": pathModule(),
		"io":      s.ioModule(),
	}
	return s
}

// ImportModule resolves an import_module() call through the gate.
func (s *Sandbox) ImportModule(name string) (starlark.Value, error) {
	if _, present := s.whitelist[name]; !present {
		return nil, fmt.Errorf("importing module %s is prohibited; it is not on the import whitelist", name)
	}
	module, present := s.modules[name]
	if !present {
		return nil, fmt.Errorf("module %s is whitelisted but not available in this worker", name)
	}
	if allowed, restricted := safeModulesConfig[name]; restricted && !s.unsafeAllowed {
		return &restrictedModule{name: name, module: module, allowed: allowed, sandbox: s}, nil
	}
	return module, nil
}

// AllowUnsafe runs the given function with the attribute restriction lifted,
// restoring the previous state afterwards (also on error).
func (s *Sandbox) AllowUnsafe(fn func() (starlark.Value, error)) (starlark.Value, error) {
	old := s.unsafeAllowed
	s.unsafeAllowed = true
	defer func() { s.unsafeAllowed = old }()
	return fn()
}

// ReadEnv reads an environment variable, recording the read (including
// absence) on the active context.
func (s *Sandbox) ReadEnv(name string) (string, bool) {
	value, present := s.environ[name]
	if ctx := s.currentContext(); ctx != nil {
		if present {
			ctx.base().RecordEnvVar(name, value)
		} else {
			ctx.base().RecordEnvVar(name, nil)
		}
	}
	return value, present
}

// ReadFile reads a file. Reads attributed to user code (fromUser) against a
// path the active context doesn't track produce a warning diagnostic; the
// read still succeeds.
func (s *Sandbox) ReadFile(name string, fromUser bool) ([]byte, error) {
	if fromUser {
		s.checkTracked(name)
	}
	return os.ReadFile(name)
}

func (s *Sandbox) checkTracked(name string) {
	ctx := s.currentContext()
	if ctx == nil {
		return
	}
	path, err := filepath.Abs(name)
	if err != nil {
		return
	}
	if ctx.base().HasInclude(path) {
		return
	}
	rel, err := filepath.Rel(s.projectRoot, path)
	if err != nil {
		rel = path
	}
	ctx.base().AddDiagnostic(core.Warningf("sandboxing",
		"Access to a non-tracked file detected! %s is not a known dependency "+
			"and it should be added using 'add_build_file_dep' before trying to "+
			"access the file, e.g. 'add_build_file_dep('//%s')'", path, rel))
}

// restrictedModule wraps a module so only whitelisted attributes resolve.
type restrictedModule struct {
	name    string
	module  starlark.Value
	allowed []string
	sandbox *Sandbox
}

// String implements the starlark.Value interface.
func (r *restrictedModule) String() string { return "<module '" + r.name + "'>" }

// Type implements the starlark.Value interface.
func (r *restrictedModule) Type() string { return "module" }

// Freeze implements the starlark.Value interface.
func (r *restrictedModule) Freeze() { r.module.Freeze() }

// Truth implements the starlark.Value interface.
func (r *restrictedModule) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
func (r *restrictedModule) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

// Attr implements the starlark.HasAttrs interface.
func (r *restrictedModule) Attr(name string) (starlark.Value, error) {
	if !contains(r.allowed, name) {
		return nil, fmt.Errorf("access to %s.%s is prohibited while sandboxed", r.name, name)
	}
	v, err := r.module.(starlark.HasAttrs).Attr(name)
	if err != nil || v == nil {
		return v, err
	}
	// Submodules with their own safe list stay restricted too, e.g. os.path.
	qualified := r.name + "." + name
	if allowed, restricted := safeModulesConfig[qualified]; restricted && !r.sandbox.unsafeAllowed {
		return &restrictedModule{name: qualified, module: v, allowed: allowed, sandbox: r.sandbox}, nil
	}
	return v, nil
}

// AttrNames implements the starlark.HasAttrs interface.
func (r *restrictedModule) AttrNames() []string {
	names := append([]string{}, r.allowed...)
	sort.Strings(names)
	return names
}

// envMapping exposes the environment as a read-only mapping whose lookups
// are recorded on the active context.
type envMapping struct {
	sandbox *Sandbox
}

// String implements the starlark.Value interface.
func (e *envMapping) String() string { return "<environ>" }

// Type implements the starlark.Value interface.
func (e *envMapping) Type() string { return "environ" }

// Freeze implements the starlark.Value interface.
func (e *envMapping) Freeze() {}

// Truth implements the starlark.Value interface.
func (e *envMapping) Truth() starlark.Bool { return starlark.True }

// Hash implements the starlark.Value interface.
func (e *envMapping) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: environ") }

// Get implements the starlark.Mapping interface, covering both subscripting
// and membership tests.
func (e *envMapping) Get(key starlark.Value) (starlark.Value, bool, error) {
	name, ok := key.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("environment variable names must be strings, not %s", key.Type())
	}
	value, present := e.sandbox.ReadEnv(string(name))
	if !present {
		return nil, false, nil
	}
	return starlark.String(value), true, nil
}

// Attr implements the starlark.HasAttrs interface.
func (e *envMapping) Attr(name string) (starlark.Value, error) {
	if name != "get" {
		return nil, nil
	}
	return starlark.NewBuiltin("environ.get", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var varName string
		defaultValue := starlark.Value(starlark.None)
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &varName, &defaultValue); err != nil {
			return nil, err
		}
		if value, present := e.sandbox.ReadEnv(varName); present {
			return starlark.String(value), nil
		}
		return defaultValue, nil
	}), nil
}

// AttrNames implements the starlark.HasAttrs interface.
func (e *envMapping) AttrNames() []string { return []string{"get"} }

func (s *Sandbox) osModule() starlark.Value {
	return &starlarkstruct.Module{
		Name: "os",
		Members: starlark.StringDict{
			"environ": &envMapping{sandbox: s},
			"getenv": starlark.NewBuiltin("os.getenv", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				defaultValue := starlark.Value(starlark.None)
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name, &defaultValue); err != nil {
					return nil, err
				}
				if value, present := s.ReadEnv(name); present {
					return starlark.String(value), nil
				}
				return defaultValue, nil
			}),
			"path":    pathModule(),
			"sep":     starlark.String("/"),
			"pathsep": starlark.String(string(os.PathListSeparator)),
			"linesep": starlark.String("\n"),
		},
	}
}

func (s *Sandbox) ioModule() starlark.Value {
	return &starlarkstruct.Module{
		Name: "io",
		Members: starlark.StringDict{
			"open": starlark.NewBuiltin("io.open", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
					return nil, err
				}
				contents, err := s.ReadFile(name, true)
				if err != nil {
					return nil, err
				}
				return starlark.String(contents), nil
			}),
		},
	}
}

func pathModule() starlark.Value {
	str1 := func(name string, fn func(string) string) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return starlark.String(fn(s)), nil
		})
	}
	return &starlarkstruct.Module{
		Name: "os.path",
		Members: starlark.StringDict{
			"basename": str1("os.path.basename", filepath.Base),
			"dirname":  str1("os.path.dirname", filepath.Dir),
			"normcase": str1("os.path.normcase", func(s string) string { return s }),
			"join": starlark.NewBuiltin("os.path.join", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				parts := make([]string, len(args))
				for i, arg := range args {
					s, ok := arg.(starlark.String)
					if !ok {
						return nil, fmt.Errorf("os.path.join: argument %d must be a string", i+1)
					}
					parts[i] = string(s)
				}
				return starlark.String(filepath.Join(parts...)), nil
			}),
			"isabs": starlark.NewBuiltin("os.path.isabs", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				return starlark.Bool(filepath.IsAbs(s)), nil
			}),
			"relpath": starlark.NewBuiltin("os.path.relpath", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var target, base string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &target, &base); err != nil {
					return nil, err
				}
				rel, err := filepath.Rel(base, target)
				if err != nil {
					return nil, err
				}
				return starlark.String(rel), nil
			}),
			"split": starlark.NewBuiltin("os.path.split", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				dir, file := filepath.Split(s)
				return starlark.Tuple{starlark.String(strings.TrimSuffix(dir, "/")), starlark.String(file)}, nil
			}),
			"splitext": starlark.NewBuiltin("os.path.splitext", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				ext := filepath.Ext(s)
				return starlark.Tuple{starlark.String(strings.TrimSuffix(s, ext)), starlark.String(ext)}, nil
			}),
			"splitdrive": starlark.NewBuiltin("os.path.splitdrive", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				drive := filepath.VolumeName(s)
				return starlark.Tuple{starlark.String(drive), starlark.String(s[len(drive):])}, nil
			}),
			"commonprefix": starlark.NewBuiltin("os.path.commonprefix", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var list starlark.Iterable
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list); err != nil {
					return nil, err
				}
				var paths []string
				iter := list.Iterate()
				defer iter.Done()
				var x starlark.Value
				for iter.Next(&x) {
					s, ok := x.(starlark.String)
					if !ok {
						return nil, fmt.Errorf("os.path.commonprefix: arguments must be strings")
					}
					paths = append(paths, string(s))
				}
				return starlark.String(commonPrefix(paths)), nil
			}),
			"sep":     starlark.String("/"),
			"pathsep": starlark.String(string(os.PathListSeparator)),
		},
	}
}

func commonPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := paths[0]
	for _, path := range paths[1:] {
		for !strings.HasPrefix(path, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}
