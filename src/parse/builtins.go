package parse

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/fs"
)

// Matches anything equivalent to a recursive glob on all directories,
// e.g. "**/", "*/**/", "*/*/**/". Deliberately does not reject ** appearing
// later in a pattern.
var recursiveGlobPattern = regexp.MustCompile(`^(\*/)*\*\*/`)

// A builtin body that needs the thread to find its active context.
type builtinFunc = func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (p *Processor) builtin(name string, fn builtinFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, fn)
}

// buildFileContext returns the active build file context, or an error in the
// style the original parser used when a build-file-only function is hit at
// the top level of an extension file.
func buildFileContext(thread *starlark.Thread, name string) (*BuildFileContext, error) {
	ctx, ok := currentContext(thread).(*BuildFileContext)
	if !ok {
		return nil, fmt.Errorf("Cannot use `%s()` at the top-level of an included file.", name)
	}
	return ctx, nil
}

// globalFunctions returns the build functions available in every file.
func (p *Processor) globalFunctions() starlark.StringDict {
	return starlark.StringDict{
		"get_base_path": p.packageNameBuiltin("get_base_path"),
		"package_name":  p.packageNameBuiltin("package_name"),
		"get_cell_name": p.builtin("get_cell_name", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			ctx, err := buildFileContext(thread, "get_cell_name")
			if err != nil {
				return nil, err
			}
			return starlark.String(ctx.Cell), nil
		}),
		"fail": p.builtin("fail", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var message starlark.Value
			var attr string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &message, "attr?", &attr); err != nil {
				return nil, err
			}
			msg := valueToDisplayString(message)
			if attr != "" {
				msg = "attribute " + attr + ": " + msg
			}
			return nil, fmt.Errorf("%s", msg)
		}),
		"select": p.builtin("select", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var conditions *starlark.Dict
			var noMatchMessage string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "conditions", &conditions, "no_match_message?", &noMatchMessage); err != nil {
				return nil, err
			}
			return &SelectorList{items: []starlark.Value{
				&SelectorValue{conditions: conditions, noMatchMessage: noMatchMessage},
			}}, nil
		}),
		"depset": p.builtin("depset", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var elements starlark.Iterable
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "elements", &elements); err != nil {
				return nil, err
			}
			return NewDepset(elements)
		}),
		"flatten_dicts": p.builtin("flatten_dicts", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			result := starlark.NewDict(8)
			for _, arg := range args {
				d, ok := arg.(*starlark.Dict)
				if !ok {
					return nil, fmt.Errorf("flatten_dicts: arguments must be dicts, got %s", arg.Type())
				}
				for _, item := range d.Items() {
					if err := result.SetKey(item[0], item[1]); err != nil {
						return nil, err
					}
				}
			}
			return result, nil
		}),
	}
}

func (p *Processor) packageNameBuiltin(name string) *starlark.Builtin {
	return p.builtin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx, err := buildFileContext(thread, name)
		if err != nil {
			return nil, err
		}
		return starlark.String(ctx.BasePath), nil
	})
}

// nativeFunctions returns the native-rule namespace functions: the native
// rules themselves plus the native-only helpers.
func (p *Processor) nativeFunctions() starlark.StringDict {
	natives := starlark.StringDict{
		"repository_name": p.builtin("repository_name", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			ctx, err := buildFileContext(thread, "repository_name")
			if err != nil {
				return nil, err
			}
			return starlark.String("@" + ctx.Cell), nil
		}),
		"rule_exists": p.builtin("rule_exists", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			ctx, err := buildFileContext(thread, "rule_exists")
			if err != nil {
				return nil, err
			}
			return starlark.Bool(ctx.HasRule(name)), nil
		}),
	}
	for _, name := range nativeRuleNames {
		natives[name] = p.nativeRule(name)
	}
	return natives
}

// nativeRule creates the function for one built-in rule kind. The detailed
// attribute validation happens downstream; here we capture the call as-is.
func (p *Processor) nativeRule(kind string) *starlark.Builtin {
	return p.builtin(kind, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx, ok := currentContext(thread).(*BuildFileContext)
		if !ok {
			return nil, fmt.Errorf("Cannot use `%s()` at the top-level of an included file.", kind)
		}
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: rules only accept keyword arguments", kind)
		}
		record := map[string]interface{}{"buck.type": kind}
		for _, kwarg := range kwargs {
			if err := setRecordValue(record, string(kwarg[0].(starlark.String)), kwarg[1]); err != nil {
				return nil, err
			}
		}
		if err := ctx.AddRule(record); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}

// specialGlobals returns the builtins that are installed directly into the
// default global tables rather than shared through the function lists.
func (p *Processor) specialGlobals(isBuildFile bool) starlark.StringDict {
	globals := starlark.StringDict{
		"include_defs":            p.includeDefsBuiltin(),
		"add_build_file_dep":      p.addBuildFileDepBuiltin(),
		"read_config":             p.readConfigBuiltin(),
		"implicit_package_symbol": p.implicitPackageSymbolBuiltin(),
		"allow_unsafe_import":     p.allowUnsafeImportBuiltin(),
		"import_module":           p.importModuleBuiltin(),
		"glob":                    p.globBuiltin(),
		"subdir_glob":             p.subdirGlobBuiltin(),
		"struct":                  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"provider":                p.providerBuiltin(),
		"host_info":               p.hostInfoBuiltin(),
		"native":                  p.nativeModule(isBuildFile),
	}
	if p.state.EnableUserDefinedRules && !isBuildFile {
		globals["attr"] = attrModule()
		globals["rule"] = p.ruleBuiltin()
	}
	return globals
}

// nativeModule builds the `native` namespace. Build files see native rules
// in it only when implicit native rules are enabled; extensions always do.
func (p *Processor) nativeModule(isBuildFile bool) *starlarkstruct.Module {
	members := starlark.StringDict{}
	for name, fn := range p.globalFunctions() {
		members[name] = fn
	}
	if !isBuildFile || !p.state.DisableImplicitNativeRules {
		for name, fn := range p.nativeFunctions() {
			members[name] = fn
		}
	}
	members["glob"] = p.globBuiltin()
	members["host_info"] = p.hostInfoBuiltin()
	members["read_config"] = p.readConfigBuiltin()
	members["implicit_package_symbol"] = p.implicitPackageSymbolBuiltin()
	return &starlarkstruct.Module{Name: "native", Members: members}
}

func (p *Processor) readConfigBuiltin() *starlark.Builtin {
	return p.builtin("read_config", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var section, field string
		defaultValue := starlark.Value(starlark.None)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "section", &section, "field", &field, "default?", &defaultValue); err != nil {
			return nil, err
		}
		ctx := currentContext(thread)
		value, present := p.state.Configs.Get(section, field)
		if present {
			ctx.base().RecordConfig(section, field, value)
			return starlark.String(value), nil
		}
		ctx.base().RecordConfig(section, field, nil)
		return defaultValue, nil
	})
}

func (p *Processor) implicitPackageSymbolBuiltin() *starlark.Builtin {
	return p.builtin("implicit_package_symbol", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var symbol string
		defaultValue := starlark.Value(starlark.None)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "symbol", &symbol, "default?", &defaultValue); err != nil {
			return nil, err
		}
		ctx, err := buildFileContext(thread, "implicit_package_symbol")
		if err != nil {
			return nil, err
		}
		if value, present := ctx.ImplicitPackageSymbols[symbol]; present {
			return value, nil
		}
		return defaultValue, nil
	})
}

func (p *Processor) addBuildFileDepBuiltin() *starlark.Builtin {
	return p.builtin("add_build_file_dep", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		bi, err := core.ResolveInclude(p.state.ProjectRoot, p.state.CellRoots, name)
		if err != nil {
			return nil, err
		}
		currentContext(thread).base().AddInclude(bi.Path)
		return starlark.None, nil
	})
}

func (p *Processor) allowUnsafeImportBuiltin() *starlark.Builtin {
	return p.builtin("allow_unsafe_import", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn starlark.Callable
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "function", &fn); err != nil {
			return nil, err
		}
		return p.sandbox.AllowUnsafe(func() (starlark.Value, error) {
			return starlark.Call(thread, fn, nil, nil)
		})
	})
}

func (p *Processor) importModuleBuiltin() *starlark.Builtin {
	return p.builtin("import_module", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		return p.sandbox.ImportModule(name)
	})
}

func (p *Processor) providerBuiltin() *starlark.Builtin {
	return p.builtin("provider", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var doc string
		var fields starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "doc?", &doc, "fields?", &fields); err != nil {
			return nil, err
		}
		fieldNames, err := providerFields(fields)
		if err != nil {
			return nil, err
		}
		if fieldNames == nil {
			return starlark.NewBuiltin("struct", starlarkstruct.Make), nil
		}
		return starlark.NewBuiltin("provider_instance", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) > 0 {
				return nil, fmt.Errorf("provider instances only accept keyword arguments")
			}
			for _, kwarg := range kwargs {
				name := string(kwarg[0].(starlark.String))
				if !contains(fieldNames, name) {
					return nil, fmt.Errorf("unexpected field '%s'; allowed fields are: %s", name, strings.Join(fieldNames, ", "))
				}
			}
			return starlarkstruct.FromKeywords(starlarkstruct.Default, kwargs), nil
		}), nil
	})
}

// providerFields extracts the allowed field names from the `fields` argument
// of provider(), which may be a list of names or a dict of name -> doc.
func providerFields(fields starlark.Value) ([]string, error) {
	switch fields := fields.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case *starlark.Dict:
		var names []string
		for _, key := range fields.Keys() {
			s, ok := key.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("provider field names must be strings")
			}
			names = append(names, string(s))
		}
		sort.Strings(names)
		return names, nil
	default:
		it := starlark.Iterate(fields)
		if it == nil {
			return nil, fmt.Errorf("provider fields must be a list of strings or a dict")
		}
		defer it.Done()
		var names []string
		var x starlark.Value
		for it.Next(&x) {
			s, ok := x.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("provider field names must be strings")
			}
			names = append(names, string(s))
		}
		return names, nil
	}
}

func (p *Processor) hostInfoBuiltin() *starlark.Builtin {
	return p.builtin("host_info", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return p.hostInfo(), nil
	})
}

// hostInfo builds (once) the struct of os/arch flags for this machine.
func (p *Processor) hostInfo() *starlarkstruct.Struct {
	p.hostInfoOnce.Do(func() {
		info := core.GetHostInfo()
		osDict := starlark.StringDict{}
		for _, os := range core.AllHostOSes {
			osDict["is_"+os] = starlark.Bool(os == info.OS)
		}
		archDict := starlark.StringDict{}
		for _, arch := range core.AllHostArchs {
			archDict["is_"+arch] = starlark.Bool(arch == info.Arch)
		}
		p.cachedHostInfo = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"os":   starlarkstruct.FromStringDict(starlarkstruct.Default, osDict),
			"arch": starlarkstruct.FromStringDict(starlarkstruct.Default, archDict),
		})
	})
	return p.cachedHostInfo
}

func (p *Processor) ruleBuiltin() *starlark.Builtin {
	return p.builtin("rule", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx, ok := currentContext(thread).(*IncludeContext)
		if !ok {
			return nil, fmt.Errorf("`rule()` is only allowed in extension files.")
		}
		var attrs *starlark.Dict
		test := false
		for _, kwarg := range kwargs {
			switch string(kwarg[0].(starlark.String)) {
			case "attrs":
				if d, ok := kwarg[1].(*starlark.Dict); ok {
					attrs = d
				} else if kwarg[1] != starlark.None {
					return nil, fmt.Errorf("rule: attrs must be a dict")
				}
			case "test":
				test = bool(kwarg[1].Truth())
			}
			// Other kwargs (implementation etc.) only matter to the strict
			// parser that re-reads this file; discard them.
		}
		if len(args) > 0 {
			return nil, fmt.Errorf("rule: unexpected positional arguments")
		}
		return newUserDefinedRule(ctx.Label, attrs, test)
	})
}

func (p *Processor) globBuiltin() *starlark.Builtin {
	return p.builtin("glob", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var includesValue, excludesValue, excludeValue starlark.Value
		includeDotfiles := false
		searchBase := ""
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"includes", &includesValue,
			"excludes?", &excludesValue,
			"include_dotfiles?", &includeDotfiles,
			"search_base?", &searchBase,
			"exclude?", &excludeValue); err != nil {
			return nil, err
		}
		if excludeValue != nil && excludesValue != nil {
			return nil, fmt.Errorf("Mixing 'exclude' and 'excludes' attributes is not allowed. Please replace them with a single 'excludes' argument.")
		}
		if excludesValue == nil {
			excludesValue = excludeValue
		}
		ctx, err := buildFileContext(thread, "glob")
		if err != nil {
			return nil, err
		}
		includes, err := stringsFromSequence(includesValue, "The first argument to glob() must be a list of strings.")
		if err != nil {
			return nil, err
		}
		excludes, err := stringsFromSequence(excludesValue, "The excludes argument must be a list of strings.")
		if err != nil {
			return nil, err
		}
		results, err := p.glob(ctx, includes, excludes, includeDotfiles, searchBase)
		if err != nil {
			return nil, err
		}
		list := make([]starlark.Value, len(results))
		for i, result := range results {
			list[i] = starlark.String(result)
		}
		return starlark.NewList(list), nil
	})
}

// glob evaluates one glob call: watcher backend first, then the filesystem
// walker, then the empty-result policy.
func (p *Processor) glob(ctx *BuildFileContext, includes, excludes []string, includeDotfiles bool, searchBase string) ([]string, error) {
	if ctx.Dirname == ctx.ProjectRoot {
		for _, pattern := range includes {
			if recursiveGlobPattern.MatchString(pattern) {
				return nil, fmt.Errorf("Recursive globs are prohibited at top-level directory")
			}
		}
	}
	var results []string
	switch {
	case len(includes) == 0:
		results = []string{}
	case ctx.Backend != nil && searchBase == "":
		var err error
		results, err = ctx.Backend.Glob(fs.GlobQuery{
			WatchRoot:       ctx.WatchRoot,
			ProjectPrefix:   ctx.ProjectPrefix,
			BasePath:        ctx.BasePath,
			Includes:        includes,
			Excludes:        excludes,
			IncludeDotfiles: includeDotfiles,
		})
		if err != nil {
			return nil, err
		}
	}
	if results == nil {
		base := ctx.Dirname
		if searchBase != "" {
			if filepath.IsAbs(searchBase) {
				base = searchBase
			} else {
				base = filepath.Join(ctx.Dirname, searchBase)
			}
		}
		var err error
		results, err = fs.Glob(ctx.ProjectRoot, base, includes, excludes, ctx.IgnorePaths, includeDotfiles)
		if err != nil {
			return nil, err
		}
	}
	if len(results) == 0 && !ctx.AllowEmptyGlobs {
		return nil, fmt.Errorf(
			"glob(includes=%v, excludes=%v, include_dotfiles=%v) returned no results. "+
				"(allow_empty_globs is set to false in the Buck configuration)",
			includes, excludes, includeDotfiles)
	}
	return results, nil
}

func (p *Processor) subdirGlobBuiltin() *starlark.Builtin {
	return p.builtin("subdir_glob", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var specs starlark.Iterable
		var excludesValue starlark.Value
		prefix := ""
		searchBase := ""
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"glob_specs", &specs,
			"excludes?", &excludesValue,
			"prefix?", &prefix,
			"search_base?", &searchBase); err != nil {
			return nil, err
		}
		ctx, err := buildFileContext(thread, "subdir_glob")
		if err != nil {
			return nil, err
		}
		excludes, err := stringsFromSequence(excludesValue, "The excludes argument must be a list of strings.")
		if err != nil {
			return nil, err
		}
		result := starlark.NewDict(8)
		iter := specs.Iterate()
		defer iter.Done()
		var spec starlark.Value
		for iter.Next(&spec) {
			dir, pattern, err := unpackGlobSpec(spec)
			if err != nil {
				return nil, err
			}
			files, err := p.glob(ctx, []string{joinGlobPattern(dir, pattern)}, excludes, false, searchBase)
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				key := file
				if dir != "" {
					key = file[len(dir)+1:]
				}
				if prefix != "" {
					key = filepath.Join(prefix, key)
				}
				keyValue := starlark.String(key)
				if existing, present, _ := result.Get(keyValue); present {
					if string(existing.(starlark.String)) != file {
						return nil, fmt.Errorf(
							`Conflicting files in subdirectory glob. "%s" maps to both "%s" and "%s".`,
							key, existing, file)
					}
					continue
				}
				if err := result.SetKey(keyValue, starlark.String(file)); err != nil {
					return nil, err
				}
			}
		}
		return result, nil
	})
}

func unpackGlobSpec(spec starlark.Value) (string, string, error) {
	seq, ok := spec.(starlark.Indexable)
	if !ok || seq.Len() != 2 {
		return "", "", fmt.Errorf("subdir_glob specs must be (directory, pattern) pairs")
	}
	dir, ok1 := seq.Index(0).(starlark.String)
	pattern, ok2 := seq.Index(1).(starlark.String)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("subdir_glob specs must be (directory, pattern) pairs of strings")
	}
	return string(dir), string(pattern), nil
}

func joinGlobPattern(dir, pattern string) string {
	if dir == "" {
		return pattern
	}
	return dir + "/" + pattern
}

// stringsFromSequence converts a non-string sequence of strings. A bare
// string is rejected with the given message; None yields nil.
func stringsFromSequence(v starlark.Value, message string) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	if _, ok := v.(starlark.String); ok {
		return nil, fmt.Errorf("%s", message)
	}
	it := starlark.Iterate(v)
	if it == nil {
		return nil, fmt.Errorf("%s", message)
	}
	defer it.Done()
	var result []string
	var x starlark.Value
	for it.Next(&x) {
		s, ok := x.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("%s", message)
		}
		result = append(result, string(s))
	}
	return result, nil
}

// valueToDisplayString renders a value for user-facing messages: strings
// print bare, everything else in starlark syntax.
func valueToDisplayString(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	if v == nil {
		return "None"
	}
	return v.String()
}
