package parse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ArmedGuy/buck/src/core"
)

// A testRepo is a scratch project with a processor pointed at it.
type testRepo struct {
	root  string
	state *core.State
	p     *Processor
}

func newRepo(t *testing.T, files map[string]string, mutate func(*core.State)) *testRepo {
	t.Helper()
	root := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
	state := &core.State{
		ProjectRoot:   root,
		CellRoots:     core.CellRoots{},
		BuildFileName: "BUCK",
		Configs:       core.NewConfigs(nil),
	}
	if mutate != nil {
		mutate(state)
	}
	return &testRepo{root: root, state: state, p: NewProcessor(state, nil)}
}

func (r *testRepo) process(t *testing.T, relPath string) *BuildFileContext {
	t.Helper()
	ctx, err := r.p.ProcessBuildFile(r.root, "", relPath, nil)
	require.NoError(t, err)
	return ctx
}

func (r *testRepo) processErr(t *testing.T, relPath string) (*BuildFileContext, error) {
	t.Helper()
	return r.p.ProcessBuildFile(r.root, "", relPath, nil)
}

func TestSingleRule(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `java_library(name = "a", srcs = [])` + "\n",
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
	assert.Equal(t, map[string]interface{}{
		"buck.type":      "java_library",
		"buck.base_path": "pkg",
		"name":           "a",
		"srcs":           []interface{}{},
	}, ctx.Rules()[0])
	assert.Empty(t, ctx.Diagnostics())
}

func TestDuplicateRuleName(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
java_library(name = "a")
java_library(name = "a")
`,
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate rule definition 'a'")
}

func TestLoadAndUse(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl": `greeting = "hi"` + "\n",
		"pkg/BUCK": `
load("//:x.bzl", "greeting")
genrule(name = greeting, out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
	assert.Equal(t, "hi", ctx.Rules()[0]["name"])
	assert.Contains(t, ctx.Includes(), filepath.Join(r.root, "x.bzl"))
}

func TestLoadMissingSymbol(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl":    `greeting = "hi"` + "\n",
		"pkg/BUCK": `load("//:x.bzl", "missing")` + "\n",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestLoadAlias(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl": `exported = "value"` + "\n",
		"pkg/BUCK": `
load("//:x.bzl", local = "exported")
genrule(name = local, out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
	assert.Equal(t, "value", ctx.Rules()[0]["name"])
}

func TestEmptyGlobIsFatal(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `glob(["*.nope"])` + "\n",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "*.nope")
	assert.Contains(t, err.Error(), "returned no results")
}

func TestEmptyGlobAllowed(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `java_library(name = "a", srcs = glob(["*.nope"]))` + "\n",
	}, func(s *core.State) { s.AllowEmptyGlobs = true })
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, []interface{}{}, ctx.Rules()[0]["srcs"])
}

func TestGlobResults(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK":   `java_library(name = "a", srcs = glob(["*.java"], excludes = ["B.java"]))` + "\n",
		"pkg/A.java": "",
		"pkg/B.java": "",
		"pkg/C.java": "",
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, []interface{}{"A.java", "C.java"}, ctx.Rules()[0]["srcs"])
}

func TestRecursiveGlobAtRootProhibited(t *testing.T) {
	r := newRepo(t, map[string]string{
		"BUCK": `glob(["**/*.java"])` + "\n",
	}, nil)
	_, err := r.processErr(t, "BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Recursive globs are prohibited at top-level directory")
}

func TestGlobOnStringIsFatal(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `glob("*.java")` + "\n",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a list of strings")
}

func TestSubdirGlob(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK":             `java_library(name = "a", srcs = subdir_glob([("src", "**/*.h")], prefix = "inc"))` + "\n",
		"pkg/src/foo.h":        "",
		"pkg/src/deeper/bar.h": "",
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, map[string]interface{}{
		"inc/foo.h":        "src/foo.h",
		"inc/deeper/bar.h": "src/deeper/bar.h",
	}, ctx.Rules()[0]["srcs"])
}

func TestSubdirGlobConflict(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK":      `subdir_glob([("a", "*.h"), ("b", "*.h")])` + "\n",
		"pkg/a/same.h":  "",
		"pkg/b/same.h":  "",
		"pkg/b/other.h": "",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conflicting files")
}

func TestReadConfig(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
value = read_config("a", "b", "d")
missing = read_config("a", "nope", "fallback")
genrule(name = value, out = missing, cmd = "")
`,
	}, func(s *core.State) {
		s.Configs = core.NewConfigs(map[string]map[string]interface{}{"a": {"b": "v"}})
	})
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "v", ctx.Rules()[0]["name"])
	assert.Equal(t, "fallback", ctx.Rules()[0]["out"])
	// The recorded read carries the actual value; unknown keys record the
	// absent sentinel, not the default.
	assert.Equal(t, map[string]map[string]interface{}{
		"a": {"b": "v", "nope": nil},
	}, ctx.UsedConfigs())
}

func TestHostInfo(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
info = host_info()
genrule(name = "a", out = "o", cmd = "linux" if info.os.is_linux else "other")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	expected := "other"
	if core.GetHostInfo().OS == "linux" {
		expected = "linux"
	}
	assert.Equal(t, expected, ctx.Rules()[0]["cmd"])
}

func TestHostInfoFlagsAreExclusive(t *testing.T) {
	r := newRepo(t, nil, nil)
	info := r.p.hostInfo()
	osValue, err := info.Attr("os")
	require.NoError(t, err)
	osStruct := osValue.(*starlarkstruct.Struct)
	trueCount := 0
	for _, name := range osStruct.AttrNames() {
		v, err := osStruct.Attr(name)
		require.NoError(t, err)
		if v == starlark.True {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestUserDefinedRule(t *testing.T) {
	r := newRepo(t, map[string]string{
		"r.bzl": `MyRule = rule(attrs = {"x": attr.string(default = "d")})` + "\n",
		"pkg/BUCK": `
load("//:r.bzl", "MyRule")
MyRule(name = "n")
`,
	}, func(s *core.State) { s.EnableUserDefinedRules = true })
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
	assert.Equal(t, map[string]interface{}{
		"buck.type":      "//:r.bzl:MyRule",
		"buck.base_path": "pkg",
		"name":           "n",
		"x":              "d",
	}, ctx.Rules()[0])
}

func TestUserDefinedRuleChecksArguments(t *testing.T) {
	files := map[string]string{
		"r.bzl": `MyRule = rule(attrs = {"x": attr.string(), "y": attr.int(mandatory = True)})` + "\n",
	}
	enable := func(s *core.State) { s.EnableUserDefinedRules = true }

	r := newRepo(t, withBuildFile(files, `
load("//:r.bzl", "MyRule")
MyRule(name = "n", y = 1, zz = "nope")
`), enable)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unexpected extra parameter(s) 'zz'")

	r = newRepo(t, withBuildFile(files, `
load("//:r.bzl", "MyRule")
MyRule(name = "n")
`), enable)
	_, err = r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mandatory parameter 'y'")

	r = newRepo(t, withBuildFile(files, `
load("//:r.bzl", "MyRule")
MyRule(y = 2)
`), enable)
	_, err = r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mandatory parameter 'name'")
}

func withBuildFile(files map[string]string, contents string) map[string]string {
	merged := map[string]string{"pkg/BUCK": contents}
	for name, c := range files {
		merged[name] = c
	}
	return merged
}

func TestUserDefinedRuleSuggestsAttribute(t *testing.T) {
	r := newRepo(t, map[string]string{
		"r.bzl": `MyRule = rule(attrs = {"sources": attr.string_list()})` + "\n",
		"pkg/BUCK": `
load("//:r.bzl", "MyRule")
MyRule(name = "n", source = ["a"])
`,
	}, func(s *core.State) { s.EnableUserDefinedRules = true })
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Maybe you meant 'sources'?")
}

func TestUserDefinedRuleShadowingBuiltinAttr(t *testing.T) {
	r := newRepo(t, map[string]string{
		"r.bzl":    `MyRule = rule(attrs = {"visibility": attr.string_list()})` + "\n",
		"pkg/BUCK": `load("//:r.bzl", "MyRule")` + "\n",
	}, func(s *core.State) { s.EnableUserDefinedRules = true })
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows a builtin attribute")
}

func TestUserDefinedRuleNotCallableInExtension(t *testing.T) {
	r := newRepo(t, map[string]string{
		"r.bzl": `MyRule = rule(attrs = {})` + "\n",
		"use.bzl": `
load("//:r.bzl", "MyRule")
MyRule(name = "n")
`,
		"pkg/BUCK": `load("//:use.bzl", "MyRule")` + "\n",
	}, func(s *core.State) { s.EnableUserDefinedRules = true })
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may not be called from the top level of extension files")
}

func TestRuleOnlyAllowedInExtensions(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `rule(attrs = {})` + "\n",
	}, func(s *core.State) { s.EnableUserDefinedRules = true })
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only allowed in extension files")
}

func TestPackageNameFatalInExtension(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl":    `pkg = package_name()` + "\n",
		"pkg/BUCK": `load("//:x.bzl", "pkg")` + "\n",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot use `package_name()` at the top-level of an included file.")
}

func TestPackageNameInMacroSeesBuildFile(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl": `
def my_macro():
    return package_name()
`,
		"pkg/BUCK": `
load("//:x.bzl", "my_macro")
genrule(name = my_macro(), out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "pkg", ctx.Rules()[0]["name"])
}

func TestCellNameBuiltins(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `genrule(name = get_cell_name() + "x", out = repository_name(), cmd = "")` + "\n",
	}, func(s *core.State) { s.CellName = "cell" })
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "cellx", ctx.Rules()[0]["name"])
	assert.Equal(t, "@cell", ctx.Rules()[0]["out"])
}

func TestRuleExists(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
java_library(name = "a")
genrule(name = "yes" if rule_exists("a") else "no", out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "yes", ctx.Rules()[1]["name"])
}

func TestIncludeCacheReturnsSameResult(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl": `value = "v"` + "\n",
	}, nil)
	bi, err := core.ResolveInclude(r.root, r.state.CellRoots, "//x.bzl")
	require.NoError(t, err)
	first, err := r.p.processInclude(bi, false)
	require.NoError(t, err)
	second, err := r.p.processInclude(bi, false)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	files := map[string]string{
		"x.bzl": `greeting = "hi"` + "\n",
		"pkg/BUCK": `
load("//:x.bzl", "greeting")
value = read_config("a", "b", "d")
java_library(name = greeting, srcs = glob(["*.java"]))
java_library(name = value)
`,
		"pkg/A.java": "",
	}
	mutate := func(s *core.State) {
		s.Configs = core.NewConfigs(map[string]map[string]interface{}{"a": {"b": "v"}})
		s.AllowEmptyGlobs = true
	}
	first := newRepo(t, files, mutate)
	ctx1 := first.process(t, "pkg/BUCK")
	ctx2 := first.process(t, "pkg/BUCK")
	assert.Equal(t, ctx1.Rules(), ctx2.Rules())
	assert.Equal(t, ctx1.UsedConfigs(), ctx2.UsedConfigs())
	assert.Equal(t, ctx1.UsedEnvVars(), ctx2.UsedEnvVars())
	relativeIncludes := func(ctx *BuildFileContext) []string {
		var paths []string
		for path := range ctx.Includes() {
			rel, err := filepath.Rel(first.root, path)
			require.NoError(t, err)
			paths = append(paths, rel)
		}
		return paths
	}
	assert.ElementsMatch(t, relativeIncludes(ctx1), relativeIncludes(ctx2))
	assert.ElementsMatch(t, []string{"x.bzl"}, relativeIncludes(ctx1))
}

func TestIncludeDefs(t *testing.T) {
	r := newRepo(t, map[string]string{
		"DEFS": `answer = "42"` + "\n",
		"pkg/BUCK": `
include_defs("//DEFS")
genrule(name = answer, out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "42", ctx.Rules()[0]["name"])
	assert.Contains(t, ctx.Includes(), filepath.Join(r.root, "DEFS"))
}

func TestIncludeDefsNamespace(t *testing.T) {
	r := newRepo(t, map[string]string{
		"DEFS": `answer = "42"` + "\n",
		"pkg/BUCK": `
include_defs("//DEFS", namespace = "defs")
genrule(name = defs.answer, out = "o", cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "42", ctx.Rules()[0]["name"])
}

func TestIncludeDefsDoesNotLeakHiddenOrPrivate(t *testing.T) {
	r := newRepo(t, map[string]string{
		"DEFS": `
_private = "p"
public = "v"
`,
		"pkg/BUCK": `
include_defs("//DEFS")
genrule(name = _private, out = "o", cmd = "")
`,
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	assert.Error(t, err)
}

func TestIncludeDefsOnUntakenBranch(t *testing.T) {
	// An include_defs referencing a missing file on a branch that never
	// executes must not break the file.
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
if False:
    include_defs("//missing/DEFS")
java_library(name = "a")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
}

func TestIncludeDefsFailureOnTakenBranch(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
if True:
    include_defs("//missing/DEFS")
`,
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	assert.Error(t, err)
}

func TestImplicitIncludes(t *testing.T) {
	r := newRepo(t, map[string]string{
		"defs/DEFS": `default_visibility = ["PUBLIC"]` + "\n",
		"pkg/BUCK":  `java_library(name = "a", visibility = default_visibility)` + "\n",
	}, func(s *core.State) { s.ImplicitIncludes = []string{"//defs/DEFS"} })
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, []interface{}{"PUBLIC"}, ctx.Rules()[0]["visibility"])
	assert.Contains(t, ctx.Includes(), filepath.Join(r.root, "defs/DEFS"))
}

func TestPackageImplicitLoad(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/sym.bzl": `exported = "value"` + "\n",
		"pkg/BUCK":    `genrule(name = implicit_package_symbol("alias"), out = implicit_package_symbol("nope", "dflt"), cmd = "")` + "\n",
	}, nil)
	ctx, err := r.p.ProcessBuildFile(r.root, "", "pkg/BUCK", &PackageImplicitLoad{
		LoadPath:    "//pkg:sym.bzl",
		LoadSymbols: map[string]string{"alias": "exported"},
	})
	require.NoError(t, err)
	assert.Equal(t, "value", ctx.Rules()[0]["name"])
	assert.Equal(t, "dflt", ctx.Rules()[0]["out"])
}

func TestPackageImplicitLoadMissingSymbol(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/sym.bzl": `exported = "value"` + "\n",
		"pkg/BUCK":    `java_library(name = "a")` + "\n",
	}, nil)
	_, err := r.p.ProcessBuildFile(r.root, "", "pkg/BUCK", &PackageImplicitLoad{
		LoadPath:    "//pkg:sym.bzl",
		LoadSymbols: map[string]string{"alias": "nope"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not find symbol 'nope'")
}

func TestSelectIsOpaque(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
java_library(
    name = "a",
    deps = ["//base:lib"] + select({"//config:x": ["//x:lib"]}, no_match_message = "nope"),
)
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	deps := ctx.Rules()[0]["deps"].(map[string]interface{})
	assert.Equal(t, "SelectorList", deps["@type"])
	items := deps["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, []interface{}{"//base:lib"}, items[0])
	selector := items[1].(map[string]interface{})
	assert.Equal(t, "SelectorValue", selector["@type"])
	assert.Equal(t, "nope", selector["no_match_message"])
}

func TestDepsetDeterministicOrder(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `java_library(name = "a", deps = depset(["b", "a", "b", "c"]))` + "\n",
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, []interface{}{"b", "a", "c"}, ctx.Rules()[0]["deps"])
}

func TestFlattenDicts(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
merged = flatten_dicts({"a": "1", "b": "2"}, {"b": "3"})
genrule(name = merged["a"], out = merged["b"], cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "1", ctx.Rules()[0]["name"])
	assert.Equal(t, "3", ctx.Rules()[0]["out"])
}

func TestStructAndProvider(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
s = struct(x = "1")
Info = provider(fields = ["data"])
info = Info(data = "d")
genrule(name = s.x, out = info.data, cmd = "")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Equal(t, "1", ctx.Rules()[0]["name"])
	assert.Equal(t, "d", ctx.Rules()[0]["out"])
}

func TestProviderRejectsUnknownFields(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
Info = provider(fields = ["data"])
info = Info(nope = "d")
`,
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected field 'nope'")
}

func TestFailBuiltin(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `fail("boom", attr = "srcs")` + "\n",
	}, nil)
	_, err := r.processErr(t, "pkg/BUCK")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attribute srcs: boom")
}

func TestNativeNamespace(t *testing.T) {
	r := newRepo(t, map[string]string{
		"x.bzl": `
def make_lib(name):
    native.java_library(name = name, srcs = native.glob(["*.java"]))
`,
		"pkg/BUCK":   `load("//:x.bzl", "make_lib")` + "\n" + `make_lib("a")` + "\n",
		"pkg/A.java": "",
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
	assert.Equal(t, "java_library", ctx.Rules()[0]["buck.type"])
	assert.Equal(t, []interface{}{"A.java"}, ctx.Rules()[0]["srcs"])
}

func TestDisableImplicitNativeRules(t *testing.T) {
	files := map[string]string{
		"x.bzl": `
def make_lib(name):
    native.java_library(name = name)
`,
	}
	disable := func(s *core.State) { s.DisableImplicitNativeRules = true }

	// Direct native rule calls in build files fail to resolve.
	r := newRepo(t, withBuildFile(files, `java_library(name = "a")`+"\n"), disable)
	_, err := r.processErr(t, "pkg/BUCK")
	assert.Error(t, err)

	// The native namespace still works from extension code.
	r = newRepo(t, withBuildFile(files, `
load("//:x.bzl", "make_lib")
make_lib("a")
`), disable)
	ctx := r.process(t, "pkg/BUCK")
	require.Len(t, ctx.Rules(), 1)
}

func TestRuleInsertionOrderPreserved(t *testing.T) {
	r := newRepo(t, map[string]string{
		"pkg/BUCK": `
java_library(name = "zeta")
java_library(name = "alpha")
java_library(name = "mid")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	names := []string{}
	for _, rule := range ctx.Rules() {
		names = append(names, rule["name"].(string))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestAddBuildFileDep(t *testing.T) {
	r := newRepo(t, map[string]string{
		"tools/script.sh": "#!/bin/sh\n",
		"pkg/BUCK": `
add_build_file_dep("//tools/script.sh")
java_library(name = "a")
`,
	}, nil)
	ctx := r.process(t, "pkg/BUCK")
	assert.Contains(t, ctx.Includes(), filepath.Join(r.root, "tools/script.sh"))
}
