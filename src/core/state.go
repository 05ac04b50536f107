package core

// State carries the process-wide configuration the parent handed us at
// startup. It is immutable once the worker starts answering queries.
type State struct {
	// ProjectRoot is the absolute path to the repository root.
	ProjectRoot string
	// CellRoots maps cell names to their absolute roots.
	CellRoots CellRoots
	// CellName is the cell this worker evaluates build files in.
	CellName string
	// BuildFileName is the expected leaf name of build files, e.g. BUCK.
	BuildFileName string
	// AllowEmptyGlobs suppresses the fatal diagnostic for empty glob results.
	AllowEmptyGlobs bool
	// Configs is the parse-time config store.
	Configs *Configs
	// IgnorePaths are glob patterns (relative to the project root) that the
	// internal glob walker must never return.
	IgnorePaths []string
	// ImplicitIncludes are include labels processed into every build file.
	ImplicitIncludes []string
	// ImportWhitelist is the per-project extension to the module whitelist.
	ImportWhitelist []string
	// DisableImplicitNativeRules hides native rules from build file scope.
	DisableImplicitNativeRules bool
	// WarnAboutDeprecatedSyntax enables deprecation warning diagnostics.
	WarnAboutDeprecatedSyntax bool
	// EnableUserDefinedRules exposes rule() and attr to extension files.
	EnableUserDefinedRules bool
	// WatchmanGlobStatResults makes glob stat each watcher result.
	WatchmanGlobStatResults bool
	// WatchmanUseGlobGenerator uses the watcher's glob generator queries.
	WatchmanUseGlobGenerator bool
}
