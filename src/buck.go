package main

import (
	"os"
	"time"

	"github.com/ArmedGuy/buck/src/cli"
	"github.com/ArmedGuy/buck/src/cli/logging"
	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/fs"
	"github.com/ArmedGuy/buck/src/parse"
	"github.com/ArmedGuy/buck/src/watchfs"
	"github.com/ArmedGuy/buck/src/watchman"
	"github.com/ArmedGuy/buck/src/worker"
)

var log = logging.Log

var opts struct {
	ProjectRoot   string          `long:"project_root" description:"Absolute path to the repository root." required:"true"`
	CellRoots     []cli.KeyValue  `long:"cell_root" description:"Cell roots that can be referenced by includes, as NAME=PATH."`
	CellName      string          `long:"cell_name" description:"Cell this worker is evaluating build files in."`
	BuildFileName string          `long:"build_file_name" description:"Expected leaf file name of build files." default:"BUCK"`

	AllowEmptyGlobs bool `long:"allow_empty_globs" description:"Don't raise an error when glob returns no results."`

	UseWatchmanGlob          bool   `long:"use_watchman_glob" description:"Query the watchman service for glob results instead of globbing in-process."`
	WatchmanUseGlobGenerator bool   `long:"watchman_use_glob_generator" description:"Use the watchman glob generator to speed queries."`
	WatchmanGlobStatResults  bool   `long:"watchman_glob_stat_results" description:"Stat watchman glob results to sanity check them."`
	WatchmanSocketPath       string `long:"watchman_socket_path" description:"Path to the unix domain socket as returned by 'watchman get-sockname'."`
	WatchmanQueryTimeoutMS   int    `long:"watchman_query_timeout_ms" description:"Maximum time in milliseconds to wait for a watchman query to respond."`
	UseFSWatcher             bool   `long:"use_fs_watcher" description:"Serve globs from an in-process filesystem watcher."`

	Include     []string `long:"include" description:"Implicit include labels processed into every build file."`
	Config      string   `long:"config" description:"Path to a JSON file of config settings available at parse time."`
	IgnorePaths string   `long:"ignore_paths" description:"Path to a JSON file of glob patterns that should be ignored."`

	ImportWhitelist []string `long:"build_file_import_whitelist" description:"Module names build files may import."`

	DisableImplicitNativeRules bool `long:"disable_implicit_native_rules" description:"Do not allow native rules in build files, only included ones."`
	WarnAboutDeprecatedSyntax  bool `long:"warn_about_deprecated_syntax" description:"Warn about deprecated syntax usage."`
	EnableUserDefinedRules     bool `long:"enable_user_defined_rules" description:"Allow user defined rule primitives in extension files."`

	Quiet     bool          `long:"quiet" description:"Stifle exception backtraces printed to stderr during parsing."`
	Profile   bool          `long:"profile" description:"Profile every build file execution."`
	Verbosity cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of output (error, warning, notice, info, debug)" default:"warning"`
}

func main() {
	buildFiles := cli.ParseFlagsOrDie("buck worker", &opts)
	cli.InitLogging(opts.Verbosity)

	// Reroute stdout before anything can write to it; the parent reads
	// responses from the original fd.
	toParent, err := worker.RerouteStdout()
	if err != nil {
		log.Fatalf("Failed to set up response channel: %s", err)
	}
	defer toParent.Close()

	state, err := buildState()
	if err != nil {
		log.Fatalf("%s", err)
	}
	backend, err := buildBackend(state)
	if err != nil {
		log.Fatalf("%s", err)
	}

	processor := parse.NewProcessor(state, backend)
	w := worker.New(state, processor, os.Stdin, toParent, opts.Quiet)
	if err := w.Run(buildFiles); err != nil {
		log.Fatalf("Failed reading queries: %s", err)
	}
}

func buildState() (*core.State, error) {
	projectRoot := core.NormalizeCygwinPath(opts.ProjectRoot)
	cellRoots := core.CellRoots{}
	for _, kv := range opts.CellRoots {
		cellRoots[kv.Key] = core.NormalizeCygwinPath(kv.Value)
	}
	configs, err := core.LoadConfigs(opts.Config)
	if err != nil {
		return nil, err
	}
	ignorePaths, err := core.LoadIgnorePaths(opts.IgnorePaths)
	if err != nil {
		return nil, err
	}
	return &core.State{
		ProjectRoot:                projectRoot,
		CellRoots:                  cellRoots,
		CellName:                   opts.CellName,
		BuildFileName:              opts.BuildFileName,
		AllowEmptyGlobs:            opts.AllowEmptyGlobs,
		Configs:                    configs,
		IgnorePaths:                ignorePaths,
		ImplicitIncludes:           opts.Include,
		ImportWhitelist:            opts.ImportWhitelist,
		DisableImplicitNativeRules: opts.DisableImplicitNativeRules,
		WarnAboutDeprecatedSyntax:  opts.WarnAboutDeprecatedSyntax,
		EnableUserDefinedRules:     opts.EnableUserDefinedRules,
		WatchmanGlobStatResults:    opts.WatchmanGlobStatResults,
		WatchmanUseGlobGenerator:   opts.WatchmanUseGlobGenerator,
	}, nil
}

func buildBackend(state *core.State) (fs.Backend, error) {
	if opts.UseWatchmanGlob {
		timeout := watchman.DefaultQueryTimeout
		if opts.WatchmanQueryTimeoutMS > 0 {
			timeout = time.Duration(opts.WatchmanQueryTimeoutMS) * time.Millisecond
		}
		return watchman.NewClient(opts.WatchmanSocketPath, timeout, state.WatchmanGlobStatResults, state.WatchmanUseGlobGenerator), nil
	}
	if opts.UseFSWatcher {
		return watchfs.Watch(state.ProjectRoot)
	}
	return nil, nil
}
