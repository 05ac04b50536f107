// Package worker implements the persistent query loop: line-delimited JSON
// queries arrive on stdin, responses leave on the dedicated channel that
// stdout was duplicated to at startup.
package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/ArmedGuy/buck/src/cli/logging"
	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/parse"
)

var log = logging.Log

// A Query is one request from the parent process.
type Query struct {
	BuildFile           string                     `json:"buildFile"`
	WatchRoot           string                     `json:"watchRoot"`
	ProjectPrefix       string                     `json:"projectPrefix"`
	PackageImplicitLoad *parse.PackageImplicitLoad `json:"packageImplicitLoad,omitempty"`
	Command             string                     `json:"command,omitempty"`
}

// A Response is the answer to one query: the rule records followed by the
// metadata entries, plus any diagnostics produced along the way.
type Response struct {
	Values      []interface{}     `json:"values"`
	Diagnostics []core.Diagnostic `json:"diagnostics,omitempty"`
	Profile     string            `json:"profile,omitempty"`
}

// A Worker answers queries until its input closes.
type Worker struct {
	processor *parse.Processor
	state     *core.State
	in        io.Reader
	out       *bufio.Writer
	profiler  *Profiler
	quiet     bool
}

// New creates a worker reading queries from in and writing responses to out.
func New(state *core.State, processor *parse.Processor, in io.Reader, out io.Writer, quiet bool) *Worker {
	return &Worker{
		processor: processor,
		state:     state,
		in:        in,
		out:       bufio.NewWriter(out),
		profiler:  NewProfiler(),
		quiet:     quiet,
	}
}

// Run processes the initial build files given on the command line, then
// blocks answering queries until stdin reaches end of input.
func (w *Worker) Run(initialBuildFiles []string) error {
	for _, buildFile := range initialBuildFiles {
		w.processQuery(&Query{
			BuildFile: buildFile,
			WatchRoot: w.state.ProjectRoot,
		})
	}
	scanner := bufio.NewScanner(w.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		query := &Query{}
		if err := json.Unmarshal(line, query); err != nil {
			w.send(&Response{Values: []interface{}{}, Diagnostics: []core.Diagnostic{{
				Message: err.Error(),
				Level:   core.LevelFatal,
				Source:  "parse",
			}}})
			continue
		}
		if query.Command == "report_profile" {
			w.reportProfile()
			continue
		}
		w.processQuery(query)
	}
	return scanner.Err()
}

// processQuery evaluates one build file and writes its response, converting
// any failure into a fatal diagnostic. Per-query timing feeds the profiler.
func (w *Worker) processQuery(query *Query) {
	start := time.Now()
	buildFile := core.NormalizeCygwinPath(query.BuildFile)
	watchRoot := core.NormalizeCygwinPath(query.WatchRoot)
	projectPrefix := ""
	if query.ProjectPrefix != "" {
		projectPrefix = core.NormalizeCygwinPath(query.ProjectPrefix)
	}

	ctx, err := w.processor.ProcessBuildFile(watchRoot, projectPrefix, buildFile, query.PackageImplicitLoad)
	response := &Response{Values: []interface{}{}}
	if ctx != nil {
		response.Diagnostics = ctx.Diagnostics()
	}
	if err != nil {
		if !w.quiet {
			log.Error("Error processing %s: %s", buildFile, err)
		}
		response.Diagnostics = append(response.Diagnostics, parse.ToDiagnostic(err))
	} else {
		response.Values = buildValues(buildFile, ctx)
	}
	w.send(response)
	w.profiler.Record(buildFile, time.Since(start))
}

// buildValues assembles a successful response: the rules in declaration
// order followed by the three metadata entries.
func buildValues(buildFile string, ctx *parse.BuildFileContext) []interface{} {
	values := []interface{}{}
	for _, rule := range ctx.Rules() {
		values = append(values, stripNils(rule))
	}
	includes := []string{buildFile}
	includes = append(includes, sortedKeys(ctx.Includes())...)
	values = append(values,
		map[string]interface{}{"__includes": includes},
		map[string]interface{}{"__configs": ctx.UsedConfigs()},
		map[string]interface{}{"__env": ctx.UsedEnvVars()},
	)
	return values
}

// send encodes & writes one response. If encoding fails the response is
// re-emitted with empty values and a fatal diagnostic describing the error.
func (w *Worker) send(response *Response) {
	encoded, err := json.Marshal(response)
	if err != nil {
		fallback := &Response{
			Values: []interface{}{},
			Diagnostics: append(response.Diagnostics, core.Diagnostic{
				Message:   err.Error(),
				Level:     core.LevelFatal,
				Source:    "parse",
				Exception: &core.Exception{Type: "EncodeError", Value: err.Error()},
			}),
		}
		encoded, err = json.Marshal(fallback)
		if err != nil {
			// The fallback is all plain types; this shouldn't be reachable.
			log.Error("Failed to encode fallback response: %s", err)
			return
		}
	}
	if _, err := w.out.Write(encoded); err != nil {
		log.Error("Failed to write response: %s", err)
		return
	}
	if err := w.out.Flush(); err != nil {
		log.Error("Failed to flush response: %s", err)
	}
}

// reportProfile emits the synthetic profile response.
func (w *Worker) reportProfile() {
	w.send(&Response{
		Values:  []interface{}{},
		Profile: w.profiler.Report(),
	})
}

func stripNils(record map[string]interface{}) map[string]interface{} {
	stripped := make(map[string]interface{}, len(record))
	for key, value := range record {
		if value != nil {
			stripped[key] = value
		}
	}
	return stripped
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
