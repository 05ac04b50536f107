package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArmedGuy/buck/src/core"
	"github.com/ArmedGuy/buck/src/parse"
)

func newTestWorker(t *testing.T, files map[string]string, queries ...string) (*Worker, *bytes.Buffer) {
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
		Configs:       core.NewConfigs(map[string]map[string]interface{}{"a": {"b": "v"}}),
	}
	out := &bytes.Buffer{}
	in := strings.NewReader(strings.Join(queries, "\n") + "\n")
	return New(state, parse.NewProcessor(state, nil), in, out, false), out
}

// decodeResponses splits the concatenated JSON objects of the output stream.
func decodeResponses(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	decoder := json.NewDecoder(bytes.NewReader(out.Bytes()))
	var responses []map[string]interface{}
	for decoder.More() {
		response := map[string]interface{}{}
		require.NoError(t, decoder.Decode(&response))
		responses = append(responses, response)
	}
	return responses
}

func TestSingleRuleQuery(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{"pkg/BUCK": `java_library(name = "a", srcs = [])` + "\n"},
		`{"buildFile": "pkg/BUCK", "watchRoot": "", "projectPrefix": ""}`)
	require.NoError(t, w.Run(nil))

	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)
	values := responses[0]["values"].([]interface{})
	require.Len(t, values, 4)
	assert.Equal(t, map[string]interface{}{
		"buck.type":      "java_library",
		"buck.base_path": "pkg",
		"name":           "a",
		"srcs":           []interface{}{},
	}, values[0])
	includes := values[1].(map[string]interface{})["__includes"].([]interface{})
	assert.Equal(t, "pkg/BUCK", includes[0])
	assert.Contains(t, values[2].(map[string]interface{}), "__configs")
	assert.Contains(t, values[3].(map[string]interface{}), "__env")
	_, present := responses[0]["diagnostics"]
	assert.False(t, present)
}

func TestDuplicateRuleDiagnostic(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{"pkg/BUCK": "java_library(name = \"a\")\njava_library(name = \"a\")\n"},
		`{"buildFile": "pkg/BUCK"}`)
	require.NoError(t, w.Run(nil))

	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0]["values"])
	diagnostics := responses[0]["diagnostics"].([]interface{})
	require.Len(t, diagnostics, 1)
	d := diagnostics[0].(map[string]interface{})
	assert.Equal(t, "fatal", d["level"])
	assert.Equal(t, "parse", d["source"])
	assert.Contains(t, d["message"], "Duplicate rule definition 'a'")
}

func TestConfigReadSurfacesInResponse(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{"pkg/BUCK": `java_library(name = read_config("a", "b", "d"))` + "\n"},
		`{"buildFile": "pkg/BUCK"}`)
	require.NoError(t, w.Run(nil))

	responses := decodeResponses(t, out)
	values := responses[0]["values"].([]interface{})
	configs := values[2].(map[string]interface{})["__configs"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{"b": "v"}}, configs)
}

func TestLoadTrackedInIncludes(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{
			"x.bzl":    `greeting = "hi"` + "\n",
			"pkg/BUCK": "load(\"//:x.bzl\", \"greeting\")\ngenrule(name = greeting, out = \"o\", cmd = \"\")\n",
		},
		`{"buildFile": "pkg/BUCK"}`)
	require.NoError(t, w.Run(nil))

	responses := decodeResponses(t, out)
	values := responses[0]["values"].([]interface{})
	assert.Equal(t, "hi", values[0].(map[string]interface{})["name"])
	includes := values[1].(map[string]interface{})["__includes"].([]interface{})
	require.Len(t, includes, 2)
	assert.True(t, strings.HasSuffix(includes[1].(string), "/x.bzl"))
}

func TestMultipleQueriesOneWorker(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{
			"a/BUCK": `java_library(name = "a")` + "\n",
			"b/BUCK": `java_library(name = "b")` + "\n",
		},
		`{"buildFile": "a/BUCK"}`,
		`{"buildFile": "b/BUCK"}`)
	require.NoError(t, w.Run(nil))
	responses := decodeResponses(t, out)
	require.Len(t, responses, 2)
	assert.Equal(t, "a", responses[0]["values"].([]interface{})[0].(map[string]interface{})["name"])
	assert.Equal(t, "b", responses[1]["values"].([]interface{})[0].(map[string]interface{})["name"])
}

func TestWorkerSurvivesFatalQuery(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{
			"bad/BUCK":  `fail("boom")` + "\n",
			"good/BUCK": `java_library(name = "ok")` + "\n",
		},
		`{"buildFile": "bad/BUCK"}`,
		`{"buildFile": "good/BUCK"}`)
	require.NoError(t, w.Run(nil))
	responses := decodeResponses(t, out)
	require.Len(t, responses, 2)
	assert.NotEmpty(t, responses[0]["diagnostics"])
	assert.Equal(t, "ok", responses[1]["values"].([]interface{})[0].(map[string]interface{})["name"])
}

func TestReportProfile(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{"pkg/BUCK": `java_library(name = "a")` + "\n"},
		`{"buildFile": "pkg/BUCK"}`,
		`{"command": "report_profile"}`)
	require.NoError(t, w.Run(nil))
	responses := decodeResponses(t, out)
	require.Len(t, responses, 2)
	profile := responses[1]["profile"].(string)
	assert.Contains(t, profile, "Total:")
	assert.Contains(t, profile, "pkg/BUCK")
}

func TestInitialBuildFilesProcessedBeforeQueries(t *testing.T) {
	w, out := newTestWorker(t,
		map[string]string{
			"first/BUCK": `java_library(name = "first")` + "\n",
			"pkg/BUCK":   `java_library(name = "later")` + "\n",
		},
		`{"buildFile": "pkg/BUCK"}`)
	require.NoError(t, w.Run([]string{"first/BUCK"}))
	responses := decodeResponses(t, out)
	require.Len(t, responses, 2)
	assert.Equal(t, "first", responses[0]["values"].([]interface{})[0].(map[string]interface{})["name"])
}

func TestMalformedQueryProducesDiagnostic(t *testing.T) {
	w, out := newTestWorker(t, map[string]string{}, `{not json}`)
	require.NoError(t, w.Run(nil))
	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)
	diagnostics := responses[0]["diagnostics"].([]interface{})
	assert.Equal(t, "fatal", diagnostics[0].(map[string]interface{})["level"])
}

func TestProfilerReportOrdering(t *testing.T) {
	p := NewProfiler()
	p.Record("slow/BUCK", 3*time.Second)
	p.Record("fast/BUCK", time.Millisecond)
	report := p.Report()
	slow := strings.Index(report, "slow/BUCK")
	fast := strings.Index(report, "fast/BUCK")
	require.NotEqual(t, -1, slow)
	require.NotEqual(t, -1, fast)
	assert.Less(t, slow, fast)
}

func TestEncodingFallback(t *testing.T) {
	out := &bytes.Buffer{}
	w := &Worker{out: bufio.NewWriter(out), profiler: NewProfiler()}
	w.send(&Response{Values: []interface{}{map[string]interface{}{"bad": func() {}}}})
	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0]["values"])
	diagnostics := responses[0]["diagnostics"].([]interface{})
	require.Len(t, diagnostics, 1)
	d := diagnostics[0].(map[string]interface{})
	assert.Equal(t, "fatal", d["level"])
	assert.Equal(t, "parse", d["source"])
}
