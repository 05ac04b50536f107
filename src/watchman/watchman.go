// Package watchman implements a client for the watchman file-watching
// service, used as an accelerated glob oracle during build file parsing.
//
// The wire protocol is simple: commands are JSON arrays written to a unix
// socket, one per line, and each elicits exactly one JSON object in reply.
package watchman

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ArmedGuy/buck/src/cli/logging"
	"github.com/ArmedGuy/buck/src/fs"
)

var log = logging.Log

// DefaultQueryTimeout is applied to queries when the parent didn't
// configure one.
const DefaultQueryTimeout = 60 * time.Second

// An Error is any failure to communicate with the watcher; the worker
// reports these with their own diagnostic source.
type Error struct {
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Msg }

func errorf(format string, args ...interface{}) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// A Client talks to a watchman instance over its unix socket.
type Client struct {
	sockPath         string
	timeout          time.Duration
	statResults      bool
	useGlobGenerator bool
	conn             net.Conn
	reader           *bufio.Reader
}

// NewClient creates a client for the watchman at the given socket path.
// No connection is made until the first query.
func NewClient(sockPath string, timeout time.Duration, statResults, useGlobGenerator bool) *Client {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Client{
		sockPath:         sockPath,
		timeout:          timeout,
		statResults:      statResults,
		useGlobGenerator: useGlobGenerator,
	}
}

// Glob implements the fs.Backend interface by issuing a watchman query.
func (c *Client) Glob(query fs.GlobQuery) ([]string, error) {
	relativeRoot := query.BasePath
	if query.ProjectPrefix != "" {
		relativeRoot = filepath.Join(query.ProjectPrefix, query.BasePath)
	}
	q := map[string]interface{}{
		"relative_root": relativeRoot,
		"fields":        []string{"name"},
	}
	if c.useGlobGenerator {
		q["glob"] = query.Includes
		q["glob_includedotfiles"] = query.IncludeDotfiles
		if expr := excludeExpression(query.Excludes, query.IncludeDotfiles); expr != nil {
			q["expression"] = expr
		}
	} else {
		q["expression"] = matchExpression(query)
	}
	response, err := c.command("query", query.WatchRoot, q)
	if err != nil {
		return nil, err
	}
	var result struct {
		Files   []string `json:"files"`
		Warning string   `json:"warning"`
	}
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, errorf("malformed watchman response: %s", err)
	}
	if result.Warning != "" {
		log.Warning("Watchman warning: %s", result.Warning)
	}
	files := result.Files
	if files == nil {
		files = []string{}
	}
	if c.statResults {
		files = c.statFiles(query, files)
	}
	return files, nil
}

// matchExpression builds the expression-based form of a glob query, matching
// files & symlinks against every include pattern and no exclude pattern.
func matchExpression(query fs.GlobQuery) []interface{} {
	matchOpts := map[string]interface{}{"includedotfiles": query.IncludeDotfiles}
	includes := []interface{}{"anyof"}
	for _, pattern := range query.Includes {
		includes = append(includes, []interface{}{"match", pattern, "wholename", matchOpts})
	}
	expr := []interface{}{
		"allof",
		[]interface{}{"anyof", []interface{}{"type", "f"}, []interface{}{"type", "l"}},
		includes,
	}
	if excl := excludeExpression(query.Excludes, query.IncludeDotfiles); excl != nil {
		expr = append(expr, excl)
	}
	return expr
}

func excludeExpression(excludes []string, includeDotfiles bool) []interface{} {
	if len(excludes) == 0 {
		return nil
	}
	matchOpts := map[string]interface{}{"includedotfiles": includeDotfiles}
	anyof := []interface{}{"anyof"}
	for _, pattern := range excludes {
		anyof = append(anyof, []interface{}{"match", pattern, "wholename", matchOpts})
	}
	return []interface{}{"not", anyof}
}

// statFiles drops results that no longer exist on disk, guarding against a
// stale watcher.
func (c *Client) statFiles(query fs.GlobQuery, files []string) []string {
	dir := filepath.Join(query.WatchRoot, query.ProjectPrefix, query.BasePath)
	checked := files[:0]
	for _, file := range files {
		if _, err := os.Lstat(filepath.Join(dir, file)); err == nil {
			checked = append(checked, file)
		} else {
			log.Warning("Watchman returned non-existent file %s; dropping", file)
		}
	}
	return checked
}

// command sends one command array and decodes the reply.
func (c *Client) command(args ...interface{}) (json.RawMessage, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errorf("failed to set watchman deadline: %s", err)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, errorf("failed to encode watchman command: %s", err)
	}
	if _, err := c.conn.Write(append(encoded, '\n')); err != nil {
		c.close()
		return nil, errorf("failed to send watchman command: %s", err)
	}
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.close()
			return nil, errorf("failed to read watchman response: %s", err)
		}
		var envelope struct {
			Error       string `json:"error"`
			Log         string `json:"log"`
			Unilateral  bool   `json:"unilateral"`
			Subscribe   string `json:"subscribe"`
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.close()
			return nil, errorf("malformed watchman response: %s", err)
		}
		// Skip unilateral packets (log/subscription notices).
		if envelope.Unilateral || envelope.Log != "" || envelope.Subscription != "" {
			continue
		}
		if envelope.Error != "" {
			return nil, errorf("watchman error: %s", envelope.Error)
		}
		return json.RawMessage(line), nil
	}
}

func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.sockPath, c.timeout)
	if err != nil {
		return errorf("failed to connect to watchman at %s: %s", c.sockPath, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close shuts down the connection to the watcher.
func (c *Client) Close() {
	c.close()
}
