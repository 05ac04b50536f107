//go:build windows

package worker

import (
	"os"
)

// RerouteStdout returns the stdout handle directly on windows; fd-level
// duplication is not worth the trouble there and the parent reads the same
// stream either way.
func RerouteStdout() (*os.File, error) {
	out := os.Stdout
	os.Stdout = os.Stderr
	return out, nil
}
