package worker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// A Profiler records how long each processed build file took, to answer
// report_profile queries with the slowest offenders.
type Profiler struct {
	entries []profileEntry
	total   time.Duration
}

type profileEntry struct {
	buildFile string
	duration  time.Duration
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{}
}

// Record registers one processed build file.
func (p *Profiler) Record(buildFile string, duration time.Duration) {
	p.entries = append(p.entries, profileEntry{buildFile: buildFile, duration: duration})
	p.total += duration
}

// Report renders the profile report: totals plus the ten slowest files.
func (p *Profiler) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %s sec\n\n\n", humanize.FtoaWithDigits(p.total.Seconds(), 2))
	fmt.Fprintf(&b, "# Parsed %s files", humanize.Comma(int64(len(p.entries))))
	slowest := append([]profileEntry{}, p.entries...)
	sort.SliceStable(slowest, func(i, j int) bool {
		return slowest[i].duration > slowest[j].duration
	})
	if len(slowest) > 10 {
		slowest = slowest[:10]
		fmt.Fprintf(&b, ", %d slower build files:\n", len(slowest))
	} else {
		b.WriteString("\n")
	}
	for _, entry := range slowest {
		fmt.Fprintf(&b, "Parsed %s: %s sec\n", entry.buildFile, humanize.FtoaWithDigits(entry.duration.Seconds(), 2))
	}
	b.WriteString("\n\n")
	return b.String()
}
