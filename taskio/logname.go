package taskio

import (
	"fmt"
	"strings"

	"github.com/concourse/conveyor/stage"
)

// Events is the closed set of log-name event labels.
var Events = []string{
	"start",
	"complete",
	"error",
	"context",
	"debug",
	"metrics",
	"pipeline-start",
	"pipeline-complete",
	"pipeline-error",
	"execution-logs",
	"failure-details",
}

// Extensions is the closed set of log file extensions.
var Extensions = []string{"log", "json"}

// LogName is a parsed log file name of the form
// {taskName}-{stage}-{event}.{ext}.
type LogName struct {
	Task  string
	Stage stage.Stage
	Event string
	Ext   string
}

// String renders the name back into its canonical form.
func (n LogName) String() string {
	return fmt.Sprintf("%s-%s-%s.%s", n.Task, n.Stage, n.Event, n.Ext)
}

// FormatLogName builds a grammar-conforming log file name.
func FormatLogName(task string, st stage.Stage, event string, ext string) string {
	return LogName{Task: task, Stage: st, Event: event, Ext: ext}.String()
}

// ParseLogName parses name against the log grammar. Both stage names and
// event labels may themselves contain hyphens, so parsing peels the
// extension, then the longest matching event suffix, then the longest
// matching stage suffix; whatever remains is the task name.
func ParseLogName(name string) (LogName, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return LogName{}, false
	}
	ext := name[dot+1:]
	if !contains(Extensions, ext) {
		return LogName{}, false
	}
	base := name[:dot]

	event, rest, ok := peelSuffix(base, Events)
	if !ok {
		return LogName{}, false
	}

	stageName, task, ok := peelSuffix(rest, stageNames())
	if !ok || task == "" {
		return LogName{}, false
	}

	return LogName{Task: task, Stage: stage.Stage(stageName), Event: event, Ext: ext}, true
}

// peelSuffix strips the longest candidate that terminates s as "-{candidate}"
// and returns the candidate plus what precedes the separator.
func peelSuffix(s string, candidates []string) (matched string, rest string, ok bool) {
	for _, c := range candidates {
		if len(s) > len(c)+1 && strings.HasSuffix(s, "-"+c) {
			if len(c) > len(matched) {
				matched = c
			}
		}
	}
	if matched == "" {
		return "", "", false
	}
	return matched, s[:len(s)-len(matched)-1], true
}

func stageNames() []string {
	names := make([]string, len(stage.Sequence))
	for i, st := range stage.Sequence {
		names[i] = string(st)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
