package pipeline

import (
	"strings"

	"github.com/google/shlex"
)

// Separator joins stages in a pipeline specification.
const Separator = "->"

// Stage is a single shell command in a pipeline.
type Stage struct {
	Index   int    // 1-based position in the pipeline
	Command string // passed verbatim to the shell
}

// Program returns the stage's first word, for logs. Words are split the way
// a shell splits simple commands; text shlex cannot split (a here-document
// with an apostrophe, say) falls back to the first whitespace-separated
// field.
func (s Stage) Program() string {
	if words, err := shlex.Split(s.Command); err == nil && len(words) > 0 {
		return words[0]
	}
	if fields := strings.Fields(s.Command); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Pipeline is a parsed pipeline specification. It is immutable once Parse
// returns and is shared read-only by every lane.
type Pipeline struct {
	Stages []Stage
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.Stages)
}

// Commands returns the stage commands in order.
func (p *Pipeline) Commands() []string {
	cmds := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		cmds[i] = s.Command
	}
	return cmds
}

// String renders the pipeline in canonical form.
func (p *Pipeline) String() string {
	return strings.Join(p.Commands(), " "+Separator+" ")
}
