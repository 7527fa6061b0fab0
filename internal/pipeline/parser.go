package pipeline

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmptySpec is returned for a specification with no text at all.
	ErrEmptySpec = errors.New("empty pipeline specification")

	// ErrEmptyStage is returned when a separator has no command on one side,
	// as in "a -> -> b" or "a ->".
	ErrEmptyStage = errors.New("empty stage")
)

// Parse splits spec on Separator into trimmed stage commands. A spec without
// a separator yields a single stage. Stage text is otherwise left alone: the
// shell running it is the only judge of its syntax.
func Parse(spec string) (*Pipeline, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptySpec
	}

	parts := strings.Split(spec, Separator)
	p := &Pipeline{Stages: make([]Stage, 0, len(parts))}
	for i, part := range parts {
		cmd := strings.TrimSpace(part)
		if cmd == "" {
			return nil, errors.Wrapf(ErrEmptyStage, "stage %d", i+1)
		}
		p.Stages = append(p.Stages, Stage{Index: i + 1, Command: cmd})
	}
	return p, nil
}
