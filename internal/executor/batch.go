package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/processor"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

// BatchResult is the payload of a successful command batch.
type BatchResult struct {
	Host       string                  `json:"host" bson:"host"`
	DeviceType string                  `json:"device_type" bson:"device_type"`
	Outputs    []session.CommandResult `json:"outputs" bson:"outputs"`
	Saved      bool                    `json:"saved,omitempty" bson:"saved,omitempty"`
}

// BatchSpec describes the commands sent to every target.
type BatchSpec struct {
	Commands []session.Command
	// Save persists the running configuration after the last command.
	Save bool
}

// ParseCommands turns a command list into session commands. Blank entries
// are dropped; config selects configuration mode for all of them.
func ParseCommands(texts []string, config bool) []session.Command {
	cmds := make([]session.Command, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if config {
			cmds = append(cmds, session.Config(t))
		} else {
			cmds = append(cmds, session.Plain(t))
		}
	}
	return cmds
}

// Batch runs spec on each target inside a fresh session.
func (e *Executor) Batch(spec BatchSpec) engine.Operation {
	return func(ctx context.Context, a engine.Attempt) (any, error) {
		if len(spec.Commands) == 0 && !spec.Save {
			return nil, engine.Errorf(engine.KindValidation, "batch", "no commands to run")
		}
		s, ep, err := e.open(ctx, a)
		if err != nil {
			return nil, err
		}
		defer s.Close()

		outs, err := s.ExecuteAll(ctx, spec.Commands)
		if err != nil {
			return nil, err
		}
		for i := range outs {
			clean, err := e.chain.Normalize(outs[i].Output, processor.KindCommand)
			if err != nil {
				return nil, err
			}
			outs[i].Output = clean
		}

		res := &BatchResult{Host: a.Target.ID, DeviceType: ep.Dialect, Outputs: outs}
		if spec.Save {
			if _, err := s.Save(ctx); err != nil {
				return nil, err
			}
			res.Saved = true
			e.logger.Info("configuration saved", lg.String("target", a.Target.ID))
		}
		return res, nil
	}
}

func (r *BatchResult) Brief() string {
	s := fmt.Sprintf("%d commands", len(r.Outputs))
	if r.Saved {
		s += ", saved"
	}
	return s
}
