package topology

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// Policy controls what Migrate may destroy.
type Policy struct {
	// Whitelist names queues that may be deleted and redeclared when empty.
	Whitelist []string
	// Force allows deleting mismatched queues even when they hold messages.
	Force bool
}

func (p Policy) allows(queue string) bool {
	return p.Force || slices.Contains(p.Whitelist, queue)
}

type ActionKind string

const (
	ActionDeclared  ActionKind = "declared"
	ActionUnchanged ActionKind = "unchanged"
	ActionRecreated ActionKind = "recreated"
	ActionSuccessor ActionKind = "successor"
	ActionSkipped   ActionKind = "skipped"
)

type Action struct {
	Kind   ActionKind `json:"kind"`
	Queue  string     `json:"queue"`
	Target string     `json:"target,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Migrate brings the broker in line with t without losing messages.
// Missing queues are declared. A mismatched empty queue is deleted and
// redeclared when whitelisted or forced. A mismatched queue holding messages
// keeps its messages and gets a versioned successor (<name>.v2, .v3, ...)
// declared and bound next to it; only Force deletes it instead.
func Migrate(ctx context.Context, ch Channel, insp Inspector, t Topology, p Policy, log *zap.Logger) ([]Action, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := declareExchanges(ch, t); err != nil {
		return nil, err
	}

	live, err := insp.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live queues: %w", err)
	}
	byName := make(map[string]LiveQueue, len(live))
	for _, q := range live {
		byName[q.Name] = q
	}

	var actions []Action
	for _, want := range t.Queues {
		bindings := t.BindingsFor(want.Name)
		got, exists := byName[want.Name]

		if !exists {
			if err := declareQueue(ch, want.Name, want, bindings); err != nil {
				return actions, err
			}
			log.Info("queue declared", zap.String("queue", want.Name))
			actions = append(actions, Action{Kind: ActionDeclared, Queue: want.Name})
			continue
		}

		diffs := Diff(want, got)
		if len(diffs) == 0 {
			// rebinding is idempotent and restores dropped bindings
			if err := declareQueue(ch, want.Name, want, bindings); err != nil {
				return actions, err
			}
			actions = append(actions, Action{Kind: ActionUnchanged, Queue: want.Name})
			continue
		}
		detail := strings.Join(diffs, "; ")

		switch {
		case (got.Messages == 0 && p.allows(want.Name)) || p.Force:
			ifEmpty := !p.Force
			if _, err := ch.QueueDelete(want.Name, false, ifEmpty, false); err != nil {
				return actions, fmt.Errorf("delete queue %s: %w", want.Name, err)
			}
			if err := declareQueue(ch, want.Name, want, bindings); err != nil {
				return actions, err
			}
			log.Warn("queue recreated",
				zap.String("queue", want.Name), zap.Int("dropped_messages", got.Messages), zap.String("diff", detail))
			actions = append(actions, Action{Kind: ActionRecreated, Queue: want.Name, Detail: detail})

		case got.Messages > 0:
			name, reuse := successorName(want, byName)
			if err := declareQueue(ch, name, want, bindings); err != nil {
				return actions, err
			}
			if !reuse {
				log.Warn("successor queue declared",
					zap.String("queue", want.Name), zap.String("successor", name),
					zap.Int("messages", got.Messages), zap.String("diff", detail))
			}
			actions = append(actions, Action{Kind: ActionSuccessor, Queue: want.Name, Target: name, Detail: detail})

		default:
			log.Warn("mismatched queue left in place",
				zap.String("queue", want.Name), zap.String("diff", detail))
			actions = append(actions, Action{
				Kind:   ActionSkipped,
				Queue:  want.Name,
				Detail: detail + "; whitelist or force to recreate",
			})
		}
	}
	return actions, nil
}

// successorName picks the first <name>.vN (N >= 2) that is either free or
// already matches want; reuse is true in the latter case.
func successorName(want QueueSpec, live map[string]LiveQueue) (name string, reuse bool) {
	for v := 2; ; v++ {
		name = fmt.Sprintf("%s.v%d", want.Name, v)
		q, exists := live[name]
		if !exists {
			return name, false
		}
		if len(Diff(want, q)) == 0 {
			return name, true
		}
	}
}
