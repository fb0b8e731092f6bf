package topology

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/jmehdipour/servicing-events/internal/metrics"
)

var ErrCriticalDLQMissing = errors.New("topology: critical dead-letter queue missing")

// LiveQueue is a queue as reported by the broker.
type LiveQueue struct {
	Name      string         `json:"name"`
	Durable   bool           `json:"durable"`
	Type      string         `json:"type"`
	Arguments map[string]any `json:"arguments"`
	Messages  int            `json:"messages"`
	Consumers int            `json:"consumers"`
}

// Inspector lists the queues that currently exist on the broker.
type Inspector interface {
	Queues(ctx context.Context) ([]LiveQueue, error)
}

type FindingKind string

const (
	FindingMissing    FindingKind = "missing"
	FindingUnexpected FindingKind = "unexpected"
	FindingMismatched FindingKind = "mismatched"
	FindingCritical   FindingKind = "critical"
)

type Finding struct {
	Kind   FindingKind `json:"kind"`
	Queue  string      `json:"queue"`
	Detail string      `json:"detail"`
}

type Report struct {
	Findings []Finding `json:"findings"`
}

func (r Report) Count(kind FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Clean reports whether the broker matches the declarations exactly.
func (r Report) Clean() bool { return len(r.Findings) == 0 }

// Err is non-nil when a critical queue is missing; it names every such queue.
func (r Report) Err() error {
	var names []string
	for _, f := range r.Findings {
		if f.Kind == FindingCritical {
			names = append(names, f.Queue)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCriticalDLQMissing, strings.Join(names, ", "))
}

var successorSuffix = regexp.MustCompile(`\.v[0-9]+$`)

// Check compares the live queues with t. A missing critical queue is reported
// as critical rather than missing. Queues under a managed domain prefix that
// t does not declare are unexpected, except versioned successors.
func Check(ctx context.Context, insp Inspector, t Topology) (Report, error) {
	live, err := insp.Queues(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list live queues: %w", err)
	}
	byName := make(map[string]LiveQueue, len(live))
	for _, q := range live {
		byName[q.Name] = q
	}

	var rep Report
	for _, want := range t.Queues {
		got, ok := byName[want.Name]
		if !ok {
			kind := FindingMissing
			if want.Critical {
				kind = FindingCritical
			}
			rep.Findings = append(rep.Findings, Finding{Kind: kind, Queue: want.Name, Detail: "queue does not exist"})
			continue
		}
		if diffs := Diff(want, got); len(diffs) > 0 {
			rep.Findings = append(rep.Findings, Finding{
				Kind:   FindingMismatched,
				Queue:  want.Name,
				Detail: strings.Join(diffs, "; "),
			})
		}
	}

	for _, q := range live {
		if _, declared := t.Queue(q.Name); declared || !managed(t, q.Name) {
			continue
		}
		if base := successorSuffix.ReplaceAllString(q.Name, ""); base != q.Name {
			if _, ok := t.Queue(base); ok {
				continue
			}
		}
		rep.Findings = append(rep.Findings, Finding{
			Kind:   FindingUnexpected,
			Queue:  q.Name,
			Detail: fmt.Sprintf("not declared (%d messages)", q.Messages),
		})
	}

	sort.SliceStable(rep.Findings, func(i, j int) bool { return rep.Findings[i].Queue < rep.Findings[j].Queue })

	for _, k := range []FindingKind{FindingMissing, FindingUnexpected, FindingMismatched, FindingCritical} {
		metrics.TopologyFindings.WithLabelValues(string(k)).Set(float64(rep.Count(k)))
	}
	return rep, nil
}

func managed(t Topology, queue string) bool {
	for _, d := range t.Domains {
		if strings.HasPrefix(queue, "q."+d+".") {
			return true
		}
	}
	return false
}

// Diff lists the reliability-relevant differences between want and got:
// durability, queue type and dead-letter configuration.
func Diff(want QueueSpec, got LiveQueue) []string {
	var diffs []string
	if want.Durable != got.Durable {
		diffs = append(diffs, fmt.Sprintf("durable=%t, want %t", got.Durable, want.Durable))
	}

	gotType := got.Type
	if v, ok := got.Arguments[argQueueType].(string); ok && v != "" {
		gotType = v
	}
	if gotType == "" {
		gotType = "classic"
	}
	wantType := want.Type
	if wantType == "" {
		wantType = "classic"
	}
	if gotType != wantType {
		diffs = append(diffs, fmt.Sprintf("type=%s, want %s", gotType, wantType))
	}

	wantArgs := want.Arguments()
	for _, k := range []string{argDLX, argDLRoutingKey, argDeliveryLimit, argMessageTTL} {
		w, wok := wantArgs[k]
		g, gok := got.Arguments[k]
		switch {
		case !wok && !gok:
		case wok && !gok:
			diffs = append(diffs, fmt.Sprintf("%s missing, want %v", k, w))
		case !wok && gok:
			diffs = append(diffs, fmt.Sprintf("%s=%v, want unset", k, g))
		case normalize(w) != normalize(g):
			diffs = append(diffs, fmt.Sprintf("%s=%v, want %v", k, g, w))
		}
	}
	return diffs
}

// normalize makes numbers from AMQP tables and from JSON comparable.
func normalize(v any) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return fmt.Sprintf("%d", int64(n))
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return fmt.Sprint(v)
}
