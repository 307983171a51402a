package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	"github.com/goliatone/go-apilinker/mapping"
)

// ReplayFunc returns the dead-letter replay handler for entries captured by
// this runner.
func (r *Runner) ReplayFunc() dlq.ReplayFunc {
	return r.Replay
}

// Replay re-runs a captured operation from its stored payload. A replayed
// fetch runs the whole mapping again without capturing the fetch a second
// time; its record failures are captured as new map or send entries and do
// not fail the replay.
func (r *Runner) Replay(ctx context.Context, entry dlq.Entry) error {
	switch strings.TrimSpace(entry.OperationType) {
	case OperationFetch:
		m, err := mappingFromPayload(entry.Payload)
		if err != nil {
			return err
		}
		_, err = r.run(ctx, m, r.refetch)
		return err
	case OperationMap:
		m, err := mappingFromPayload(entry.Payload)
		if err != nil {
			return err
		}
		record, ok := entry.Payload["record"].(map[string]any)
		if !ok {
			return fmt.Errorf("sync: dead letter %s has no source record", entry.ID)
		}
		target, err := r.mapper.Map(record, m.Rules)
		if err != nil {
			return err
		}
		return r.deliver(ctx, entry.Resource, m.Target, target)
	case OperationSend:
		endpoint := stringField(entry.Payload, "endpoint")
		record, ok := entry.Payload["record"].(map[string]any)
		if endpoint == "" || !ok {
			return fmt.Errorf("sync: dead letter %s has no target record", entry.ID)
		}
		return r.deliver(ctx, entry.Resource, endpoint, record)
	default:
		return fmt.Errorf("sync: unsupported operation type %q", entry.OperationType)
	}
}

// deliver retries the send without dead-lettering it again; the queue keeps
// the original entry on failure.
func (r *Runner) deliver(ctx context.Context, resource, endpoint string, record map[string]any) error {
	_, err := r.guard.Retry().Execute(ctx, resource, func(ctx context.Context) error {
		return r.sink.Send(ctx, endpoint, record)
	})
	return err
}

func mappingFromPayload(payload map[string]any) (Mapping, error) {
	m := Mapping{
		Name:   stringField(payload, "mapping"),
		Source: stringField(payload, "source"),
		Target: stringField(payload, "target"),
	}
	if params, ok := payload["params"].(map[string]any); ok {
		m.Params = params
	}
	rawRules, _ := payload["rules"].([]any)
	ruleMaps := make([]map[string]any, 0, len(rawRules))
	for idx, raw := range rawRules {
		ruleMap, ok := raw.(map[string]any)
		if !ok {
			return Mapping{}, fmt.Errorf("sync: stored rule %d is %T", idx, raw)
		}
		ruleMaps = append(ruleMaps, ruleMap)
	}
	rules, err := mapping.RulesFromMaps(ruleMaps)
	if err != nil {
		return Mapping{}, err
	}
	m.Rules = rules
	return m, m.Validate()
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}
