package mapping

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goliatone/go-apilinker/transform"
	goerrors "github.com/goliatone/go-errors"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

type PlanOption func(*planBuilder)

type planBuilder struct {
	idPath            string
	concurrency       int
	allowUnregistered bool
}

// WithRecordIDPath names the source path used to identify records in batch
// errors.
func WithRecordIDPath(path string) PlanOption {
	return func(b *planBuilder) {
		b.idPath = strings.TrimSpace(path)
	}
}

func WithConcurrency(limit int) PlanOption {
	return func(b *planBuilder) {
		if limit > 0 {
			b.concurrency = limit
		}
	}
}

// AllowUnregisteredTransforms defers transform lookup to apply time, where a
// missing transform fails only the records it touches.
func AllowUnregisteredTransforms() PlanOption {
	return func(b *planBuilder) {
		b.allowUnregistered = true
	}
}

type compiledRule struct {
	rule      Rule
	index     int
	source    Path
	target    Path
	condition *Condition
}

// Plan is a validated, immutable rule list bound to a transform registry.
// It is safe for concurrent use.
type Plan struct {
	rules       []compiledRule
	registry    *transform.Registry
	idPath      Path
	concurrency int
	fingerprint string
}

func Compile(rules []Rule, registry *transform.Registry, opts ...PlanOption) (*Plan, error) {
	builder := planBuilder{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		if opt != nil {
			opt(&builder)
		}
	}
	if registry == nil {
		registry = transform.NewDefaultRegistry()
	}

	plan := &Plan{
		rules:       make([]compiledRule, 0, len(rules)),
		registry:    registry,
		concurrency: builder.concurrency,
	}
	fieldErrors := make([]goerrors.FieldError, 0)
	addIssue := func(idx int, field, message string) {
		fieldErrors = append(fieldErrors, goerrors.FieldError{
			Field:   fmt.Sprintf("rules[%d].%s", idx, field),
			Message: message,
		})
	}

	for idx, rule := range rules {
		compiled := compiledRule{rule: rule, index: idx}
		target, err := ParsePath(rule.TargetPath)
		if err != nil {
			addIssue(idx, "target_path", err.Error())
		}
		compiled.target = target

		if !rule.HasStatic {
			source, err := ParsePath(rule.SourcePath)
			if err != nil {
				addIssue(idx, "source_path", err.Error())
			}
			compiled.source = source
		}
		if rule.Condition != nil {
			condition, err := rule.Condition.validate()
			if err != nil {
				addIssue(idx, "condition", err.Error())
			}
			compiled.condition = &condition
		}
		if !rule.OnError.Valid() {
			addIssue(idx, "on_error", fmt.Sprintf("unsupported on_error policy %q", rule.OnError))
		}
		if !builder.allowUnregistered {
			if err := registry.Validate(rule.Transform); err != nil {
				addIssue(idx, "transform", err.Error())
			}
		}
		plan.rules = append(plan.rules, compiled)
	}

	if builder.idPath != "" {
		idPath, err := ParsePath(builder.idPath)
		if err != nil {
			fieldErrors = append(fieldErrors, goerrors.FieldError{Field: "id_path", Message: err.Error()})
		}
		plan.idPath = idPath
	}

	if len(fieldErrors) > 0 {
		return nil, goerrors.NewValidation("mapping: invalid rules", fieldErrors...).
			WithTextCode(TextCodeMappingInvalid)
	}
	plan.fingerprint = fingerprintRules(rules)
	return plan, nil
}

// Fingerprint identifies the rule list; equal rule lists share a fingerprint.
func (p *Plan) Fingerprint() string {
	if p == nil {
		return ""
	}
	return p.fingerprint
}

func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Apply maps one source record into a new target record.
func (p *Plan) Apply(source map[string]any) (map[string]any, error) {
	target, recordErr := p.apply(source)
	if recordErr != nil {
		return nil, recordErr
	}
	return target, nil
}

// ApplyBatch maps every record independently. Targets keep input order; a
// failed record leaves a nil slot and an entry in the returned errors.
func (p *Plan) ApplyBatch(ctx context.Context, sources []map[string]any) ([]map[string]any, []*RecordError) {
	if ctx == nil {
		ctx = context.Background()
	}
	targets := make([]map[string]any, len(sources))
	failures := make([]*RecordError, len(sources))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, p.concurrency))
	for idx := range sources {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				failures[idx] = &RecordError{Index: idx, RecordID: p.recordID(sources[idx]), Rule: -1, Err: err}
				return nil
			}
			target, recordErr := p.apply(sources[idx])
			if recordErr != nil {
				recordErr.Index = idx
				failures[idx] = recordErr
				return nil
			}
			targets[idx] = target
			return nil
		})
	}
	_ = group.Wait()

	errs := make([]*RecordError, 0)
	for _, failure := range failures {
		if failure != nil {
			errs = append(errs, failure)
		}
	}
	return targets, errs
}

func (p *Plan) apply(source map[string]any) (map[string]any, *RecordError) {
	if p == nil {
		return nil, &RecordError{Rule: -1, Err: fmt.Errorf("mapping: plan is not configured")}
	}
	var target any = map[string]any{}
	for _, compiled := range p.rules {
		rule := compiled.rule
		fail := func(err error) *RecordError {
			return &RecordError{
				RecordID:   p.recordID(source),
				Rule:       compiled.index,
				TargetPath: rule.TargetPath,
				Err:        err,
			}
		}

		if compiled.condition != nil && !Evaluate(*compiled.condition, source) {
			continue
		}

		var value any
		if rule.HasStatic {
			value = cloneValue(rule.StaticValue)
		} else {
			value = compiled.source.Get(source)
		}

		if !IsAbsent(value) && len(rule.Transform) > 0 {
			out, err := p.registry.Apply(rule.Transform, cloneValue(value))
			if err != nil {
				var notFound *transform.NotFoundError
				switch {
				case errors.As(err, &notFound), rule.OnError == OnErrorFail:
					return nil, fail(err)
				case rule.HasDefault:
					value = rule.Default
				case rule.OnError == OnErrorSkip:
					continue
				default:
					return nil, fail(err)
				}
			} else {
				value = out
			}
		}

		if IsAbsent(value) {
			if !rule.HasDefault {
				continue
			}
			value = rule.Default
		}

		updated, err := compiled.target.Set(target, cloneValue(value))
		if err != nil {
			return nil, fail(err)
		}
		target = updated
	}
	out, _ := target.(map[string]any)
	return out, nil
}

func (p *Plan) recordID(source map[string]any) string {
	if p.idPath.IsZero() {
		return ""
	}
	value := p.idPath.Get(source)
	if IsAbsent(value) || value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func fingerprintRules(rules []Rule) string {
	rendered := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		rendered = append(rendered, rule.ToMap())
	}
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(rendered)
	if err != nil {
		payload = []byte(fmt.Sprintf("%#v", rendered))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}
