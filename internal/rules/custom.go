package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-security/kestrel/internal/domain"
)

// celEngine holds the shared CEL environment for operator-supplied
// custom rules. Expressions are compiled once at load time.
type celEngine struct {
	env *cel.Env
}

func newCELEngine() (*celEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ip", cel.StringType),
		cel.Variable("username", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("adjusted_score", cel.IntType),
		cel.Variable("ml_score", cel.IntType),
		cel.Variable("abuse_score", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &celEngine{env: env}, nil
}

func (e *celEngine) compile(cond CustomConditions, approval bool) (evaluator, error) {
	if cond.Expression == "" {
		return nil, fmt.Errorf("custom rule requires an expression")
	}
	ast, issues := e.env.Compile(cond.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling expression: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program: %w", err)
	}
	return &customRule{prg: prg, approval: approval}, nil
}

// customRule evaluates a compiled CEL expression against the event
// activation. Booleans trigger when true; numeric results trigger at >=1.
type customRule struct {
	prg      cel.Program
	approval bool
}

func (r *customRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	velocity, err := in.velocity.CountEventsByIP(ctx, in.Event.TenantID, in.Event.IP, in.Event.Timestamp.Add(-time.Minute))
	if err != nil {
		return nil, err
	}

	behaviorScore := 0
	if in.Behavior != nil {
		behaviorScore = in.Behavior.RiskScore
	}
	mlScore := 0
	abuseScore := 0
	if in.Signals != nil {
		if in.Signals.ML != nil {
			mlScore = in.Signals.ML.RiskScore
		}
		if in.Signals.Threat != nil {
			abuseScore = in.Signals.Threat.AbuseScore
		}
	}
	country := ""
	city := ""
	if in.Signals != nil && in.Signals.Geo != nil {
		country = in.Signals.Geo.CountryCode
		city = in.Signals.Geo.City
	}

	activation := map[string]any{
		"event": map[string]any{
			"id":            in.Event.ID,
			"ip":            in.Event.IP,
			"username":      in.Event.Username,
			"event_type":    string(in.Event.EventType),
			"target_server": in.Event.TargetServer,
		},
		"ip":             in.Event.IP,
		"username":       in.Event.Username,
		"event_type":     string(in.Event.EventType),
		"country":        country,
		"city":           city,
		"hour":           in.Event.Timestamp.Hour(),
		"risk_score":     behaviorScore,
		"adjusted_score": in.AdjustedScore,
		"ml_score":       mlScore,
		"abuse_score":    abuseScore,
		"velocity_count": velocity,
	}

	out, _, err := r.prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}

	value := toScore(out)
	v := &domain.CustomVerdict{Value: value}
	if value < 1 {
		v.Reason = fmt.Sprintf("expression not matched (value %.2f)", value)
		return v, nil
	}
	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("expression matched (value %.2f)", value)
	return v, nil
}

// toScore converts a CEL result to a numeric value.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
