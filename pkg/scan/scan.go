// Package scan composes the detectors, rule engine, and resolver into the
// synchronous scan call the appender invokes per message.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aegisgate/core/pkg/decision"
	"github.com/aegisgate/core/pkg/detect"
	"github.com/aegisgate/core/pkg/entity"
	"github.com/aegisgate/core/pkg/rules"
	"github.com/aegisgate/core/pkg/signal"
)

// ErrScanFailed wraps unrecoverable engine or store errors. Individual
// detector failures degrade instead.
var ErrScanFailed = errors.New("scan failed")

// Result is the full outcome of one scan call.
type Result struct {
	Entities    []entity.Entity `json:"entities"`
	Signals     signal.Value    `json:"signals"`
	Matches     []rules.Match   `json:"matches"`
	FinalAction rules.Action    `json:"final_action"`
	Chosen      *rules.Match    `json:"chosen,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
	RiskScore   float64         `json:"risk_score"`
	// Ambiguous is reserved for a future verification stage.
	Ambiguous bool `json:"ambiguous"`
}

// Config tunes the orchestrator.
type Config struct {
	// DetectorTimeout bounds each entity detector; zero disables the bound.
	// A timeout degrades the detector, it does not fail the scan.
	DetectorTimeout time.Duration
}

// Engine runs the full pipeline: detector fan-out, normalization, merging,
// signal assembly, rule evaluation, and resolution. All collaborators are
// shared immutables built at startup.
type Engine struct {
	detectors  []detect.EntityDetector
	injection  *detect.InjectionDetector
	contextSc  *detect.ContextScorer
	merger     *entity.Merger
	ruleStore  rules.Store
	ruleEngine *rules.Engine
	resolver   *decision.Resolver
	cfg        Config
	logger     *slog.Logger

	tracer   trace.Tracer
	scans    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewEngine wires the pipeline. detectors contribute entities; injection and
// context scoring contribute signals only.
func NewEngine(
	detectors []detect.EntityDetector,
	injection *detect.InjectionDetector,
	contextSc *detect.ContextScorer,
	merger *entity.Merger,
	ruleStore rules.Store,
	ruleEngine *rules.Engine,
	resolver *decision.Resolver,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("aegisgate/scan")
	scans, _ := meter.Int64Counter("scan.count",
		metric.WithDescription("Completed scan calls"))
	failures, _ := meter.Int64Counter("scan.errors",
		metric.WithDescription("Failed scan calls"))
	duration, _ := meter.Float64Histogram("scan.duration",
		metric.WithDescription("Scan wall time"), metric.WithUnit("ms"))

	return &Engine{
		detectors:  detectors,
		injection:  injection,
		contextSc:  contextSc,
		merger:     merger,
		ruleStore:  ruleStore,
		ruleEngine: ruleEngine,
		resolver:   resolver,
		cfg:        cfg,
		logger:     logger.With("component", "scan_engine"),
		tracer:     otel.Tracer("aegisgate/scan"),
		scans:      scans,
		failures:   failures,
		duration:   duration,
	}
}

// Scan analyzes one message for a tenant (nil = personal scope) and resolves
// the final action. Detector failures degrade to empty contributions; rule
// store and engine failures are fatal and wrapped in ErrScanFailed.
func (e *Engine) Scan(ctx context.Context, text string, tenantID *string) (Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "scan")
	defer span.End()

	normalized := detect.NormalizeInput(text)

	entities, injection, contextSig, err := e.fanOut(ctx, normalized)
	if err != nil {
		e.failures.Add(ctx, 1)
		return Result{}, err
	}

	entity.NormalizeAll(entities)
	merged := e.merger.Merge(entities)
	signals := buildSignals(contextSig, injection)

	loaded, err := e.ruleStore.Load(ctx, tenantID)
	if err != nil {
		e.failures.Add(ctx, 1)
		return Result{}, fmt.Errorf("%w: load rules: %v", ErrScanFailed, err)
	}
	matches, err := e.ruleEngine.Evaluate(ctx, loaded, rules.Input{Entities: merged, Signals: signals})
	if err != nil {
		e.failures.Add(ctx, 1)
		if errors.Is(err, rules.ErrMalformed) || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: evaluate rules: %v", ErrScanFailed, err)
	}

	resolved := e.resolver.Resolve(matches)
	risk := riskScore(merged, contextSig.RiskBoost)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Int("scan.entities", len(merged)),
		attribute.Int("scan.matches", len(matches)),
		attribute.String("scan.final_action", string(resolved.FinalAction)),
		attribute.Float64("scan.risk_score", risk),
	)
	e.scans.Add(ctx, 1)
	e.duration.Record(ctx, float64(elapsed.Milliseconds()))

	return Result{
		Entities:    merged,
		Signals:     signals,
		Matches:     matches,
		FinalAction: resolved.FinalAction,
		Chosen:      resolved.Chosen,
		LatencyMS:   elapsed.Milliseconds(),
		RiskScore:   risk,
		Ambiguous:   false,
	}, nil
}

// fanOut runs every entity detector plus the injection scanner and context
// scorer concurrently and joins before merging. Only cancellation is fatal;
// a failing detector logs a warning and contributes nothing.
func (e *Engine) fanOut(ctx context.Context, text string) ([]entity.Entity, detect.InjectionResult, detect.ContextSignals, error) {
	results := make([][]entity.Entity, len(e.detectors))
	var injection detect.InjectionResult
	var contextSig detect.ContextSignals

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range e.detectors {
		g.Go(func() error {
			dctx := gctx
			if e.cfg.DetectorTimeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(gctx, e.cfg.DetectorTimeout)
				defer cancel()
			}
			found, err := d.Detect(dctx, text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("detector degraded", "detector", d.Name(), "error", err)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	g.Go(func() error {
		res, err := e.injection.Scan(gctx, text)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			e.logger.Warn("detector degraded", "detector", e.injection.Name(), "error", err)
			return nil
		}
		injection = res
		return nil
	})
	g.Go(func() error {
		contextSig = e.contextSc.Score(text)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, detect.InjectionResult{}, detect.ContextSignals{}, err
	}

	var all []entity.Entity
	for _, found := range results {
		all = append(all, found...)
	}
	return all, injection, contextSig, nil
}

func buildSignals(ctxSig detect.ContextSignals, inj detect.InjectionResult) signal.Value {
	persona := signal.Null()
	if ctxSig.Persona != "" {
		persona = signal.Str(ctxSig.Persona)
	}
	return signal.Map(map[string]signal.Value{
		"persona":          persona,
		"context_keywords": signal.Strings(ctxSig.KeywordHits),
		"risk_boost":       signal.Num(ctxSig.RiskBoost),
		"security": signal.Map(map[string]signal.Value{
			"decision":                   signal.Str(inj.Decision),
			"score":                      signal.Num(inj.Score),
			"reason":                     signal.Str(inj.Reason),
			"prompt_injection":           signal.Bool(inj.PromptInjection),
			"prompt_injection_block":     signal.Bool(inj.Decision == detect.DecisionBlock),
			"prompt_injection_suspected": signal.Bool(inj.Decision == detect.DecisionReview),
		}),
	})
}

// riskScore is max entity score plus the context boost, clipped to 1.0;
// zero when nothing was found.
func riskScore(entities []entity.Entity, boost float64) float64 {
	if len(entities) == 0 {
		return 0
	}
	max := 0.0
	for _, e := range entities {
		if e.Score > max {
			max = e.Score
		}
	}
	risk := max + boost
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}
