package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskledger/internal/cache"
	"github.com/mbd888/riskledger/internal/circuitbreaker"
	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
)

var (
	scoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "risk_scores_total",
			Help:      "Risk evaluations by outcome (scored, degraded, fallback, cached).",
		},
		[]string{"outcome"},
	)

	scoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "riskledger",
			Name:      "risk_score_duration_seconds",
			Help:      "Time to evaluate a transaction, including the model call.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

func init() {
	prometheus.MustRegister(scoresTotal, scoreDuration)
}

// HistoryReader is the slice of the store the engine reads history from.
type HistoryReader interface {
	ListTransactions(ctx context.Context, q store.TransactionQuery) ([]*domain.Transaction, error)
}

// Engine scores transactions.
type Engine struct {
	cfg      Config
	history  HistoryReader
	provider Provider
	breaker  *circuitbreaker.Breaker
	cache    cache.Cache
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine creates an engine. Without WithProvider it runs degraded.
func NewEngine(cfg Config, history HistoryReader, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		cfg:     cfg,
		history: history,
		breaker: circuitbreaker.New("ml_scoring", 5, 30*time.Second),
		clock:   clock.Real{},
		logger:  logger,
	}
}

// WithProvider sets the model provider. It is only consulted when
// Config.MLEnabled is true.
func (e *Engine) WithProvider(p Provider) *Engine {
	e.provider = p
	return e
}

// WithCache enables result caching keyed by transaction id.
func (e *Engine) WithCache(c cache.Cache) *Engine {
	e.cache = c
	return e
}

// WithClock replaces the time source.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// WithBreaker replaces the circuit breaker guarding the provider.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

func cacheKey(txnID string) string { return "risk:score:" + txnID }

// Score evaluates txn. It always returns a result: a cached one if present,
// a fresh one otherwise, or the fallback score if evaluation failed.
func (e *Engine) Score(ctx context.Context, txn *domain.Transaction) *Result {
	ctx, span := traces.StartSpan(ctx, "risk.Score", traces.TransactionID(txn.ID), traces.Amount(txn.Amount))
	defer span.End()

	if r, ok := e.Lookup(ctx, txn.ID); ok {
		scoresTotal.WithLabelValues("cached").Inc()
		span.SetAttributes(traces.RiskScore(r.Score))
		return r
	}

	start := time.Now()
	r, err := e.evaluate(ctx, txn)
	scoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		scoresTotal.WithLabelValues(string(OutcomeFallback)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		logging.L(ctx, e.logger).Warn("risk scoring failed, using fallback score",
			logging.TransactionID(txn.ID),
			"fallback", FallbackScore,
			logging.Err(err),
		)
		return &Result{
			TransactionID: txn.ID,
			Score:         FallbackScore,
			Outcome:       OutcomeFallback,
			EvaluatedAt:   e.clock.Now(),
		}
	}

	scoresTotal.WithLabelValues(string(r.Outcome)).Inc()
	span.SetAttributes(traces.RiskScore(r.Score))
	e.remember(ctx, r)
	return r
}

// Lookup returns a cached result for a transaction id.
func (e *Engine) Lookup(ctx context.Context, txnID string) (*Result, bool) {
	if e.cache == nil || txnID == "" {
		return nil, false
	}
	raw, found, err := e.cache.Get(ctx, cacheKey(txnID))
	if err != nil {
		logging.L(ctx, e.logger).Warn("risk cache read failed", logging.TransactionID(txnID), logging.Err(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		logging.L(ctx, e.logger).Warn("risk cache entry corrupt", logging.TransactionID(txnID), logging.Err(err))
		return nil, false
	}
	return &r, true
}

func (e *Engine) remember(ctx context.Context, r *Result) {
	if e.cache == nil || r.TransactionID == "" {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, cacheKey(r.TransactionID), raw, e.cfg.CacheTTL); err != nil {
		logging.L(ctx, e.logger).Warn("risk cache write failed", logging.TransactionID(r.TransactionID), logging.Err(err))
	}
}

// evaluate runs collectors and the model. Panics anywhere in the pipeline
// are returned as errors.
func (e *Engine) evaluate(ctx context.Context, txn *domain.Transaction) (r *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("risk: panic during scoring: %v", p)
		}
	}()

	now := e.clock.Now()
	subject := txn.SubjectAccountID()

	var history []*domain.Transaction
	if subject != "" && e.history != nil {
		recent, err := e.history.ListTransactions(ctx, store.TransactionQuery{
			AccountID: subject,
			Since:     now.Add(-historyWindow),
			Limit:     store.DefaultListLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		for _, t := range recent {
			if t.ID != txn.ID {
				history = append(history, t)
			}
		}
	}

	sig := Signals{Txn: txn, Subject: subject, History: history, Now: now}
	ind := collect(sig, e.cfg)
	basic := ind.BasicScore()

	outcome := OutcomeScored
	ml, err := e.predict(ctx, features(sig, ind, e.cfg))
	if errors.Is(err, ErrDegraded) {
		outcome = OutcomeDegraded
		ml = 0
		level := slog.LevelWarn
		if !e.cfg.MLEnabled {
			level = slog.LevelDebug
		}
		logging.L(ctx, e.logger).Log(ctx, level, "ml scoring unavailable, using rule-based score only",
			logging.TransactionID(txn.ID))
	} else if err != nil {
		return nil, err
	}

	return &Result{
		TransactionID: txn.ID,
		Score:         round3(clamp01(basicWeight*basic + mlWeight*ml)),
		BasicScore:    round3(basic),
		MLScore:       round3(ml),
		Indicators:    ind,
		Outcome:       outcome,
		EvaluatedAt:   now,
	}, nil
}

// predict asks the provider under the timeout and circuit breaker.
func (e *Engine) predict(ctx context.Context, feats []float64) (float64, error) {
	if !e.cfg.MLEnabled || e.provider == nil {
		return 0, ErrDegraded
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var score float64
	err := e.breaker.Execute(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("provider panic: %v", p)
			}
		}()
		s, err := e.provider.Predict(ctx, feats)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s < 0 || s > 1 {
			return fmt.Errorf("provider score %v out of range", s)
		}
		score = s
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ml provider: %w", err)
	}
	return score, nil
}
