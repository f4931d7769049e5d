// Package aicm is the usage-tracking client: construct a Tracker once per
// process (or per credential set), call Track/TrackBatch as usage events
// happen, and Close it during shutdown. Everything else in this module is
// plumbing a Tracker wires together: wire serialization (record), limit
// enforcement (limits), configuration precedence (settings), and three
// interchangeable delivery strategies (internal/delivery).
package aicm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/delivery"
	"github.com/aicostmanager/aicm-go/internal/delivery/persistent"
	"github.com/aicostmanager/aicm-go/internal/logging"
	"github.com/aicostmanager/aicm-go/internal/obsmetrics"
	"github.com/aicostmanager/aicm-go/internal/transport"
	"github.com/aicostmanager/aicm-go/limits"
	"github.com/aicostmanager/aicm-go/record"
	"github.com/aicostmanager/aicm-go/settings"
)

// TrackResult is the outcome of one Track call. LimitExceeded is non-nil
// when a previously triggered LIMIT matched this record; the record was
// still accepted by the delivery strategy regardless.
type TrackResult struct {
	ResponseID    string
	Status        string
	CostEventID   string
	LimitExceeded *errs.UsageLimitExceeded
}

// strategyLabel names t's delivery strategy the way the Prometheus
// metrics labels it ("immediate", "mem_queue", "persistent_queue").
func (t *Tracker) strategyLabel() string {
	switch t.settings.Delivery {
	case settings.DeliveryMemQueue:
		return "mem_queue"
	case settings.DeliveryPersistentQueue:
		return "persistent_queue"
	default:
		return "immediate"
	}
}

func (t *Tracker) recordPromEnqueued(serviceKey string, n int) {
	if t.promDelivery == nil {
		return
	}
	t.promDelivery.Enqueued.WithLabelValues(t.strategyLabel(), serviceKey).Add(float64(n))
}

func (t *Tracker) recordPromFailed(serviceKey string, n int) {
	if t.promDelivery == nil {
		return
	}
	t.promDelivery.Failed.WithLabelValues(t.strategyLabel(), serviceKey).Add(float64(n))
}

func (t *Tracker) recordPromDelivered(serviceKey string, results []delivery.Result) {
	if t.promDelivery == nil {
		return
	}
	n := len(results)
	if n == 0 {
		n = 1
	}
	t.promDelivery.Delivered.WithLabelValues(t.strategyLabel(), serviceKey).Add(float64(n))
}

// BatchTrackResult is the outcome of one TrackBatch call.
type BatchTrackResult struct {
	Results []TrackResult
}

// Tracker is the client applications hold for the lifetime of a process (or
// a credential set). It is safe for concurrent use by multiple goroutines.
type Tracker struct {
	settings settings.Settings
	store    *config.Store
	client   *transport.Client
	limits   *limits.Cache
	strategy     delivery.Strategy
	logger       *slog.Logger
	metrics      *delivery.Metrics
	promDelivery *obsmetrics.DeliveryMetrics

	mu                 sync.RWMutex
	defaultCustomerKey string
	defaultContext     map[string]any

	asyncSem     chan struct{}
	queueGaugeCh chan struct{}

	closed atomic.Bool
}

// New resolves Settings from overrides/environment/config-store/defaults,
// builds the HTTP transport and the delivery strategy Settings.Delivery
// selects, and starts any background worker the strategy needs. Callers
// own the returned Tracker and must Close it.
func New(overrides map[string]string, opts ...Option) (*Tracker, error) {
	cfg := &options{asyncWorkers: 16}
	for _, opt := range opts {
		opt(cfg)
	}
	for _, ps := range cfg.schemas {
		record.RegisterSchema(ps.serviceKey, ps.schema)
	}

	configPath := settings.ResolveConfigPath(overrides)
	store := config.NewStore(configPath)

	resolved, err := settings.Resolve(overrides, store)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = logging.NewLogger(logging.Config{
			Level:  resolved.LogLevel,
			Format: string(resolved.LogFormat),
			Output: string(resolved.LogOutput),
			Filename: resolved.LogFile,
		})
	}

	metrics := &delivery.Metrics{}
	var promDelivery *obsmetrics.DeliveryMetrics
	var promQueue *obsmetrics.QueueMetrics
	var transportOpts2 []transport.Option
	if cfg.metricsRegisterer != nil {
		reg := obsmetrics.New(cfg.metricsRegisterer)
		promDelivery = reg.Delivery()
		promQueue = reg.Queue()
		transportOpts2 = append(transportOpts2, transport.WithMetrics(reg.Transport()))
	}

	limitsCapacity := cfg.limitsCapacity
	if limitsCapacity == 0 {
		limitsCapacity = limits.DefaultCapacity
	}
	limitsCache := limits.New(store, limitsCapacity)
	if resolved.LimitsEnabled {
		if err := limitsCache.LoadFromStoreIfEmpty(); err != nil {
			logger.Warn("tracker: failed to restore triggered-limits cache", "error", err)
		}
	}

	transportOpts := append([]transport.Option{transport.WithLogger(logger)}, transportOpts2...)
	if cfg.rateLimit > 0 {
		transportOpts = append(transportOpts, transport.WithRateLimit(cfg.rateLimit, cfg.rateBurst))
	}
	client := transport.New(resolved.TrackURL(), resolved.LimitsURL(), resolved.APIKey, resolved.Timeout, resolved.MaxAttempts, resolved.LogBodies, transportOpts...)

	if resolved.LimitsEnabled && limitsCache.Stale() {
		go func() {
			fr, err := client.FetchLimits(context.Background(), "")
			if err != nil {
				logger.Warn("tracker: triggered-limits refresh failed", "error", err)
				return
			}
			if !fr.NotModified {
				_ = limitsCache.ReplaceAll(fr.Limits)
			}
		}()
	}

	sender := &trackerSender{client: client, limitsCache: limitsCache, limitsEnabled: resolved.LimitsEnabled}

	strategy, err := buildStrategy(resolved, sender, logger, metrics)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		settings:     resolved,
		store:        store,
		client:       client,
		limits:       limitsCache,
		strategy:     strategy,
		logger:       logger,
		metrics:      metrics,
		promDelivery: promDelivery,
		asyncSem:     make(chan struct{}, cfg.asyncWorkers),
	}

	if err := strategy.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("aicm: starting delivery strategy: %w", err)
	}

	if promQueue != nil {
		if ps, ok := strategy.(*persistent.Strategy); ok {
			t.queueGaugeCh = make(chan struct{})
			startQueueGaugeLoop(ps, promQueue, t.queueGaugeCh)
		}
	}
	return t, nil
}

// startQueueGaugeLoop polls the durable queue's row counts by status and
// mirrors them into the queue depth gauge, since sqlite rows aren't
// something Prometheus can scrape directly. It exits when stop is closed.
func startQueueGaugeLoop(ps *persistent.Strategy, qm *obsmetrics.QueueMetrics, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stats, err := ps.Store().Stats(context.Background())
				if err != nil {
					return
				}
				for status, n := range stats {
					qm.Depth.WithLabelValues(status).Set(float64(n))
				}
			}
		}
	}()
}

func buildStrategy(s settings.Settings, sender delivery.Sender, logger *slog.Logger, metrics *delivery.Metrics) (delivery.Strategy, error) {
	switch s.Delivery {
	case settings.DeliveryMemQueue:
		return delivery.NewMemQueue(sender, delivery.MemQueueConfig{
			Capacity:      s.QueueSize,
			BatchInterval: s.BatchInterval,
			MaxBatchSize:  s.MaxBatchSize,
			MaxRetries:    s.MaxRetries,
			Overflow:      delivery.OverflowPolicy(s.Overflow),
		}, nil, logger, metrics), nil
	case settings.DeliveryPersistentQueue:
		reclaim := 2 * s.Timeout
		if reclaim < 60*time.Second {
			reclaim = 60 * time.Second
		}
		return persistent.Open(s.DBPath, sender, nil, logger, persistent.WorkerConfig{
			MaxBatchSize:    s.MaxBatchSize,
			PollInterval:    s.PollInterval,
			MaxRetries:      s.MaxRetries,
			InflightReclaim: reclaim,
		})
	default:
		return delivery.NewImmediate(sender, s.RaiseOnError, nil, logger, metrics), nil
	}
}

// trackerSender adapts transport.Client to delivery.Sender, and is the one
// place a successful send's triggered_limits payload reaches the cache:
// none of the three delivery strategies know the limits package exists.
type trackerSender struct {
	client        *transport.Client
	limitsCache   *limits.Cache
	limitsEnabled bool
}

func (s *trackerSender) SendBatch(ctx context.Context, batch record.Batch) (*delivery.SendResult, error) {
	res, err := s.client.SendBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	if s.limitsEnabled && len(res.TriggeredLimits) > 0 {
		_ = s.limitsCache.Notify(res.TriggeredLimits)
	}
	out := &delivery.SendResult{}
	for _, r := range res.Results {
		out.Results = append(out.Results, delivery.Result{ResponseID: r.ResponseID, Status: r.Status, CostEventID: r.CostEventID})
	}
	return out, nil
}

// SetCustomerKey sets the customer_key attached to every record Track
// builds afterward that doesn't supply its own via TrackOption.
func (t *Tracker) SetCustomerKey(customerKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultCustomerKey = customerKey
}

// SetContext sets the context map attached to every record Track builds
// afterward that doesn't supply its own via TrackOption. The map is
// copied; callers may continue to mutate their own copy safely.
func (t *Tracker) SetContext(ctx map[string]any) {
	clone := make(map[string]any, len(ctx))
	for k, v := range ctx {
		clone[k] = v
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultContext = clone
}

// Track builds a usage record for serviceKey/usage, validates it against
// any schema registered for serviceKey, hands it to the delivery strategy,
// and — once accepted — checks the triggered-limits cache. A limit match
// surfaces as a non-nil error alongside a non-nil TrackResult: the record
// was still accepted for delivery, the caller is only being warned/blocked
// from issuing more.
func (t *Tracker) Track(ctx context.Context, serviceKey string, usage map[string]any, opts ...TrackOption) (*TrackResult, error) {
	if t.closed.Load() {
		return nil, &errs.TrackerClosed{}
	}

	o := t.buildOptions(opts)
	r := record.Build(serviceKey, usage, o)
	if err := record.Validate(r); err != nil {
		return nil, err
	}

	t.recordPromEnqueued(serviceKey, 1)
	batchResult, err := t.strategy.Deliver(ctx, record.Batch{r})
	if err != nil {
		t.recordPromFailed(serviceKey, 1)
		return nil, err
	}
	t.recordPromDelivered(serviceKey, batchResult.Results)

	var result TrackResult
	if len(batchResult.Results) > 0 {
		rr := batchResult.Results[0]
		result = TrackResult{ResponseID: rr.ResponseID, Status: rr.Status, CostEventID: rr.CostEventID}
	} else {
		result = TrackResult{ResponseID: r.ResponseID}
	}

	if t.settings.LimitsEnabled && result.Status != "service_key_unknown" {
		apiKeyID := r.APIKeyID
		if apiKeyID == "" {
			apiKeyID = limits.DeriveAPIKeyID(t.settings.APIKey)
		}
		if hit := t.limits.Check(apiKeyID, serviceKey, r.CustomerKey); hit != nil {
			exceeded := &errs.UsageLimitExceeded{
				LimitID:      hit.LimitID,
				ServiceKey:   hit.ServiceKey,
				CustomerKey:  hit.CustomerKey,
				ThresholdAmt: fmt.Sprintf("%g", hit.Amount),
			}
			result.LimitExceeded = exceeded
			return &result, exceeded
		}
	}
	return &result, nil
}

// TrackBatch builds and delivers one record per usage entry, all as a
// single call to the delivery strategy. Entries share the batch's
// TrackOptions (customer key, context) unless a BatchEntry sets its own
// ResponseID, CustomerKey or Context.
func (t *Tracker) TrackBatch(ctx context.Context, serviceKey string, entries []BatchEntry, opts ...TrackOption) (*BatchTrackResult, error) {
	if t.closed.Load() {
		return nil, &errs.TrackerClosed{}
	}
	base := t.buildOptions(opts)

	batch := make(record.Batch, len(entries))
	for i, e := range entries {
		o := base
		if e.ResponseID != "" {
			o.ResponseID = e.ResponseID
		}
		if e.CustomerKey != "" {
			o.CustomerKey = e.CustomerKey
		}
		if e.Context != nil {
			o.Context = e.Context
		}
		r := record.Build(serviceKey, e.Usage, o)
		if err := record.Validate(r); err != nil {
			return nil, fmt.Errorf("aicm: entry %d: %w", i, err)
		}
		batch[i] = r
	}

	t.recordPromEnqueued(serviceKey, len(batch))
	batchResult, err := t.strategy.Deliver(ctx, batch)
	if err != nil {
		t.recordPromFailed(serviceKey, len(batch))
		return nil, err
	}
	t.recordPromDelivered(serviceKey, batchResult.Results)

	out := &BatchTrackResult{Results: make([]TrackResult, len(batch))}
	for i, r := range batch {
		out.Results[i] = TrackResult{ResponseID: r.ResponseID}
	}
	for i, rr := range batchResult.Results {
		if i >= len(out.Results) {
			break
		}
		out.Results[i] = TrackResult{ResponseID: rr.ResponseID, Status: rr.Status, CostEventID: rr.CostEventID}
	}

	var firstHit *errs.UsageLimitExceeded
	if t.settings.LimitsEnabled {
		for i, r := range batch {
			if out.Results[i].Status == "service_key_unknown" {
				continue
			}
			apiKeyID := r.APIKeyID
			if apiKeyID == "" {
				apiKeyID = limits.DeriveAPIKeyID(t.settings.APIKey)
			}
			hit := t.limits.Check(apiKeyID, serviceKey, r.CustomerKey)
			if hit == nil {
				continue
			}
			exceeded := &errs.UsageLimitExceeded{
				LimitID:      hit.LimitID,
				ServiceKey:   hit.ServiceKey,
				CustomerKey:  hit.CustomerKey,
				ThresholdAmt: fmt.Sprintf("%g", hit.Amount),
			}
			out.Results[i].LimitExceeded = exceeded
			if firstHit == nil {
				firstHit = exceeded
			}
		}
	}
	if firstHit != nil {
		return out, firstHit
	}
	return out, nil
}

func (t *Tracker) buildOptions(opts []TrackOption) record.BuildOptions {
	t.mu.RLock()
	o := record.BuildOptions{CustomerKey: t.defaultCustomerKey, Context: t.defaultContext}
	t.mu.RUnlock()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Close stops the delivery strategy's background worker (draining what it
// can within its shutdown deadline) and closes the HTTP transport's idle
// connections. Close is idempotent; a second call is a no-op.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.strategy.Close(ctx)
	if t.queueGaugeCh != nil {
		close(t.queueGaugeCh)
	}
	t.client.Close()
	return err
}
