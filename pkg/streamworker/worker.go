// Package streamworker implements the Stream Worker: it consumes one
// service's action stream through a consumer group, dispatches decoded
// envelopes to a service-supplied handler, and honors the reply/callback/
// retry/DLQ contract around that handler call.
package streamworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devmesh/actioncore/pkg/coreerrors"
	"github.com/devmesh/actioncore/pkg/envelope"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"
	"github.com/devmesh/actioncore/pkg/resilience"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// transportBackoff is how long the main loop pauses after a transport call
// fails or the circuit breaker is open, so a downed Redis doesn't turn into
// a hot loop.
const transportBackoff = 200 * time.Millisecond

// Handler is the capability a service supplies to process one decoded
// envelope. It returns a reply payload (nil means no reply), or an error
// to trigger the worker's retry policy.
type Handler func(ctx context.Context, action *envelope.DomainAction) (json.RawMessage, error)

// callbackResponseTTL bounds how long a pseudo-sync response list written
// by this worker survives if its caller never reads it.
const callbackResponseTTL = 5 * time.Second

// Config holds the worker's tunables. Stream and group names are derived
// from Service via the Keyspace; ConsumerName, if empty, is derived from
// the host process.
type Config struct {
	Service           string
	ConsumerName      string
	BatchSize         int64
	BlockMs           time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int64
	RetryBackoff      time.Duration

	// MaxConcurrentHandlers bounds how many entries from one batch may have
	// their handler running at once. The default, 1, reproduces strictly
	// sequential in-batch processing (spec's "the core's default is
	// sequential"); a handler that is safe to run concurrently against its
	// own side effects can raise this to let a batch drain faster.
	MaxConcurrentHandlers int
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockMs <= 0 {
		c.BlockMs = 5 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = 1
	}
	if c.ConsumerName == "" {
		host, _ := os.Hostname()
		c.ConsumerName = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	}
}

// Worker consumes one service's action stream via a consumer group.
type Worker struct {
	cfg     Config
	redis   *redisx.StreamsClient
	keys    *keyspace.Keyspace
	handler Handler
	logger  observability.Logger
	metrics observability.MetricsClient

	stream string
	group  string
	dlq    string

	breaker     *resilience.CircuitBreaker
	handlerPool *resilience.Bulkhead

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	eventsProcessed    int64
	eventsFailed       int64
	eventsRetried      int64
	eventsDeadLettered int64
	processingTimeNS   int64
}

// New returns a Worker bound to the given service's action stream.
func New(cfg Config, redisClient *redisx.StreamsClient, keys *keyspace.Keyspace, handler Handler, logger observability.Logger, metrics observability.MetricsClient) (*Worker, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("streamworker: service is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("streamworker: handler is required")
	}
	cfg.withDefaults()

	stream, err := keys.Key(cfg.Service, keyspace.KindActions)
	if err != nil {
		return nil, fmt.Errorf("streamworker: build action stream key: %w", err)
	}
	dlq, err := keys.Key(cfg.Service, keyspace.KindDLQ)
	if err != nil {
		return nil, fmt.Errorf("streamworker: build dlq stream key: %w", err)
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	breaker := resilience.NewCircuitBreaker(
		fmt.Sprintf("streamworker:%s", cfg.Service),
		resilience.CircuitBreakerConfig{TimeoutThreshold: cfg.BlockMs + 5*time.Second},
		logger,
		metrics,
	)

	handlerPool := resilience.NewBulkhead(
		fmt.Sprintf("streamworker:%s:handlers", cfg.Service),
		resilience.BulkheadConfig{
			MaxConcurrentCalls: cfg.MaxConcurrentHandlers,
			MaxQueueDepth:      int(cfg.BatchSize) * 4,
			QueueTimeout:       cfg.VisibilityTimeout,
			EnableBackpressure: false,
		},
		logger,
		metrics,
	)

	return &Worker{
		cfg:         cfg,
		redis:       redisClient,
		keys:        keys,
		handler:     handler,
		logger:      logger,
		metrics:     metrics,
		stream:      stream,
		group:       stream + ":workers",
		dlq:         dlq,
		breaker:     breaker,
		handlerPool: handlerPool,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start ensures the stream and consumer group exist, then begins the main
// loop in a background goroutine.
func (w *Worker) Start() error {
	ctx := context.Background()
	if err := w.redis.CreateConsumerGroupMkStream(ctx, w.stream, w.group, "0"); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("streamworker: ensure consumer group: %w", err)
		}
	}

	go w.loop()
	return nil
}

// Stop signals the main loop to stop reading new entries and waits for any
// in-flight processing to finish. Pending (un-acked) entries remain safe
// for another consumer to reclaim.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	if err := w.handlerPool.Close(); err != nil {
		w.logger.Error("streamworker: close handler pool", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if _, err := w.breaker.Execute(ctx, func() (interface{}, error) {
			return nil, w.reclaimIdle(ctx)
		}); err != nil {
			w.logger.Error("streamworker: reclaim failed", map[string]interface{}{"error": err.Error(), "stream": w.stream})
			time.Sleep(transportBackoff)
			continue
		}

		if _, err := w.breaker.Execute(ctx, func() (interface{}, error) {
			return nil, w.readNew(ctx)
		}); err != nil {
			w.logger.Error("streamworker: read failed", map[string]interface{}{"error": err.Error(), "stream": w.stream})
			time.Sleep(transportBackoff)
		}
	}
}

// reclaimIdle reclaims entries idle past VisibilityTimeout whose delivery
// count is still below MaxDeliveries, recovering work left behind by a
// crashed consumer.
func (w *Worker) reclaimIdle(ctx context.Context) error {
	pending, err := w.redis.ListPending(ctx, w.stream, w.group, w.cfg.VisibilityTimeout, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	var ids []string
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Deliveries >= w.cfg.MaxDeliveries {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.Deliveries
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := w.redis.ClaimMessages(ctx, w.stream, w.group, w.cfg.ConsumerName, w.cfg.VisibilityTimeout, ids...)
	if err != nil {
		return err
	}

	entries := make([]batchEntry, 0, len(claimed))
	for _, msg := range claimed {
		entries = append(entries, batchEntry{msg: msg, deliveryCount: deliveries[msg.ID] + 1})
	}
	w.dispatchBatch(ctx, entries)
	return nil
}

// readNew reads up to BatchSize new entries and processes them in read
// order within this batch.
func (w *Worker) readNew(ctx context.Context) error {
	streams, err := w.redis.ReadFromConsumerGroup(ctx, w.group, w.cfg.ConsumerName, []string{w.stream}, w.cfg.BatchSize, w.cfg.BlockMs, false)
	if err != nil {
		return err
	}

	var entries []batchEntry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, batchEntry{msg: msg, deliveryCount: 1})
		}
	}
	w.dispatchBatch(ctx, entries)
	return nil
}

// batchEntry pairs one claimed or newly-read stream message with its
// 1-based delivery ordinal for dispatchBatch.
type batchEntry struct {
	msg           redis.XMessage
	deliveryCount int64
}

// dispatchBatch runs processEntry for every entry in the batch, bounded by
// handlerPool's concurrency limit, and waits for the whole batch to finish
// before the caller moves on to the next reclaim/read cycle. With the
// default MaxConcurrentHandlers of 1 this reproduces strictly sequential
// processing; a higher limit lets entries within the batch overlap.
func (w *Worker) dispatchBatch(ctx context.Context, entries []batchEntry) {
	if len(entries) == 0 {
		return
	}

	// One handler slot: run the entries one after another on this
	// goroutine, so they are processed in read order.
	if w.cfg.MaxConcurrentHandlers <= 1 {
		for _, e := range entries {
			e := e
			if _, err := w.handlerPool.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				w.processEntry(ctx, e.msg, e.deliveryCount)
				return nil, nil
			}); err != nil {
				w.logger.Error("streamworker: handler pool rejected entry", map[string]interface{}{"error": err.Error(), "entry_id": e.msg.ID})
			}
		}
		return
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.handlerPool.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				w.processEntry(ctx, e.msg, e.deliveryCount)
				return nil, nil
			})
			if err != nil {
				w.logger.Error("streamworker: handler pool rejected entry", map[string]interface{}{"error": err.Error(), "entry_id": e.msg.ID})
			}
		}()
	}
	wg.Wait()
}

// retryDelay computes how long to wait before leaving a failed delivery to
// be reclaimed again, growing the base interval exponentially with the
// delivery count so a handler that is failing fast doesn't spin the
// consumer group at a fixed cadence.
func retryDelay(base time.Duration, deliveryCount int64) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxElapsedTime = 0
	var d time.Duration
	for i := int64(0); i < deliveryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// processEntry runs the full per-entry lifecycle: decode, dispatch, reply/
// callback, ack. deliveryCount is this attempt's 1-based ordinal as
// authoritatively tracked by Redis's pending-entry delivery counter.
func (w *Worker) processEntry(ctx context.Context, msg redis.XMessage, deliveryCount int64) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		atomic.AddInt64(&w.processingTimeNS, elapsed.Nanoseconds())
		if w.metrics != nil {
			w.metrics.RecordOperation("streamworker", "process_entry", true, elapsed.Seconds(), map[string]string{"service": w.cfg.Service})
		}
	}()

	raw, ok := msg.Values["payload"].(string)
	if !ok {
		w.sendToDLQ(ctx, msg.ID, nil, fmt.Errorf("streamworker: entry has no payload field"))
		w.ack(ctx, msg.ID)
		return
	}

	action, err := envelope.Decode([]byte(raw))
	if err != nil {
		w.sendToDLQ(ctx, msg.ID, []byte(raw), err)
		w.ack(ctx, msg.ID)
		return
	}

	ctx = observability.WithCorrelationID(ctx, action.CorrelationID)
	ctx = observability.WithTenantID(ctx, action.TenantID)
	ctx, span := observability.TraceStreamEntry(ctx, w.cfg.Service, w.stream, deliveryCount)
	defer span.End()
	log := observability.LoggerFromContext(ctx, w.logger)

	result, handlerErr := w.handler(ctx, action)
	if handlerErr != nil {
		// A tier-policy rejection is terminal immediately: it will not
		// succeed on redelivery, so it skips the retry window entirely.
		terminal := coreerrors.IsType(handlerErr, coreerrors.TypeTierLimitExceeded)

		if !terminal && deliveryCount < w.cfg.MaxDeliveries {
			atomic.AddInt64(&w.eventsRetried, 1)
			observability.RecordSpanError(ctx, handlerErr)
			log.Warn("streamworker: handler failed, will retry", map[string]interface{}{"error": handlerErr.Error(), "delivery_count": deliveryCount})
			if w.cfg.RetryBackoff > 0 {
				time.Sleep(retryDelay(w.cfg.RetryBackoff, deliveryCount))
			}
			// Leave un-acked: the message becomes reclaimable after
			// VisibilityTimeout and will be re-offered.
			return
		}

		atomic.AddInt64(&w.eventsFailed, 1)
		observability.SetSpanStatus(ctx, handlerErr)
		w.finalFailure(ctx, action, handlerErr)
		w.sendToDLQ(ctx, msg.ID, []byte(raw), handlerErr)
		w.ack(ctx, msg.ID)
		return
	}

	w.deliverSuccess(ctx, action, result)
	w.ack(ctx, msg.ID)
	atomic.AddInt64(&w.eventsProcessed, 1)
}

// deliverSuccess branches on the envelope's mode to route the handler's
// result to a direct reply, a callback action, or nowhere.
func (w *Worker) deliverSuccess(ctx context.Context, action *envelope.DomainAction, result json.RawMessage) {
	switch action.Mode() {
	case envelope.ModeFireAndForget:
		return

	case envelope.ModePseudoSync:
		resp := &envelope.DomainActionResponse{
			CorrelationID:  action.CorrelationID,
			TraceID:        action.TraceID,
			ActionTypeResp: action.ActionType,
			Success:        true,
			Data:           result,
		}
		w.pushResponse(ctx, action.CallbackQueue, resp)

	case envelope.ModeAsyncCallback:
		if result == nil {
			// No reply is sent; the handler contract documents this.
			return
		}
		w.emitCallback(ctx, action, result, nil)
	}
}

// finalFailure sends the terminal-failure reply or callback demanded by the
// envelope's mode once a failure is terminal: MaxDeliveries is exhausted,
// or the handler returned a tier-limit rejection. Fire-and-forget gets no
// terminal signal; its failure is only visible via the DLQ.
func (w *Worker) finalFailure(ctx context.Context, action *envelope.DomainAction, cause error) {
	errPayload := &envelope.ErrorPayload{
		Type:    "HANDLER_ERROR",
		Message: cause.Error(),
	}

	switch action.Mode() {
	case envelope.ModePseudoSync:
		resp := &envelope.DomainActionResponse{
			CorrelationID:  action.CorrelationID,
			TraceID:        action.TraceID,
			ActionTypeResp: action.ActionType,
			Success:        false,
			Error:          errPayload,
		}
		w.pushResponse(ctx, action.CallbackQueue, resp)

	case envelope.ModeAsyncCallback:
		w.emitCallback(ctx, action, nil, errPayload)
	}
}

func (w *Worker) pushResponse(ctx context.Context, listKey string, resp *envelope.DomainActionResponse) {
	data, err := envelope.EncodeResponse(resp)
	if err != nil {
		w.logger.Error("streamworker: encode response failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := w.redis.PushResponse(ctx, listKey, data, callbackResponseTTL); err != nil {
		w.logger.Error("streamworker: push response failed", map[string]interface{}{"error": err.Error(), "key": listKey})
	}
}

func (w *Worker) emitCallback(ctx context.Context, action *envelope.DomainAction, data json.RawMessage, errPayload *envelope.ErrorPayload) {
	child := &envelope.DomainAction{
		ActionID:      envelope.NewActionID(),
		ActionType:    action.CallbackAction,
		OriginService: w.cfg.Service,
		TargetService: action.OriginService,
		TenantID:      action.TenantID,
		CorrelationID: action.CorrelationID,
		TraceID:       action.TraceID,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}
	if errPayload != nil {
		meta, _ := json.Marshal(errPayload)
		child.Metadata = map[string]interface{}{"error": json.RawMessage(meta)}
	}

	encoded, err := envelope.Encode(child)
	if err != nil {
		w.logger.Error("streamworker: encode callback failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if _, err := w.redis.AddToStream(ctx, action.CallbackQueue, map[string]interface{}{"payload": encoded}); err != nil {
		w.logger.Error("streamworker: emit callback failed", map[string]interface{}{"error": err.Error(), "stream": action.CallbackQueue})
	}
}

func (w *Worker) sendToDLQ(ctx context.Context, entryID string, raw []byte, cause error) {
	atomic.AddInt64(&w.eventsDeadLettered, 1)
	if w.metrics != nil {
		w.metrics.IncrementCounterWithLabels("streamworker_dead_lettered_total", 1, map[string]string{"service": w.cfg.Service})
	}
	fields := map[string]interface{}{
		"original_id": entryID,
		"error":       cause.Error(),
	}
	if raw != nil {
		fields["payload"] = string(raw)
	}
	if _, err := w.redis.AddToStream(ctx, w.dlq, fields); err != nil {
		w.logger.Error("streamworker: write to dlq failed", map[string]interface{}{"error": err.Error(), "stream": w.dlq})
	}
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.redis.AckMessages(ctx, w.stream, w.group, entryID); err != nil {
		w.logger.Error("streamworker: ack failed", map[string]interface{}{"error": err.Error(), "entry_id": entryID})
	}
}

// GetMetrics returns a snapshot of the worker's counters.
func (w *Worker) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"events_processed":     atomic.LoadInt64(&w.eventsProcessed),
		"events_failed":        atomic.LoadInt64(&w.eventsFailed),
		"events_retried":       atomic.LoadInt64(&w.eventsRetried),
		"events_dead_lettered": atomic.LoadInt64(&w.eventsDeadLettered),
		"processing_time":      time.Duration(atomic.LoadInt64(&w.processingTimeNS)),
		"num_workers":          1,
		"consumer_id":          w.cfg.ConsumerName,
	}
}
