// Package action implements the Domain-Action Client: the one object per
// emitting service that appends envelopes to a target service's action
// stream in one of three modes, and for pseudo-sync mode blocks for a
// direct reply.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/devmesh/actioncore/pkg/coreerrors"
	"github.com/devmesh/actioncore/pkg/envelope"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"
	"github.com/devmesh/actioncore/pkg/resilience"
	"github.com/devmesh/actioncore/pkg/retry"
)

// responseListTTL is the lifetime of a pseudo-sync response list whose
// caller is cancelled or crashes before reading it. This package does not
// apply it: the stream worker that pushes the reply sets the list's TTL
// with its own equal constant (callbackResponseTTL in pkg/streamworker).
const responseListTTL = 5 * time.Second

// appendRetryPolicy retries a transport failure on the append path with a
// short bounded backoff. Anything still failing after this is a genuine
// Unavailable condition the caller must handle; the core never retries
// indefinitely.
func appendRetryPolicy() retry.Policy {
	return retry.NewExponentialBackoff(retry.Config{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  2 * time.Second,
		MaxRetries:      3,
	})
}

// Client emits Domain Actions on behalf of one service.
type Client struct {
	originService string
	redis         *redisx.StreamsClient
	keys          *keyspace.Keyspace
	logger        observability.Logger
	metrics       observability.MetricsClient
	breakers      *resilience.CircuitBreakerManager
	retrier       retry.Policy
}

// New returns a Client that stamps originService on every envelope it sends.
func New(originService string, redisClient *redisx.StreamsClient, keys *keyspace.Keyspace, logger observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := observability.NewNoOpMetricsClient()
	return &Client{
		originService: originService,
		redis:         redisClient,
		keys:          keys,
		logger:        logger,
		metrics:       metrics,
		breakers:      resilience.NewCircuitBreakerManager(logger, metrics, nil),
		retrier:       appendRetryPolicy(),
	}
}

// breakerFor returns the circuit breaker guarding appends to targetService.
// Each target service gets its own breaker: one flaky downstream service
// must not trip the breaker for appends to every other target this Client
// talks to.
func (c *Client) breakerFor(targetService string) *resilience.CircuitBreaker {
	return c.breakers.GetCircuitBreaker(fmt.Sprintf("action-client:%s->%s", c.originService, targetService))
}

// stamp fills the fields the Client, not the caller, is responsible for:
// origin_service, action_id, created_at, and trace_id if the caller left it
// blank.
func (c *Client) stamp(a *envelope.DomainAction) {
	a.OriginService = c.originService
	if a.ActionID == "" {
		a.ActionID = envelope.NewActionID()
	}
	if a.TraceID == "" {
		a.TraceID = envelope.NewTraceID()
	}
	a.CreatedAt = time.Now().UTC()
}

func (c *Client) append(ctx context.Context, a *envelope.DomainAction) error {
	if a.TargetService == "" {
		return fmt.Errorf("action: target_service is required")
	}

	ctx, span := observability.TraceActionSend(ctx, a.ActionType, a.TargetService)
	defer span.End()

	data, err := envelope.Encode(a)
	if err != nil {
		observability.SetSpanStatus(ctx, err)
		return fmt.Errorf("action: encode before send: %w", err)
	}

	stream, err := c.keys.Key(a.TargetService, keyspace.KindActions)
	if err != nil {
		observability.SetSpanStatus(ctx, err)
		return fmt.Errorf("action: build target stream key: %w", err)
	}

	breaker := c.breakerFor(a.TargetService)
	_, err = breaker.Execute(ctx, func() (interface{}, error) {
		var innerErr error
		retryErr := c.retrier.Execute(ctx, func(ctx context.Context) error {
			_, innerErr = c.redis.AddToStream(ctx, stream, map[string]interface{}{"payload": data})
			return innerErr
		})
		return nil, retryErr
	})
	if err != nil {
		wrapped := coreerrors.Unavailable("action append failed", err)
		observability.SetSpanStatus(ctx, wrapped)
		return wrapped
	}
	return nil
}

// SendAsync appends envelope to the target's action stream and returns
// immediately. No reply is awaited; used for fire-and-forget notifications.
func (c *Client) SendAsync(ctx context.Context, a *envelope.DomainAction) error {
	c.stamp(a)
	a.CallbackQueue = ""
	a.CallbackAction = ""
	return c.append(ctx, a)
}

// SendAndWait appends envelope to the target's action stream, then blocks
// up to timeout for a direct reply on a freshly allocated response list. It
// fails with a Timeout error on expiry and an Unavailable error on
// transport failure. The append completes before the wait begins, so a
// fast reply can never be missed.
func (c *Client) SendAndWait(ctx context.Context, a *envelope.DomainAction, timeout time.Duration) (*envelope.DomainActionResponse, error) {
	c.stamp(a)
	if a.CorrelationID == "" {
		a.CorrelationID = envelope.NewCorrelationID()
	}
	a.CallbackAction = ""

	responseKey, err := c.keys.Key(c.originService, keyspace.KindResponses, a.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("action: build response list key: %w", err)
	}
	a.CallbackQueue = responseKey

	if err := c.append(ctx, a); err != nil {
		return nil, err
	}

	payload, err := c.redis.WaitForResponse(ctx, responseKey, timeout)
	if err != nil {
		return nil, coreerrors.Unavailable("action wait for response failed", err)
	}
	if payload == nil {
		return nil, coreerrors.Timeout(fmt.Sprintf("no response for correlation_id %s within %s", a.CorrelationID, timeout))
	}

	resp, err := envelope.DecodeResponse(payload)
	if err != nil {
		return nil, coreerrors.Corruption("action response payload did not decode", err)
	}
	return resp, nil
}

// SendWithCallback appends envelope to the target's action stream, routing
// the eventual callback to the caller's own callbacks stream. The caller
// must have already set CallbackAction to the action_type it expects the
// callback to carry. The callback arrives later as a fresh Domain Action
// carrying the same correlation_id and trace_id.
func (c *Client) SendWithCallback(ctx context.Context, a *envelope.DomainAction) error {
	if a.CallbackAction == "" {
		return fmt.Errorf("action: callback_action_type is required for send_with_callback")
	}

	c.stamp(a)
	if a.CorrelationID == "" {
		a.CorrelationID = envelope.NewCorrelationID()
	}

	callbackStream, err := c.keys.Key(c.originService, keyspace.KindCallbacks)
	if err != nil {
		return fmt.Errorf("action: build callback stream key: %w", err)
	}
	a.CallbackQueue = callbackStream

	return c.append(ctx, a)
}
