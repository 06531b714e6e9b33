// Package dispatch attempts pushes for an entity in the order the flow
// resolver produced, stopping at the first success.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/flows"
	"github.com/n3tuk/content-sync-lock/internal/model"
)

var tracer = otel.Tracer("github.com/n3tuk/content-sync-lock/internal/dispatch")

// AnyFlow labels attempts of an unconstrained push.
const AnyFlow = "any"

// Transport performs a single push.
type Transport interface {
	Push(ctx context.Context, req model.PushRequest) error
}

// Recorder receives one observation per push attempt.
type Recorder interface {
	RecordPushAttempt(flow, outcome string, duration time.Duration)
}

// Failure is a failed push attempt.
type Failure struct {
	FlowID string `json:"flow_id"`
	Reason string `json:"reason"`
}

// Result summarises a dispatch.
type Result struct {
	// Attempted is the number of pushes tried.
	Attempted int
	// Succeeded is true once any push succeeded.
	Succeeded bool
	// Flow is the flow that carried the successful push, nil for an
	// unconstrained push or when nothing succeeded.
	Flow *model.Flow
	// Failures lists every failed attempt in order.
	Failures []Failure
}

// Dispatcher drives push attempts through a Transport.
type Dispatcher struct {
	transport Transport
	recorder  Recorder
	logger    *zap.Logger
}

// New creates a Dispatcher. recorder may be nil.
func New(transport Transport, recorder Recorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		recorder:  recorder,
		logger:    logger,
	}
}

// Dispatch runs the plan. An unconstrained plan makes exactly one push with
// no flow or pool restriction. Otherwise candidates are tried in order until
// one succeeds; each failure is recorded and the next candidate is tried.
// Every push is forced and uses the create action.
//
// Once started, dispatch runs to completion even if the caller's context is
// cancelled; transport timeouts still apply.
func (d *Dispatcher) Dispatch(ctx context.Context, entity *model.Entity, plan flows.Plan) Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "Dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("cslock.entity.type", entity.Type),
		attribute.String("cslock.entity.id", entity.ID),
		attribute.Bool("cslock.push.unconstrained", plan.IsUnconstrained()),
		attribute.Int("cslock.push.candidates", len(plan.Candidates)),
	))
	defer span.End()

	var res Result

	if plan.IsUnconstrained() {
		res.Attempted = 1
		req := model.PushRequest{Entity: entity, Forced: true, Action: model.ActionCreate}
		if err := d.attempt(ctx, AnyFlow, req); err != nil {
			res.Failures = append(res.Failures, Failure{FlowID: AnyFlow, Reason: err.Error()})
		} else {
			res.Succeeded = true
		}
		d.finish(span, entity, res)
		return res
	}

	for _, c := range plan.Candidates {
		flow := c.Flow
		req := model.PushRequest{
			Entity: entity,
			Forced: true,
			Action: model.ActionCreate,
			Flow:   &flow,
			Pools:  c.Pools,
		}

		res.Attempted++
		if err := d.attempt(ctx, flow.ID, req); err != nil {
			res.Failures = append(res.Failures, Failure{FlowID: flow.ID, Reason: err.Error()})
			continue
		}

		res.Succeeded = true
		res.Flow = &flow
		break
	}

	d.finish(span, entity, res)
	return res
}

// attempt performs one push. A panicking transport counts as a failure.
func (d *Dispatcher) attempt(ctx context.Context, flowID string, req model.PushRequest) (err error) {
	ctx, span := tracer.Start(ctx, "Dispatcher.attempt", trace.WithAttributes(
		attribute.String("cslock.flow", flowID),
		attribute.Int("cslock.pools", len(req.Pools)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push transport panicked: %v", r)
		}

		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.logger.Warn("Push attempt failed",
				zap.String("flow", flowID),
				zap.String("entity_type", req.Entity.Type),
				zap.String("entity_id", req.Entity.ID),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("Push attempt succeeded",
				zap.String("flow", flowID),
				zap.String("entity_type", req.Entity.Type),
				zap.String("entity_id", req.Entity.ID),
			)
		}
		if d.recorder != nil {
			d.recorder.RecordPushAttempt(flowID, outcome, time.Since(start))
		}
	}()

	return d.transport.Push(ctx, req)
}

func (d *Dispatcher) finish(span trace.Span, entity *model.Entity, res Result) {
	span.SetAttributes(
		attribute.Int("cslock.push.attempted", res.Attempted),
		attribute.Bool("cslock.push.succeeded", res.Succeeded),
	)

	d.logger.Info("Dispatch finished",
		zap.String("entity_type", entity.Type),
		zap.String("entity_id", entity.ID),
		zap.Int("attempted", res.Attempted),
		zap.Bool("succeeded", res.Succeeded),
		zap.Int("failures", len(res.Failures)),
	)
}
