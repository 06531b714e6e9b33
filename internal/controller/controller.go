// Package controller orchestrates lock and unlock requests: it mutates the
// lock owner of an entity, resets its synchronization status and pushes it
// to the pools it is replicated into.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/dispatch"
	"github.com/n3tuk/content-sync-lock/internal/flows"
	"github.com/n3tuk/content-sync-lock/internal/lockstate"
	"github.com/n3tuk/content-sync-lock/internal/model"
	"github.com/n3tuk/content-sync-lock/internal/notify"
	"github.com/n3tuk/content-sync-lock/internal/site"
	"github.com/n3tuk/content-sync-lock/internal/storage"
)

var tracer = otel.Tracer("github.com/n3tuk/content-sync-lock/internal/controller")

// ErrLockConflict is returned when the entity is locked by another site and
// the conflict policy rejects the request.
var ErrLockConflict = errors.New("lock conflict: entity locked by another site")

// PersistenceError wraps a failure of the entity or status store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Stage is the last step a request reached.
type Stage string

const (
	StageReceived    Stage = "received"
	StageMutated     Stage = "mutated"
	StageStatusReset Stage = "status_reset"
	StageDispatched  Stage = "dispatched"
	StageReported    Stage = "reported"
)

// Operation names the request type in reports and metrics.
type Operation string

const (
	OperationLock   Operation = "lock"
	OperationUnlock Operation = "unlock"
	OperationStatus Operation = "status"
)

// ConflictPolicy decides what happens when a site locks or unlocks an entity
// held by another site.
type ConflictPolicy string

const (
	// ConflictReject fails the request with ErrLockConflict.
	ConflictReject ConflictPolicy = "reject"
	// ConflictOverwrite takes over the lock regardless of the holder.
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// ParseConflictPolicy validates a configured policy name. Empty means reject.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", ConflictReject:
		return ConflictReject, nil
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	}
	return "", fmt.Errorf("invalid conflict policy %q (must be one of: reject, overwrite)", s)
}

// EntityStore loads and saves entities.
type EntityStore interface {
	Load(ctx context.Context, entityType, id string) (*model.Entity, error)
	Save(ctx context.Context, entity *model.Entity) error
}

// PoolIndex answers which pools an entity is replicated into.
type PoolIndex interface {
	PoolsOf(ctx context.Context, entity *model.Entity) ([]model.Pool, error)
	ClearPullTimestamps(ctx context.Context, entity *model.Entity) error
}

// Registry provides the flow configuration snapshot for a request.
type Registry interface {
	Snapshot() *flows.Snapshot
}

// Dispatcher pushes an entity according to a plan.
type Dispatcher interface {
	Dispatch(ctx context.Context, entity *model.Entity, plan flows.Plan) dispatch.Result
}

// Recorder counts finished requests by outcome.
type Recorder interface {
	RecordLockOperation(operation, status string)
}

// Report describes how a request ended.
type Report struct {
	Operation Operation
	Entity    *model.Entity
	Stage     Stage

	// Status is the lock state of the entity after the mutation.
	Status lockstate.Status

	// Pushed is true when a push succeeded.
	Pushed bool

	// NoOp is true when the lock was stored but nothing needed pushing.
	NoOp bool

	// Dispatch is the push result, nil when no push was attempted.
	Dispatch *dispatch.Result
}

// Config tunes the controller.
type Config struct {
	ConflictPolicy ConflictPolicy
}

// Controller handles lock, unlock and lock status requests.
type Controller struct {
	entities   EntityStore
	pools      PoolIndex
	registry   Registry
	dispatcher Dispatcher
	identity   site.Identity
	policy     ConflictPolicy
	recorder   Recorder
	logger     *zap.Logger

	now func() time.Time
}

// New creates a Controller.
func New(
	entities EntityStore,
	pools PoolIndex,
	registry Registry,
	dispatcher Dispatcher,
	identity site.Identity,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	policy := cfg.ConflictPolicy
	if policy == "" {
		policy = ConflictReject
	}
	return &Controller{
		entities:   entities,
		pools:      pools,
		registry:   registry,
		dispatcher: dispatcher,
		identity:   identity,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// WithRecorder attaches a metrics recorder.
func (c *Controller) WithRecorder(r Recorder) *Controller {
	c.recorder = r
	return c
}

// Lock sets the local site as lock owner and pushes the entity so the other
// sites learn about the lock.
//
// Only the mutation and the status reset are fatal. A failed push leaves the
// lock in place and is reported as a warning.
func (c *Controller) Lock(ctx context.Context, entityType, id string, n notify.Notifier) (rep Report, err error) {
	ctx, span := c.start(ctx, OperationLock, entityType, id)
	defer func() { c.finish(span, &rep, err) }()

	rep = Report{Operation: OperationLock, Stage: StageReceived}
	siteID := c.identity.Current()

	entity, err := c.mutate(ctx, entityType, id, siteID)
	if err != nil {
		warnFatal(n, OperationLock, entityType, id, err)
		return rep, err
	}
	rep.Entity = entity
	rep.Stage = StageMutated
	rep.Status = lockstate.Compute(entity, siteID)
	label := entity.DisplayLabel()

	pools, err := c.pools.PoolsOf(ctx, entity)
	if err != nil {
		err = &PersistenceError{Op: "read synchronization status", Err: err}
		warnFatal(n, OperationLock, entityType, id, err)
		return rep, err
	}
	if len(pools) == 0 {
		n.Info(fmt.Sprintf("Item %s has been locked. It is not synchronized to any pool, so nothing was pushed.", label))
		rep.NoOp = true
		rep.Stage = StageReported
		return rep, nil
	}

	if err := c.pools.ClearPullTimestamps(ctx, entity); err != nil {
		err = &PersistenceError{Op: "reset synchronization status", Err: err}
		warnFatal(n, OperationLock, entityType, id, err)
		return rep, err
	}
	rep.Stage = StageStatusReset

	snapshot := c.registry.Snapshot()
	if snapshot == nil {
		err = fmt.Errorf("%w: flow configuration not loaded", flows.ErrConfigurationInconsistency)
		warnFatal(n, OperationLock, entityType, id, err)
		return rep, err
	}
	if len(snapshot.FlowsForEntity(entity.Type, entity.Bundle)) == 0 {
		n.Info(fmt.Sprintf("Item %s has been locked. No flow pushes %s/%s, so nothing was pushed.", label, entity.Type, entity.Bundle))
		rep.NoOp = true
		rep.Stage = StageReported
		return rep, nil
	}

	selectable := snapshot.SelectablePools(entity.Type, entity.Bundle)
	plan, err := flows.NewResolver(snapshot).Plan(snapshot.LabelPools(pools), selectable)
	if err != nil {
		warnFatal(n, OperationLock, entityType, id, err)
		return rep, err
	}

	res := c.dispatcher.Dispatch(ctx, entity, plan)
	rep.Dispatch = &res
	rep.Pushed = res.Succeeded
	rep.Stage = StageDispatched

	switch {
	case res.Succeeded && res.Flow != nil:
		n.Info(fmt.Sprintf("Item %s has been locked and pushed via %s.", label, flowName(res.Flow)))
	case res.Succeeded:
		n.Info(fmt.Sprintf("Item %s has been locked and pushed.", label))
	case len(res.Failures) > 0:
		for _, f := range res.Failures {
			n.Warning(fmt.Sprintf("Item %s could not be pushed: %s", label, f.Reason))
		}
	default:
		n.Warning(fmt.Sprintf("Item %s has been locked, but no eligible flow covers its pools, so nothing was pushed.", label))
	}

	rep.Stage = StageReported
	return rep, nil
}

// Unlock clears the lock owner and always pushes the entity once without
// pool restriction so every site that saw the lock also sees the release.
func (c *Controller) Unlock(ctx context.Context, entityType, id string, n notify.Notifier) (rep Report, err error) {
	ctx, span := c.start(ctx, OperationUnlock, entityType, id)
	defer func() { c.finish(span, &rep, err) }()

	rep = Report{Operation: OperationUnlock, Stage: StageReceived}

	entity, err := c.mutate(ctx, entityType, id, "")
	if err != nil {
		warnFatal(n, OperationUnlock, entityType, id, err)
		return rep, err
	}
	rep.Entity = entity
	rep.Stage = StageMutated
	rep.Status = lockstate.Compute(entity, c.identity.Current())
	label := entity.DisplayLabel()

	res := c.dispatcher.Dispatch(ctx, entity, flows.Unconstrained())
	rep.Dispatch = &res
	rep.Pushed = res.Succeeded
	rep.Stage = StageDispatched

	if res.Succeeded {
		n.Info(fmt.Sprintf("Item %s has been unlocked and pushed.", label))
	} else {
		for _, f := range res.Failures {
			n.Warning(fmt.Sprintf("Item %s could not be pushed: %s", label, f.Reason))
		}
	}

	rep.Stage = StageReported
	return rep, nil
}

// LockStatus returns the presentation state of an already loaded entity.
func (c *Controller) LockStatus(entity *model.Entity) lockstate.Presentation {
	return lockstate.Present(lockstate.Compute(entity, c.identity.Current()))
}

// Status loads the entity and returns it with its presentation state.
func (c *Controller) Status(ctx context.Context, entityType, id string) (*model.Entity, lockstate.Presentation, error) {
	entity, err := c.entities.Load(ctx, entityType, id)
	if err != nil {
		err = loadError(entityType, id, err)
		c.record(OperationStatus, err, nil)
		return nil, "", err
	}
	c.record(OperationStatus, nil, nil)
	return entity, c.LockStatus(entity), nil
}

// mutate loads the entity, applies the conflict policy and saves it with the
// new owner. The save is a compare-and-swap on the loaded revision.
func (c *Controller) mutate(ctx context.Context, entityType, id, owner string) (*model.Entity, error) {
	entity, err := c.entities.Load(ctx, entityType, id)
	if err != nil {
		return nil, loadError(entityType, id, err)
	}

	siteID := c.identity.Current()
	if lockstate.Compute(entity, siteID) == lockstate.LockedByOther {
		if c.policy == ConflictReject {
			return nil, fmt.Errorf("%w: %s/%s is held by %s", ErrLockConflict, entityType, id, entity.LockOwner)
		}
		c.logger.Warn("Overwriting lock held by another site",
			zap.String("entity_type", entityType),
			zap.String("entity_id", id),
			zap.String("holder", entity.LockOwner),
			zap.String("site_id", siteID),
		)
	}

	entity.LockOwner = owner
	entity.Changed = c.now().UTC()

	if err := c.entities.Save(ctx, entity); err != nil {
		if errors.Is(err, storage.ErrRevisionConflict) {
			return nil, fmt.Errorf("%s/%s: %w", entityType, id, err)
		}
		return nil, &PersistenceError{Op: "save entity", Err: err}
	}

	c.logger.Debug("Lock owner updated",
		zap.String("entity_type", entityType),
		zap.String("entity_id", id),
		zap.String("lock_owner", owner),
		zap.Uint64("revision", entity.Revision),
	)
	return entity, nil
}

func loadError(entityType, id string, err error) error {
	if errors.Is(err, storage.ErrEntityNotFound) {
		return fmt.Errorf("%s/%s: %w", entityType, id, err)
	}
	return &PersistenceError{Op: "load entity", Err: err}
}

func warnFatal(n notify.Notifier, op Operation, entityType, id string, err error) {
	n.Warning(fmt.Sprintf("Item %s/%s could not be %sed: %s", entityType, id, op, err))
}

func (c *Controller) start(ctx context.Context, op Operation, entityType, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller."+string(op), trace.WithAttributes(
		attribute.String("cslock.entity.type", entityType),
		attribute.String("cslock.entity.id", id),
	))
}

func (c *Controller) finish(span trace.Span, rep *Report, err error) {
	defer span.End()

	span.SetAttributes(
		attribute.String("cslock.stage", string(rep.Stage)),
		attribute.Bool("cslock.pushed", rep.Pushed),
		attribute.Bool("cslock.noop", rep.NoOp),
	)

	fields := []zap.Field{
		zap.String("operation", string(rep.Operation)),
		zap.String("stage", string(rep.Stage)),
		zap.Bool("pushed", rep.Pushed),
		zap.Bool("noop", rep.NoOp),
	}
	if rep.Entity != nil {
		fields = append(fields,
			zap.String("entity_type", rep.Entity.Type),
			zap.String("entity_id", rep.Entity.ID),
			zap.String("lock_status", rep.Status.String()),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Lock request failed", append(fields, zap.Error(err))...)
	} else {
		c.logger.Info("Lock request finished", fields...)
	}

	c.record(rep.Operation, err, rep)
}

// record counts the request outcome.
func (c *Controller) record(op Operation, err error, rep *Report) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordLockOperation(string(op), Outcome(err, rep))
}

// Outcome classifies a finished request for metrics and responses.
func Outcome(err error, rep *Report) string {
	switch {
	case err == nil && rep != nil && rep.NoOp:
		return "noop"
	case err == nil && rep != nil && rep.Dispatch != nil && !rep.Pushed:
		return "push_failed"
	case err == nil:
		return "success"
	case errors.Is(err, storage.ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, ErrLockConflict), errors.Is(err, storage.ErrRevisionConflict):
		return "conflict"
	case errors.Is(err, flows.ErrConfigurationInconsistency):
		return "inconsistent"
	default:
		return "error"
	}
}

func flowName(f *model.Flow) string {
	if f.Label != "" {
		return f.Label
	}
	return f.ID
}
