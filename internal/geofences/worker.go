package geofences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/events"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/google/uuid"
)

// Inbound command types.
const (
	CommandCreateGeofence                = "CreateGeofence"
	CommandUpdateGeofence                = "UpdateGeofence"
	CommandUpsertGeofence                = "UpsertGeofence"
	CommandDeleteGeofence                = "DeleteGeofence"
	CommandBulkDeleteGeofences           = "BulkDeleteGeofences"
	CommandPurgeIntegrationFromGeofences = "PurgeIntegrationFromGeofences"
	CommandEnforceResourceLimits         = "EnforceGeofenceResourceLimits"
	CommandComputeIntersections          = "ComputeGeofenceIntersections"
	CommandComputeIntegrations           = "ComputeGeofenceIntegrations"
)

// Envelope wraps every command on the bus.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Retry bounds for commands that failed on infrastructure.
const (
	minRetryDelay = 500 * time.Millisecond
	maxRetryDelay = 30 * time.Second
)

// CommandWorker consumes commands from the bus and runs them against the
// service. A message is committed once its command succeeded or was
// rejected; retryable failures are driven again until they succeed or the
// worker stops, in which case the message stays uncommitted and is
// redelivered.
type CommandWorker struct {
	consumer  events.Consumer
	svc       *Service
	publisher Publisher
	logger    *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration
}

func NewCommandWorker(consumer events.Consumer, svc *Service, publisher Publisher, logger *slog.Logger) *CommandWorker {
	return &CommandWorker{
		consumer:  consumer,
		svc:       svc,
		publisher: publisher,
		logger:    logging.Component(logger, "geofences.worker"),
		minDelay:  minRetryDelay,
		maxDelay:  maxRetryDelay,
	}
}

// Run blocks until ctx is cancelled or the consumer fails.
func (w *CommandWorker) Run(ctx context.Context) error {
	w.logger.Info("command worker started")
	for {
		msg, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("command worker stopped")
				return nil
			}
			return fmt.Errorf("fetch command: %w", err)
		}

		if err := w.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("command worker stopped with message uncommitted", "topic", msg.Topic)
				return nil
			}
			return err
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit command: %w", err)
		}
	}
}

// Handle runs one message to completion. It returns an error only when ctx
// ends before the command could be settled.
func (w *CommandWorker) Handle(ctx context.Context, msg events.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.Type == "" {
		w.reject(ctx, env, invalid("message is not a command envelope"))
		return nil
	}

	delay := w.minDelay
	for attempt := 1; ; attempt++ {
		err := w.dispatch(ctx, env)
		if err == nil {
			metrics.CommandsConsumed.WithLabelValues(env.Type, "ok").Inc()
			return nil
		}
		if !IsRetryable(err) {
			w.reject(ctx, env, err)
			return nil
		}

		metrics.CommandsConsumed.WithLabelValues(env.Type, "retry").Inc()
		w.logger.WarnContext(ctx, "command failed, retrying",
			"type", env.Type, "attempt", attempt, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, w.maxDelay)
	}
}

func (w *CommandWorker) reject(ctx context.Context, env Envelope, cause error) {
	command := env.Type
	if command == "" {
		command = "Unknown"
	}
	metrics.CommandsConsumed.WithLabelValues(command, "rejected").Inc()

	var scope struct {
		TenantID string `json:"tenantId"`
	}
	_ = json.Unmarshal(env.Payload, &scope)

	w.logger.WarnContext(ctx, "command rejected", "type", command, "tenant_id", scope.TenantID, "error", cause)
	if w.publisher == nil {
		return
	}
	err := publishJSON(ctx, w.publisher, RejectedEventType(command), scope.TenantID, Rejected{
		TenantID: scope.TenantID,
		Command:  command,
		Reason:   cause.Error(),
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to publish rejection", "type", command, "error", err)
	}
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, invalid("payload is required")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return v, verr
		}
		return v, invalid("invalid payload: %v", err)
	}
	return v, nil
}

func (w *CommandWorker) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case CommandCreateGeofence:
		cmd, err := decodePayload[CreateGeofence](env.Payload)
		if err != nil {
			return err
		}
		_, err = w.svc.Create(ctx, cmd)
		return err

	case CommandUpdateGeofence:
		cmd, err := decodePayload[UpdateGeofence](env.Payload)
		if err != nil {
			return err
		}
		_, err = w.svc.Update(ctx, cmd)
		return err

	case CommandUpsertGeofence:
		cmd, err := decodePayload[UpsertGeofence](env.Payload)
		if err != nil {
			return err
		}
		_, _, err = w.svc.Upsert(ctx, cmd)
		return err

	case CommandDeleteGeofence:
		cmd, err := decodePayload[DeleteGeofence](env.Payload)
		if err != nil {
			return err
		}
		return w.svc.Delete(ctx, cmd)

	case CommandBulkDeleteGeofences:
		cmd, err := decodePayload[BulkDeleteGeofences](env.Payload)
		if err != nil {
			return err
		}
		_, err = w.svc.BulkDelete(ctx, cmd)
		return err

	case CommandPurgeIntegrationFromGeofences:
		cmd, err := decodePayload[PurgeIntegrationFromGeofences](env.Payload)
		if err != nil {
			return err
		}
		_, err = w.svc.PurgeIntegration(ctx, cmd)
		return err

	case CommandEnforceResourceLimits:
		cmd, err := decodePayload[EnforceGeofenceResourceLimits](env.Payload)
		if err != nil {
			return err
		}
		return w.svc.EnforceLimits(ctx, cmd)

	case CommandComputeIntersections:
		cmd, err := decodePayload[ComputeGeofenceIntersections](env.Payload)
		if err != nil {
			return err
		}
		return w.computeIntersections(ctx, cmd)

	case CommandComputeIntegrations:
		cmd, err := decodePayload[ComputeGeofenceIntegrations](env.Payload)
		if err != nil {
			return err
		}
		_, err = w.svc.ComputeIntegrations(ctx, cmd)
		return err
	}
	return invalid("unknown command type %q", env.Type)
}

// computeIntersections hands the matched ids to the upstream classifier.
func (w *CommandWorker) computeIntersections(ctx context.Context, cmd ComputeGeofenceIntersections) error {
	gs, err := w.svc.ComputeIntersections(ctx, cmd)
	if err != nil {
		return err
	}
	if w.publisher == nil {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(gs))
	for _, g := range gs {
		ids = append(ids, g.ID)
	}
	err = publishJSON(ctx, w.publisher, EventGeofenceIntersectionsComputed, cmd.TenantID, GeofenceIntersectionsComputed{
		TenantID:    cmd.TenantID,
		ProjectID:   cmd.ProjectID,
		Breadcrumb:  cmd.Breadcrumb,
		GeofenceIDs: ids,
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to publish intersections", "tenant_id", cmd.TenantID, "error", err)
		return fmt.Errorf("%w: failed to publish intersections", ErrOperationFailed)
	}
	return nil
}
