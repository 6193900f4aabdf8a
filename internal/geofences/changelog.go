package geofences

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/google/uuid"
	"github.com/wI2L/jsondiff"
	"gorm.io/datatypes"
)

// Change log event kinds.
const (
	ChangeCreated = "GeofenceCreated"
	ChangeUpdated = "GeofenceUpdated"
	ChangeDeleted = "GeofenceDeleted"
)

const changeLogTimeout = 10 * time.Second

// Recorder appends change log entries after the primary mutation has
// committed. Appends run in the background and failures are only logged:
// the audit trail may lag or miss entries, the mutation never does.
type Recorder struct {
	store  ChangeLogStore
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewRecorder(store ChangeLogStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logging.Component(logger, "geofences.changelog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Created records a new geofence.
func (r *Recorder) Created(ctx context.Context, g *Geofence, actor string) {
	r.append(ctx, r.entry(g, ChangeCreated, actor, nil))
}

// Updated records an update with an RFC 6902 patch from before to after.
func (r *Recorder) Updated(ctx context.Context, before, after *Geofence, actor string) {
	diff, err := Diff(before, after)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to compute change log diff", "geofence_id", after.ID, "error", err)
	}
	r.append(ctx, r.entry(after, ChangeUpdated, actor, diff))
}

// Deleted records one entry per deleted geofence.
func (r *Recorder) Deleted(ctx context.Context, deleted []Geofence, actor string) {
	entries := make([]GeofenceChangeLog, 0, len(deleted))
	for i := range deleted {
		entries = append(entries, r.entry(&deleted[i], ChangeDeleted, actor, nil))
	}
	r.append(ctx, entries...)
}

// Wait blocks until every pending append has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) entry(g *Geofence, event, actor string, diff datatypes.JSON) GeofenceChangeLog {
	return GeofenceChangeLog{
		ID:         uuid.New(),
		TenantID:   g.TenantID,
		ProjectID:  g.ProjectID,
		GeofenceID: g.ID,
		Event:      event,
		Actor:      actor,
		Diff:       diff,
		CreatedAt:  r.now(),
	}
}

func (r *Recorder) append(ctx context.Context, entries ...GeofenceChangeLog) {
	if len(entries) == 0 {
		return
	}
	// Detached from the caller so a finished request does not cancel it.
	bg := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		actx, cancel := context.WithTimeout(bg, changeLogTimeout)
		defer cancel()

		if err := r.store.AppendChangeLog(actx, entries...); err != nil {
			metrics.ChangeLogFailures.Add(float64(len(entries)))
			r.logger.ErrorContext(actx, "failed to append change log",
				"event", entries[0].Event,
				"geofence_id", entries[0].GeofenceID,
				"entries", len(entries),
				"error", err)
		}
	}()
}

// Diff is the JSON patch that turns before into after.
func Diff(before, after *Geofence) (datatypes.JSON, error) {
	patch, err := jsondiff.Compare(before, after)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
