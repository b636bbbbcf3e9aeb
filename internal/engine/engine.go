package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
	"deliverline/internal/events"
	"deliverline/internal/lifecycle"
	"deliverline/internal/metrics"
	"deliverline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Category names the kind of failure carried by err. Callers map it onto
// transport status codes.
func Category(err error) string {
	var (
		transition lifecycle.InvalidTransitionError
		denied     auth.PermissionDeniedError
		incomplete lifecycle.AssessmentIncompleteError
		conflict   lifecycle.ConcurrentSignatureConflictError
		invalid    lifecycle.ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &denied):
		return "permission_denied"
	case errors.As(err, &incomplete):
		return "assessment_incomplete"
	case errors.As(err, &conflict):
		return "signature_conflict"
	case errors.As(err, &invalid):
		return "validation"
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, lifecycle.ErrTaskNotFound), errors.Is(err, lifecycle.ErrLinkNotFound):
		return "not_found"
	}
	return "internal"
}

// change applies a pure mutation to d, persists anything besides the
// deliverable row itself, and returns the event payload.
type change func(tx *sql.Tx, d *domain.Deliverable) (events.EventPayload, error)

// mutate runs one guarded deliverable mutation: load inside the
// transaction, authorize, apply to a copy, persist with an audit event and
// commit. after hooks run inside the same transaction once the main event is
// written. Any failure rolls back and the stored record stays as it was.
func (e Engine) mutate(ctx context.Context, actor domain.Actor, action lifecycle.Action, id, evtType string, fn change, after ...func(tx *sql.Tx, d domain.Deliverable) error) (domain.Deliverable, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, e.reject(action, actor, id, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	current, err := e.Repo.GetDeliverableTx(ctx, tx, id)
	if err != nil {
		return domain.Deliverable{}, e.reject(action, actor, id, fmt.Errorf("deliverable %s: %w", id, err))
	}
	if err := auth.Authorize(actor, action, &current); err != nil {
		return current, e.reject(action, actor, id, err)
	}
	next := current.Clone()
	payload, err := fn(tx, &next)
	if err != nil {
		return current, e.reject(action, actor, id, err)
	}
	next.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateDeliverableTx(ctx, tx, next); err != nil {
		return current, e.reject(action, actor, id, fmt.Errorf("update deliverable: %w", err))
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = next.Status
	payload["progress"] = next.Progress
	if err := e.events().Append(ctx, tx, evtType, "deliverable", id, actor.ID, payload); err != nil {
		return current, e.reject(action, actor, id, err)
	}
	for _, hook := range after {
		if err := hook(tx, next); err != nil {
			return current, e.reject(action, actor, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return current, e.reject(action, actor, id, fmt.Errorf("commit: %w", err))
	}
	e.applied(action, actor, current, next)
	return next, nil
}

func (e Engine) reject(action lifecycle.Action, actor domain.Actor, id string, err error) error {
	cat := Category(err)
	result := "rejected"
	if cat == "internal" {
		result = "error"
	}
	metrics.RecordMutation(string(action), result)
	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("deliverable_id", id),
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("category", cat),
		zap.Error(err),
	}
	if result == "error" {
		e.log().Error("mutation failed", fields...)
	} else {
		e.log().Warn("mutation rejected", fields...)
	}
	return err
}

func (e Engine) applied(action lifecycle.Action, actor domain.Actor, before, after domain.Deliverable) {
	metrics.RecordMutation(string(action), "ok")
	if lifecycle.Normalize(before.Status) != lifecycle.Normalize(after.Status) {
		metrics.RecordTransition(string(after.Status))
	}
	e.log().Info("mutation applied",
		zap.String("action", string(action)),
		zap.String("deliverable_id", after.ID),
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("status", string(after.Status)),
		zap.Int("progress", after.Progress),
	)
}

func newID() string {
	return uuid.NewString()
}

// shortRef derives a human reference from an id.
func shortRef(prefix, id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + "-" + strings.ToUpper(id)
}
