package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"celupos/internal/cache"
	"celupos/internal/checkout"
	"celupos/internal/credit"
	"celupos/internal/domain"
	"celupos/internal/inventory"
	"celupos/internal/observability"
	"celupos/internal/store"
	"celupos/internal/xid"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// ErrForbidden is returned when the actor's role may not run an operation.
var ErrForbidden = errors.New("not allowed for this role")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// PINVerifier checks a manager PIN for operations a cashier needs
// authorization for.
type PINVerifier interface {
	ValidateManagerPIN(pin string) bool
}

type Options struct {
	Settings        checkout.Settings
	Credit          credit.Config
	FinalizeTimeout time.Duration
	SessionMaxAge   time.Duration
	Summaries       cache.CreditSummaryCache
	Queue           checkout.ReconcileQueue
	Notifier        inventory.Notifier
	Metrics         *observability.Metrics
	PINs            PINVerifier
	Logger          *slog.Logger
}

type Service struct {
	repo          store.Repository
	reconciler    *inventory.Reconciler
	credit        *credit.Engine
	sessions      *checkout.Registry
	orchestrator  *checkout.Orchestrator
	settings      checkout.Settings
	sessionMaxAge time.Duration
	pins          PINVerifier
	logger        *slog.Logger
	now           func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 12 * time.Hour
	}

	var stockRecorder inventory.Recorder
	var saleRecorder checkout.Recorder
	if opts.Metrics != nil {
		stockRecorder = opts.Metrics
		saleRecorder = opts.Metrics
	}

	reconciler := inventory.NewReconciler(repo, opts.Notifier, stockRecorder, logger.With(slog.String("component", "inventory")))
	engine := credit.NewEngine(repo, opts.Summaries, opts.Credit, logger.With(slog.String("component", "credit")))
	orchestrator := checkout.NewOrchestrator(repo, reconciler, engine, checkout.Options{
		Timeout:  opts.FinalizeTimeout,
		Queue:    opts.Queue,
		Recorder: saleRecorder,
		Logger:   logger.With(slog.String("component", "checkout")),
	})

	return &Service{
		repo:          repo,
		reconciler:    reconciler,
		credit:        engine,
		sessions:      checkout.NewRegistry(opts.Settings),
		orchestrator:  orchestrator,
		settings:      opts.Settings,
		sessionMaxAge: opts.SessionMaxAge,
		pins:          opts.PINs,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Settings returns the shop-wide pricing configuration.
func (s *Service) Settings() checkout.Settings {
	return s.settings
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("audit log write failed",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.Any("error", err),
		)
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}
