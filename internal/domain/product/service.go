package product

import (
	"context"
	"errors"
	"fmt"

	"stockpile/internal/core/apperror"
	"stockpile/internal/core/id"
	"stockpile/internal/core/tx"
	"stockpile/internal/domain/event"
	"stockpile/pkg/logger"
)

const entityName = "product"

// NotifyMode selects how committed mutations are announced.
type NotifyMode string

const (
	// NotifyDirect publishes once after commit. A failed publish is reported to the
	// caller while the mutation stays committed (best-effort notification).
	NotifyDirect NotifyMode = "direct"

	// NotifyOutbox records the event in the mutation's transaction; a relay
	// publishes it later with retries (at-least-once notification).
	NotifyOutbox NotifyMode = "outbox"
)

// ParseNotifyMode validates a configured mode.
func ParseNotifyMode(s string) (NotifyMode, error) {
	switch NotifyMode(s) {
	case NotifyDirect, NotifyOutbox:
		return NotifyMode(s), nil
	case "":
		return NotifyDirect, nil
	}
	return "", fmt.Errorf("unknown notify mode %q", s)
}

// ServiceConfig configures the product service.
type ServiceConfig struct {
	Repo      Repository
	TxManager tx.Manager
	Mode      NotifyMode

	// Notifier is required in NotifyDirect mode.
	Notifier event.Notifier

	// Recorder is required in NotifyOutbox mode.
	Recorder event.Recorder

	Logger *logger.Logger
}

// Service coordinates "mutate store, then announce mutation" for products.
//
// Each call makes exactly one storage attempt and at most one publish attempt.
// Reads never touch the notifier.
type Service struct {
	repo      Repository
	txManager tx.Manager
	mode      NotifyMode
	notifier  event.Notifier
	recorder  event.Recorder
	log       *logger.Logger
}

// NewService creates a product service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repo == nil || cfg.TxManager == nil {
		return nil, errors.New("product service: repo and tx manager are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = NotifyDirect
	}
	switch cfg.Mode {
	case NotifyDirect:
		if cfg.Notifier == nil {
			return nil, errors.New("product service: direct mode requires a notifier")
		}
	case NotifyOutbox:
		if cfg.Recorder == nil {
			return nil, errors.New("product service: outbox mode requires a recorder")
		}
	default:
		return nil, fmt.Errorf("product service: unknown notify mode %q", cfg.Mode)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Service{
		repo:      cfg.Repo,
		txManager: cfg.TxManager,
		mode:      cfg.Mode,
		notifier:  cfg.Notifier,
		recorder:  cfg.Recorder,
		log:       log.WithComponent("product-service"),
	}, nil
}

// Mode returns the configured notify mode.
func (s *Service) Mode() NotifyMode {
	return s.mode
}

// Create stores a new product and announces it.
func (s *Service) Create(ctx context.Context, p *Product) error {
	if err := p.Validate(ctx); err != nil {
		return normalizeValidationErr(err)
	}

	var e event.Event
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return fmt.Errorf("create %s: %w", entityName, err)
		}
		e = event.New(event.KindCreated, p.Snapshot())
		return s.record(ctx, e)
	})
	if err != nil {
		return normalizeStorageErr(err)
	}

	return s.announce(ctx, e)
}

// Get retrieves a product by ID.
func (s *Service) Get(ctx context.Context, productID id.ID) (*Product, error) {
	var p *Product
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.repo.GetByID(ctx, productID)
		return err
	})
	if err != nil {
		return nil, normalizeStorageErr(err)
	}
	return p, nil
}

// List returns a page of products ordered by creation.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Product, error) {
	var items []*Product
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		items, err = s.repo.List(ctx, filter.Normalize())
		return err
	})
	if err != nil {
		return nil, normalizeStorageErr(err)
	}
	return items, nil
}

// read runs fn in a read-only transaction when the manager supports one.
func (s *Service) read(ctx context.Context, fn func(ctx context.Context) error) error {
	if ro, ok := s.txManager.(tx.ReadOnlyManager); ok {
		return ro.ReadOnly(ctx, fn)
	}
	return fn(ctx)
}

// Update applies changes to an existing product and announces the new state.
func (s *Service) Update(ctx context.Context, productID id.ID, changes Changes) (*Product, error) {
	if changes.Empty() {
		return nil, apperror.NewValidation("no fields to update")
	}

	var (
		updated *Product
		e       event.Event
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		p.Apply(changes)
		if err := p.Validate(ctx); err != nil {
			return normalizeValidationErr(err)
		}
		if err := s.repo.Update(ctx, p); err != nil {
			return fmt.Errorf("update %s: %w", entityName, err)
		}
		updated = p
		e = event.New(event.KindUpdated, p.Snapshot())
		return s.record(ctx, e)
	})
	if err != nil {
		return nil, normalizeStorageErr(err)
	}

	return updated, s.announce(ctx, e)
}

// Delete removes a product and announces the removal.
// A missing product yields NOT_FOUND and nothing is published.
func (s *Service) Delete(ctx context.Context, productID id.ID) error {
	var e event.Event
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, productID); err != nil {
			return fmt.Errorf("delete %s: %w", entityName, err)
		}
		e = event.New(event.KindDeleted, p.Snapshot())
		return s.record(ctx, e)
	})
	if err != nil {
		return normalizeStorageErr(err)
	}

	return s.announce(ctx, e)
}

// record writes the event to the outbox inside the running transaction.
func (s *Service) record(ctx context.Context, e event.Event) error {
	if s.mode != NotifyOutbox {
		return nil
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	return nil
}

// announce publishes the event once, after commit.
func (s *Service) announce(ctx context.Context, e event.Event) error {
	if s.mode != NotifyDirect {
		return nil
	}

	err := s.notifier.Notify(ctx, e)
	if err == nil {
		return nil
	}

	stage := apperror.StageSend
	if errors.Is(err, event.ErrConnect) {
		stage = apperror.StageConnect
	}
	// The record is committed at this point; the divergence is surfaced, not hidden.
	s.log.WithContext(ctx).Errorw("event not published after commit",
		"event_id", e.ID,
		"kind", e.Kind,
		"product_id", e.ProductID,
		"stage", stage,
		"error", err,
	)
	return apperror.NewEventPublish(stage, err).
		WithDetail("product_id", e.ProductID.String()).
		WithDetail("event_id", e.ID.String())
}

func normalizeValidationErr(err error) error {
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewValidation(err.Error())
}

func normalizeStorageErr(err error) error {
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewDatabase(err)
}
