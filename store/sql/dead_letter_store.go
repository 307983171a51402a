package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/dlq"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// DeadLetterStore keeps dead-letter entries in the apilinker_dead_letters
// table.
type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead-letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

func (s *DeadLetterStore) Put(ctx context.Context, entry dlq.Entry) error {
	if s == nil || s.db == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		return fmt.Errorf("sqlstore: dead-letter id is required")
	}
	record := deadLetterFromDomain(entry)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*deadLetterRecord)(nil)).
			Where("?TableAlias.id = ?", record.ID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.repo.CreateTx(ctx, tx, record)
			return err
		}
		_, err = tx.NewUpdate().
			Model(record).
			WherePK().
			Exec(ctx)
		return err
	})
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (dlq.Entry, error) {
	if s == nil || s.db == nil {
		return dlq.Entry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dlq.Entry{}, dlq.ErrEntryNotFound
		}
		return dlq.Entry{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter dlq.Filter) ([]dlq.Entry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, max(0, filter.Offset)))
	}
	if category := strings.TrimSpace(filter.Category.String()); category != "" {
		selectors = append(selectors, repository.SelectBy("error_category", "=", category))
	}
	if operation := strings.TrimSpace(filter.OperationType); operation != "" {
		selectors = append(selectors, repository.SelectBy("operation_type", "=", operation))
	}
	if resource := strings.TrimSpace(filter.Resource); resource != "" {
		selectors = append(selectors, repository.SelectBy("resource", "=", resource))
	}
	if correlationID := strings.TrimSpace(filter.CorrelationID); correlationID != "" {
		selectors = append(selectors, repository.SelectBy("correlation_id", "=", correlationID))
	}

	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 && filter.Offset > 0 {
		if filter.Offset >= len(records) {
			return []dlq.Entry{}, nil
		}
		records = records[filter.Offset:]
	}
	entries := make([]dlq.Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.toDomain())
	}
	return entries, nil
}

func (s *DeadLetterStore) Update(ctx context.Context, entry dlq.Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	entry.ID = strings.TrimSpace(entry.ID)
	record := deadLetterFromDomain(entry)
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.NewUpdate().
		Model(record).
		Column("error_category", "error_message", "attempt_count", "payload", "metadata", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return dlq.ErrEntryNotFound
	}
	return nil
}
