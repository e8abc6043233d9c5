package sagastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bjaus/sagabus/saga"
)

type session struct {
	store *Store
	tx    *gorm.DB
	done  bool
}

func (s *session) Save(ctx context.Context, rec saga.Record) error {
	if s.done {
		return ErrSessionClosed
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.tx.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s=%v", ErrConflict, rec.Saga, rec.CorrelationProperty, rec.CorrelationValue)
		}
		return fmt.Errorf("save %s %s: %w", rec.Saga, row.ID, err)
	}
	return nil
}

func (s *session) Update(ctx context.Context, rec saga.Record) error {
	if s.done {
		return ErrSessionClosed
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res := s.tx.WithContext(ctx).
		Model(&instance{}).
		Where("id = ? AND saga_type = ?", row.ID, row.SagaType).
		Updates(map[string]any{
			"correlation_property": row.CorrelationProperty,
			"correlation_value":    row.CorrelationValue,
			"data":                 row.Data,
		})
	if res.Error != nil {
		return fmt.Errorf("update %s %s: %w", rec.Saga, row.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, rec.Saga, row.ID)
	}
	return nil
}

func (s *session) Delete(ctx context.Context, sagaName string, id uuid.UUID) error {
	if s.done {
		return ErrSessionClosed
	}
	err := s.tx.WithContext(ctx).
		Where("id = ? AND saga_type = ?", id, sagaName).
		Delete(&instance{}).Error
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", sagaName, id, err)
	}
	return nil
}

func (s *session) Complete(ctx context.Context) error {
	if s.done {
		return ErrSessionClosed
	}
	s.done = true
	if err := s.tx.Commit().Error; err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Close rolls back unless Complete succeeded. It is safe to call more than
// once.
func (s *session) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback().Error; err != nil && !errors.Is(err, gorm.ErrInvalidTransaction) {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}
