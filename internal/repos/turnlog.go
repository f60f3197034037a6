package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
)

type TurnLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, logs []*domain.TurnLog) ([]*domain.TurnLog, error)
	GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID string, limit int) ([]*domain.TurnLog, error)
}

type turnLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTurnLogRepo(db *gorm.DB, baseLog *logger.Logger) TurnLogRepo {
	repoLog := baseLog.With("repo", "TurnLogRepo")
	return &turnLogRepo{db: db, log: repoLog}
}

func (r *turnLogRepo) Create(ctx context.Context, tx *gorm.DB, logs []*domain.TurnLog) ([]*domain.TurnLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(logs) == 0 {
		return []*domain.TurnLog{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *turnLogRepo) GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID string, limit int) ([]*domain.TurnLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*domain.TurnLog
	if sessionID == "" {
		return results, nil
	}
	q := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
