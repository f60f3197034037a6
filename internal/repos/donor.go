package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
)

type DonorRepo interface {
	Create(ctx context.Context, tx *gorm.DB, donors []*domain.DonorRecord) ([]*domain.DonorRecord, error)
	GetByID(ctx context.Context, tx *gorm.DB, donorID uuid.UUID) (*domain.DonorRecord, error)
	GetByExternalRef(ctx context.Context, tx *gorm.DB, externalRef string) (*domain.DonorRecord, error)
	UpdateAttributes(ctx context.Context, tx *gorm.DB, donorID uuid.UUID, attributes []byte) error
}

type donorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDonorRepo(db *gorm.DB, baseLog *logger.Logger) DonorRepo {
	repoLog := baseLog.With("repo", "DonorRepo")
	return &donorRepo{db: db, log: repoLog}
}

func (r *donorRepo) Create(ctx context.Context, tx *gorm.DB, donors []*domain.DonorRecord) ([]*domain.DonorRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(donors) == 0 {
		return []*domain.DonorRecord{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&donors).Error; err != nil {
		return nil, err
	}
	return donors, nil
}

func (r *donorRepo) GetByID(ctx context.Context, tx *gorm.DB, donorID uuid.UUID) (*domain.DonorRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result domain.DonorRecord
	err := transaction.WithContext(ctx).
		Where("id = ?", donorID).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *donorRepo) GetByExternalRef(ctx context.Context, tx *gorm.DB, externalRef string) (*domain.DonorRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if externalRef == "" {
		return nil, nil
	}
	var result domain.DonorRecord
	err := transaction.WithContext(ctx).
		Where("external_ref = ?", externalRef).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *donorRepo) UpdateAttributes(ctx context.Context, tx *gorm.DB, donorID uuid.UUID, attributes []byte) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&domain.DonorRecord{}).
		Where("id = ?", donorID).
		Update("attributes", attributes).Error
}
