package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"p2pmarket/services/marketd/models"
)

// EnvelopeRepository persists transport envelopes. Envelopes are never deleted.
type EnvelopeRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Envelope, error)
	FindByMsgID(ctx context.Context, msgID string) (*models.Envelope, error)
	Create(ctx context.Context, env *models.Envelope) error
	// CreateBatch inserts all envelopes atomically or none of them.
	CreateBatch(ctx context.Context, envs []*models.Envelope) error
	Update(ctx context.Context, env *models.Envelope) error
	// ListPending returns NEW and WAITING envelopes oldest first.
	ListPending(ctx context.Context, limit int) ([]*models.Envelope, error)
	ListByStatus(ctx context.Context, status models.ProcessingStatus, limit int) ([]*models.Envelope, error)
}

type gormEnvelopes struct {
	db *gorm.DB
}

func (r *gormEnvelopes) FindByID(ctx context.Context, id uuid.UUID) (*models.Envelope, error) {
	var env models.Envelope
	if err := r.db.WithContext(ctx).First(&env, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &env, nil
}

func (r *gormEnvelopes) FindByMsgID(ctx context.Context, msgID string) (*models.Envelope, error) {
	var env models.Envelope
	if err := r.db.WithContext(ctx).First(&env, "msg_id = ?", msgID).Error; err != nil {
		return nil, notFound(err)
	}
	return &env, nil
}

func (r *gormEnvelopes) Create(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return errors.New("repository: nil envelope")
	}
	prepareEnvelope(env)
	return r.db.WithContext(ctx).Create(env).Error
}

func (r *gormEnvelopes) CreateBatch(ctx context.Context, envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	for _, env := range envs {
		if env == nil {
			return errors.New("repository: nil envelope in batch")
		}
		prepareEnvelope(env)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&envs).Error
	})
}

func (r *gormEnvelopes) Update(ctx context.Context, env *models.Envelope) error {
	if env == nil || env.ID == uuid.Nil {
		return errors.New("repository: envelope id required")
	}
	return r.db.WithContext(ctx).Save(env).Error
}

func (r *gormEnvelopes) ListPending(ctx context.Context, limit int) ([]*models.Envelope, error) {
	var envs []*models.Envelope
	q := r.db.WithContext(ctx).
		Where("processing_status IN ?", []models.ProcessingStatus{models.StatusNew, models.StatusWaiting}).
		Order("received_at ASC").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&envs).Error; err != nil {
		return nil, err
	}
	return envs, nil
}

func (r *gormEnvelopes) ListByStatus(ctx context.Context, status models.ProcessingStatus, limit int) ([]*models.Envelope, error) {
	var envs []*models.Envelope
	q := r.db.WithContext(ctx).Order("received_at DESC")
	if status != "" {
		q = q.Where("processing_status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&envs).Error; err != nil {
		return nil, err
	}
	return envs, nil
}

func prepareEnvelope(env *models.Envelope) {
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.ProcessingStatus == "" {
		env.ProcessingStatus = models.StatusNew
	}
}
