package repository

import (
	"context"

	"gorm.io/gorm"
)

// Stores are the store handles bound to one transaction.
type Stores struct {
	Notifications NotificationStore
	Results       RecipientResultStore
}

// Transactor runs fn inside a single database transaction. Returning an error rolls it back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type GormTransactor struct {
	db *gorm.DB
}

func NewGormTransactor(db *gorm.DB) *GormTransactor {
	return &GormTransactor{db: db}
}

func (t *GormTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, Stores{
			Notifications: NewGormNotificationStore(tx),
			Results:       NewGormRecipientResultStore(tx),
		})
	})
}
