package postgres

import (
	"errors"
	"time"

	paymentpkg "github.com/vendora/payment-core/internal/payment"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEvent records a handled webhook event id so duplicate deliveries
// stay idempotent across restarts.
type ProcessedEvent struct {
	EventID   string    `gorm:"primaryKey;column:event_id"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

type DedupRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDedupRepository(db *gorm.DB) *DedupRepository {
	return &DedupRepository{
		db:  db,
		now: time.Now,
	}
}

var _ paymentpkg.EventDedup = (*DedupRepository)(nil)

func (r *DedupRepository) Seen(eventID string) (bool, error) {
	var rec ProcessedEvent
	err := r.db.Where("event_id = ?", eventID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if r.now().After(rec.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

func (r *DedupRepository) MarkProcessed(eventID string, expiresAt time.Time) error {
	rec := ProcessedEvent{
		EventID:   eventID,
		ExpiresAt: expiresAt,
		CreatedAt: r.now(),
	}
	// Redelivered events re-arm the expiry instead of failing on the PK.
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(&rec).Error
}

// PurgeExpired deletes entries past their expiry. The worker calls this
// periodically so the table does not grow without bound.
func (r *DedupRepository) PurgeExpired() (int64, error) {
	result := r.db.Where("expires_at < ?", r.now()).Delete(&ProcessedEvent{})
	return result.RowsAffected, result.Error
}
