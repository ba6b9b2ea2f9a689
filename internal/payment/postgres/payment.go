package postgres

import (
	"errors"

	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	paymentpkg "github.com/vendora/payment-core/internal/payment"
	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.Store {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) Create(p *paymentmodel.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByID(id string) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentpkg.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByOrderID(orderID string) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.Where("order_id = ?", orderID).Order("created_at DESC").First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentpkg.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Update persists the full record. Save goes through the model so the
// gateway_response json serializer applies.
func (r *PaymentRepository) Update(p *paymentmodel.Payment) error {
	return r.db.Save(p).Error
}

func (r *PaymentRepository) ListByStatus(statuses ...paymentmodel.Status) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&payments).Error
	return payments, err
}
