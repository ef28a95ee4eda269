package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockTransaction is the append-only inventory ledger. Rows are never updated
// or deleted; for any product, opening stock plus the sum of quantity_delta over
// its rows equals quantity_on_hand.
type StockTransaction struct {
	ID              int                  `gorm:"primary_key" json:"id"`
	BusinessId      string               `gorm:"index;not null" json:"business_id"`
	ProductId       int                  `gorm:"index;not null" json:"product_id"`
	TransactionType StockTransactionType `gorm:"type:enum('sale','return','adjustment');not null" json:"transaction_type"`
	QuantityDelta   decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"quantity_delta"`
	ReferenceType   *StockReferenceType  `gorm:"type:enum('invoice','service');default:null" json:"reference_type"`
	ReferenceID     int                  `gorm:"index" json:"reference_id"`
	Note            string               `gorm:"size:255" json:"note"`
	CreatedBy       *int                 `json:"created_by"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave enforces ledger invariants: sale rows deduct, return rows refill.
func (st *StockTransaction) BeforeSave(tx *gorm.DB) error {
	if st == nil {
		return nil
	}
	switch st.TransactionType {
	case StockTransactionTypeSale:
		if st.QuantityDelta.Sign() > 0 {
			return errors.New("sale transaction must carry a negative quantity delta")
		}
	case StockTransactionTypeReturn:
		if st.QuantityDelta.Sign() < 0 {
			return errors.New("return transaction must carry a positive quantity delta")
		}
	}
	return nil
}

// ApplyStockTransaction is the ledger mutation primitive: one attributable
// transaction row plus the matching quantity_on_hand adjustment, atomic on the
// caller's tx. The decrement is guarded so quantity_on_hand can never go
// negative: under a validate/apply race the statement matches no row and the
// call fails with ErrStockConflict, mutating nothing.
func ApplyStockTransaction(tx *gorm.DB, businessId string, productId int, transactionType StockTransactionType, quantityDelta decimal.Decimal, referenceType StockReferenceType, referenceId int, note string, createdBy *int) (*StockTransaction, error) {
	if tx == nil {
		return nil, errors.New("tx is nil")
	}

	res := tx.Exec(
		"UPDATE products SET quantity_on_hand = quantity_on_hand + ? WHERE business_id = ? AND id = ? AND quantity_on_hand + ? >= 0",
		quantityDelta, businessId, productId, quantityDelta,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&Product{}).Where("business_id = ? AND id = ?", businessId, productId).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, &ProductNotFoundError{ProductId: productId}
		}
		return nil, ErrStockConflict
	}

	// Manual corrections carry no document reference.
	var refType *StockReferenceType
	if referenceType != "" {
		refType = &referenceType
	}
	txn := StockTransaction{
		BusinessId:      businessId,
		ProductId:       productId,
		TransactionType: transactionType,
		QuantityDelta:   quantityDelta,
		ReferenceType:   refType,
		ReferenceID:     referenceId,
		Note:            note,
		CreatedBy:       createdBy,
	}
	if err := tx.Create(&txn).Error; err != nil {
		return nil, err
	}

	return &txn, nil
}

type NewInventoryAdjustment struct {
	QuantityDelta decimal.Decimal `json:"quantity_delta" binding:"required"`
	Note          string          `json:"note"`
}

// CreateInventoryAdjustment records a manual stock correction against a product
// as an `adjustment` ledger entry. Deltas must be integral; negative adjustments
// are still bounded by stock on hand.
func CreateInventoryAdjustment(ctx context.Context, productId int, input *NewInventoryAdjustment) (*StockTransaction, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	delta := input.QuantityDelta.Truncate(0)
	if delta.IsZero() {
		return nil, errors.New("quantity delta must be a non-zero integral value")
	}

	if err := utils.BusinessLock(ctx, businessId, "stockLock", "stockTransaction.go", "CreateInventoryAdjustment"); err != nil {
		return nil, err
	}

	var createdBy *int
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		createdBy = &userId
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()

	txn, err := ApplyStockTransaction(tx, businessId, productId, StockTransactionTypeAdjustment, delta, "", 0, input.Note, createdBy)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return txn, nil
}

// GetStockTransactions returns a product's ledger, newest first.
func GetStockTransactions(ctx context.Context, productId int) ([]*StockTransaction, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, productId); err != nil {
		return nil, err
	}

	var results []*StockTransaction
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		Order("id DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
