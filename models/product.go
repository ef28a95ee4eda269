package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is a catalog entry. QuantityOnHand is mutated only through
// ApplyStockTransaction, never by document edits or product updates.
type Product struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	Name             string          `gorm:"size:100;not null" json:"name"`
	Sku              string          `gorm:"size:100" json:"sku"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	QuantityOnHand   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_on_hand"`
	ReorderThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reorder_threshold"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name             string          `json:"name" binding:"required"`
	Sku              string          `json:"sku"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	OpeningQty       decimal.Decimal `json:"opening_qty"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold"`
}

func (obj Product) GetId() int {
	return obj.ID
}

// CreateProduct stores the catalog entry and posts its opening stock as an
// `adjustment` ledger entry, so the ledger sum always reconciles to
// quantity_on_hand from a zero base.
func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product := Product{
		BusinessId:       businessId,
		Name:             input.Name,
		Sku:              input.Sku,
		UnitPrice:        input.UnitPrice,
		ReorderThreshold: NormalizeQuantityDecimal(input.ReorderThreshold),
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

	if err := tx.Create(&product).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	openingQty := NormalizeQuantityDecimal(input.OpeningQty)
	if !openingQty.IsZero() {
		if _, err := ApplyStockTransaction(tx, businessId, product.ID, StockTransactionTypeAdjustment, openingQty, "", 0, "opening stock", createdBy); err != nil {
			tx.Rollback()
			return nil, err
		}
		product.QuantityOnHand = openingQty
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProduct changes catalog fields only. Stock moves through the ledger.
func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Model(&product).Updates(map[string]interface{}{
		"Name":             input.Name,
		"Sku":              input.Sku,
		"UnitPrice":        input.UnitPrice,
		"ReorderThreshold": NormalizeQuantityDecimal(input.ReorderThreshold),
	}).Error
	if err != nil {
		return nil, err
	}

	return product, nil
}

func DeleteProduct(ctx context.Context, id int) (*Product, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// Referenced products keep their ledger history; block the delete instead
	// of orphaning transactions.
	var count int64
	if err := db.WithContext(ctx).Model(&StockTransaction{}).
		Where("business_id = ? AND product_id = ?", businessId, id).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("product has ledger transactions and cannot be deleted")
	}

	if err := db.WithContext(ctx).Delete(&product).Error; err != nil {
		return nil, err
	}

	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id)
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}

	var results []*Product
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// GetLowStockProducts lists products at or below their reorder threshold.
func GetLowStockProducts(ctx context.Context) ([]*Product, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var results []*Product
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where("reorder_threshold > 0 AND quantity_on_hand <= reorder_threshold").
		Order("quantity_on_hand").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
