package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"github.com/shopspring/decimal"
)

type SalesInvoice struct {
	ID            int                  `gorm:"primary_key" json:"id"`
	BusinessId    string               `gorm:"index;not null" json:"business_id"`
	CustomerId    int                  `gorm:"index;not null" json:"customer_id"`
	InvoiceNumber string               `gorm:"size:50;index" json:"invoice_number"`
	InvoiceDate   time.Time            `gorm:"not null" json:"invoice_date"`
	Notes         string               `gorm:"type:text" json:"notes"`
	InvoiceTotal  decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"invoice_total"`
	Details       []SalesInvoiceDetail `json:"details"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// SalesInvoiceDetail is one invoice line. ProductId 0 marks a manual line with
// no stock linkage; only product-linked lines with positive quantity take part
// in stock accounting.
type SalesInvoiceDetail struct {
	ID                int             `gorm:"primary_key" json:"id"`
	SalesInvoiceId    int             `gorm:"index;not null" json:"sales_invoice_id"`
	ProductId         int             `gorm:"index" json:"product_id"`
	Name              string          `gorm:"size:100;not null" json:"name"`
	DetailQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	DetailTotalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_total_amount"`
}

type NewSalesInvoice struct {
	CustomerId  int                     `json:"customer_id" binding:"required"`
	InvoiceDate time.Time               `json:"invoice_date" binding:"required"`
	Notes       string                  `json:"notes"`
	Details     []NewSalesInvoiceDetail `json:"details" binding:"required,dive"`
}

type NewSalesInvoiceDetail struct {
	ProductId      int             `json:"product_id"`
	Name           string          `json:"name" binding:"required"`
	DetailQty      decimal.Decimal `json:"detail_qty" binding:"required"`
	DetailUnitRate decimal.Decimal `json:"detail_unit_rate"`
}

func (obj SalesInvoice) GetId() int {
	return obj.ID
}

// stockLines extracts a persisted invoice's stock effect.
func (inv *SalesInvoice) stockLines() []StockLine {
	lines := make([]StockLine, 0, len(inv.Details))
	for _, d := range inv.Details {
		lines = append(lines, StockLine{ProductId: d.ProductId, Qty: d.DetailQty})
	}
	return lines
}

func buildInvoiceDetails(input []NewSalesInvoiceDetail) ([]SalesInvoiceDetail, decimal.Decimal) {
	details := make([]SalesInvoiceDetail, 0, len(input))
	var total decimal.Decimal
	for _, item := range input {
		qty := NormalizeQuantityDecimal(item.DetailQty)
		detail := SalesInvoiceDetail{
			ProductId:         item.ProductId,
			Name:              item.Name,
			DetailQty:         qty,
			DetailUnitRate:    item.DetailUnitRate,
			DetailTotalAmount: qty.Mul(item.DetailUnitRate),
		}
		total = total.Add(detail.DetailTotalAmount)
		details = append(details, detail)
	}
	return details, total
}

func stockLinesOf(details []SalesInvoiceDetail) []StockLine {
	lines := make([]StockLine, 0, len(details))
	for _, d := range details {
		lines = append(lines, StockLine{ProductId: d.ProductId, Qty: d.DetailQty})
	}
	return lines
}

func CreateSalesInvoice(ctx context.Context, input *NewSalesInvoice) (*SalesInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// exists customer
	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	// Serialize stock writes per business to avoid racy interleavings.
	if err := utils.BusinessLock(ctx, businessId, "stockLock", "salesInvoice.go", "CreateSalesInvoice"); err != nil {
		return nil, err
	}

	details, total := buildInvoiceDetails(input.Details)

	invoice := SalesInvoice{
		BusinessId:   businessId,
		CustomerId:   input.CustomerId,
		InvoiceDate:  input.InvoiceDate,
		Notes:        input.Notes,
		Details:      details,
		InvoiceTotal: total,
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

	if err := tx.Create(&invoice).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	invoice.InvoiceNumber = fmt.Sprintf("INV-%06d", invoice.ID)
	if err := tx.Model(&SalesInvoice{}).Where("id = ?", invoice.ID).
		Update("invoice_number", invoice.InvoiceNumber).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// New document: previous stock effect is empty.
	if _, err := ApplyDocumentStockChanges(tx, businessId, nil, invoice.stockLines(),
		StockReferenceTypeInvoice, invoice.ID, invoice.InvoiceNumber, createdBy); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// UpdateSalesInvoice rewrites an invoice's lines and applies only the net stock
// adjustment between the old and new line sets, so an edit lands on the same
// stock state as deleting and recreating the invoice would.
func UpdateSalesInvoice(ctx context.Context, id int, input *NewSalesInvoice) (*SalesInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	if err := utils.BusinessLock(ctx, businessId, "stockLock", "salesInvoice.go", "UpdateSalesInvoice"); err != nil {
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

	// Previously persisted lines, fetched before the new lines are written.
	var existingInvoice SalesInvoice
	if err := tx.Preload("Details").
		Where("business_id = ?", businessId).
		First(&existingInvoice, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	previousLines := existingInvoice.stockLines()

	newDetails, total := buildInvoiceDetails(input.Details)

	if _, err := ApplyDocumentStockChanges(tx, businessId, previousLines, stockLinesOf(newDetails),
		StockReferenceTypeInvoice, existingInvoice.ID, existingInvoice.InvoiceNumber, createdBy); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Where("sales_invoice_id = ?", existingInvoice.ID).
		Delete(&SalesInvoiceDetail{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	for i := range newDetails {
		newDetails[i].SalesInvoiceId = existingInvoice.ID
	}
	if len(newDetails) > 0 {
		if err := tx.Create(&newDetails).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	existingInvoice.CustomerId = input.CustomerId
	existingInvoice.InvoiceDate = input.InvoiceDate
	existingInvoice.Notes = input.Notes
	existingInvoice.InvoiceTotal = total
	existingInvoice.Details = newDetails
	if err := tx.Omit("Details").Save(&existingInvoice).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &existingInvoice, nil
}

// DeleteSalesInvoice returns the invoice's full stock effect to inventory
// before removing the document.
func DeleteSalesInvoice(ctx context.Context, id int) (*SalesInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.BusinessLock(ctx, businessId, "stockLock", "salesInvoice.go", "DeleteSalesInvoice"); err != nil {
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

	var invoice SalesInvoice
	if err := tx.Preload("Details").
		Where("business_id = ?", businessId).
		First(&invoice, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if _, err := ApplyDocumentStockChanges(tx, businessId, invoice.stockLines(), nil,
		StockReferenceTypeInvoice, invoice.ID, invoice.InvoiceNumber, createdBy); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Where("sales_invoice_id = ?", invoice.ID).
		Delete(&SalesInvoiceDetail{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Delete(&SalesInvoice{}, invoice.ID).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func GetSalesInvoice(ctx context.Context, id int) (*SalesInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[SalesInvoice](ctx, businessId, id, "Details")
}

func GetSalesInvoices(ctx context.Context, customerId *int) ([]*SalesInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if customerId != nil && *customerId > 0 {
		dbCtx = dbCtx.Where("customer_id = ?", *customerId)
	}

	var results []*SalesInvoice
	if err := dbCtx.Preload("Details").Order("invoice_date DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
