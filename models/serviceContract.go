package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"gorm.io/gorm/clause"
)

// RecurringContract is an AMC-style subscription entitling the customer to
// periodic service occurrences. OccurrencesCompleted, NextOccurrenceDate and
// EndDate are mutated only by occurrence completion; EndDate rolls forward with
// each completed cycle. NextOccurrenceDate is the single authoritative
// expected-next field; nothing recomputes it at read time.
type RecurringContract struct {
	ID                       int            `gorm:"primary_key" json:"id"`
	BusinessId               string         `gorm:"index;not null" json:"business_id"`
	CustomerId               int            `gorm:"index;not null" json:"customer_id"`
	StartDate                time.Time      `gorm:"not null" json:"start_date"`
	EndDate                  time.Time      `gorm:"not null" json:"end_date"`
	IntervalMonths           int            `gorm:"not null;default:1" json:"interval_months"`
	TotalOccurrencesIncluded int            `gorm:"not null;default:0" json:"total_occurrences_included"`
	OccurrencesCompleted     int            `gorm:"not null;default:0" json:"occurrences_completed"`
	Status                   ContractStatus `gorm:"type:enum('active','completed','cancelled');default:active" json:"status"`
	NextOccurrenceDate       *time.Time     `json:"next_occurrence_date"`
	RenewedFromContractId    *int           `gorm:"index" json:"renewed_from_contract_id"`
	CreatedAt                time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRecurringContract struct {
	CustomerId               int       `json:"customer_id" binding:"required"`
	StartDate                time.Time `json:"start_date" binding:"required"`
	IntervalMonths           int       `json:"interval_months" binding:"required,min=1"`
	TotalOccurrencesIncluded int       `json:"total_occurrences_included"`
}

func (obj RecurringContract) GetId() int {
	return obj.ID
}

// NextOccurrenceDate advances a cadence anchor by whole months, clamping to the
// last day of shorter months so a 31st-anchored cadence never spills into the
// following month.
func NextOccurrenceDate(from time.Time, intervalMonths int) time.Time {
	year, month, day := from.Date()
	hh, mm, ss := from.Clock()
	anchor := time.Date(year, month, 1, hh, mm, ss, from.Nanosecond(), from.Location()).
		AddDate(0, intervalMonths, 0)
	if last := daysInMonth(anchor.Year(), anchor.Month()); day > last {
		day = last
	}
	return time.Date(anchor.Year(), anchor.Month(), day, hh, mm, ss, from.Nanosecond(), from.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CreateRecurringContract stores the contract and its first occurrence at
// start_date + interval_months in one transaction.
func CreateRecurringContract(ctx context.Context, input *NewRecurringContract) (*RecurringContract, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	firstDate := NextOccurrenceDate(input.StartDate, input.IntervalMonths)
	contract := RecurringContract{
		BusinessId:               businessId,
		CustomerId:               input.CustomerId,
		StartDate:                input.StartDate,
		EndDate:                  firstDate,
		IntervalMonths:           input.IntervalMonths,
		TotalOccurrencesIncluded: input.TotalOccurrencesIncluded,
		Status:                   ContractStatusActive,
		NextOccurrenceDate:       &firstDate,
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()

	if err := tx.Create(&contract).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	occurrence := ServiceOccurrence{
		BusinessId:    businessId,
		ContractId:    contract.ID,
		Status:        OccurrenceStatusScheduled,
		ScheduledDate: firstDate,
	}
	if err := tx.Create(&occurrence).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &contract, nil
}

// EndRecurringContract terminates a contract (completed or cancelled) and
// cancels its pending occurrence. The scheduler creates no further occurrences
// for a terminated contract.
func EndRecurringContract(ctx context.Context, id int, status ContractStatus) (*RecurringContract, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if status != ContractStatusCompleted && status != ContractStatusCancelled {
		return nil, errors.New("end status must be completed or cancelled")
	}

	if err := utils.BusinessLock(ctx, businessId, "contractLock", "serviceContract.go", "EndRecurringContract"); err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()

	var contract RecurringContract
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&contract, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if contract.Status != ContractStatusActive {
		tx.Rollback()
		return nil, errors.New("contract is not active")
	}

	contract.Status = status
	if err := tx.Model(&RecurringContract{}).Where("id = ?", contract.ID).
		Update("status", status).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := cancelPendingOccurrences(tx, businessId, contract.ID); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &contract, nil
}

// RenewRecurringContract creates a fresh contract starting the day after an
// expired contract's end date, inheriting its cadence parameters. The old
// contract is closed out, never mutated into the new period, so each contract
// period stays auditable on its own row.
func RenewRecurringContract(ctx context.Context, id int) (*RecurringContract, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.BusinessLock(ctx, businessId, "contractLock", "serviceContract.go", "RenewRecurringContract"); err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()

	var old RecurringContract
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&old, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if old.Status != ContractStatusActive {
		tx.Rollback()
		return nil, errors.New("contract is not active")
	}
	if !old.EndDate.Before(time.Now()) {
		tx.Rollback()
		return nil, errors.New("contract has not passed its end date")
	}

	if err := tx.Model(&RecurringContract{}).Where("id = ?", old.ID).
		Update("status", ContractStatusCompleted).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := cancelPendingOccurrences(tx, businessId, old.ID); err != nil {
		tx.Rollback()
		return nil, err
	}

	startDate := old.EndDate.AddDate(0, 0, 1)
	firstDate := NextOccurrenceDate(startDate, old.IntervalMonths)
	renewed := RecurringContract{
		BusinessId:               businessId,
		CustomerId:               old.CustomerId,
		StartDate:                startDate,
		EndDate:                  firstDate,
		IntervalMonths:           old.IntervalMonths,
		TotalOccurrencesIncluded: old.TotalOccurrencesIncluded,
		Status:                   ContractStatusActive,
		NextOccurrenceDate:       &firstDate,
		RenewedFromContractId:    &old.ID,
	}
	if err := tx.Create(&renewed).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	occurrence := ServiceOccurrence{
		BusinessId:    businessId,
		ContractId:    renewed.ID,
		Status:        OccurrenceStatusScheduled,
		ScheduledDate: firstDate,
	}
	if err := tx.Create(&occurrence).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &renewed, nil
}

func GetRecurringContract(ctx context.Context, id int) (*RecurringContract, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[RecurringContract](ctx, businessId, id)
}

func GetRecurringContracts(ctx context.Context, customerId *int, status *ContractStatus) ([]*RecurringContract, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if customerId != nil && *customerId > 0 {
		dbCtx = dbCtx.Where("customer_id = ?", *customerId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var results []*RecurringContract
	if err := dbCtx.Order("start_date DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
