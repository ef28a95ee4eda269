package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceOccurrence is one instance of a contract's service cadence, or an ad
// hoc service when ContractId is 0.
type ServiceOccurrence struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"index;not null" json:"business_id"`
	ContractId    int              `gorm:"index" json:"contract_id"`
	Status        OccurrenceStatus `gorm:"type:enum('scheduled','in_progress','completed','cancelled');default:scheduled" json:"status"`
	ScheduledDate time.Time        `gorm:"not null" json:"scheduled_date"`
	CompletedDate *time.Time       `json:"completed_date"`
	Notes         string           `gorm:"type:text" json:"notes"`
	// PendingContractId mirrors ContractId while the occurrence is scheduled or
	// in progress and is NULL otherwise. The unique index on it is the
	// persistence-level guarantee of at most one pending occurrence per
	// contract; the application-level check is only a fast path.
	PendingContractId *int      `gorm:"uniqueIndex:uniq_pending_occurrence_per_contract" json:"-"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps PendingContractId in lockstep with Status and ContractId.
func (so *ServiceOccurrence) BeforeSave(tx *gorm.DB) error {
	if so == nil {
		return nil
	}
	if so.ContractId > 0 && !so.Status.IsTerminal() {
		id := so.ContractId
		so.PendingContractId = &id
	} else {
		so.PendingContractId = nil
	}
	return nil
}

type NewServiceOccurrence struct {
	ScheduledDate time.Time `json:"scheduled_date" binding:"required"`
	Notes         string    `json:"notes"`
}

type ServicePartUsed struct {
	ProductId int             `json:"product_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
}

type CompleteOccurrenceInput struct {
	CompletedDate time.Time         `json:"completed_date"`
	Notes         string            `json:"notes"`
	PartsUsed     []ServicePartUsed `json:"parts_used"`
}

type ScheduleSkipReason string

const (
	ScheduleSkipNone              ScheduleSkipReason = ""
	ScheduleSkipNoContract        ScheduleSkipReason = "no_contract"
	ScheduleSkipContractInactive  ScheduleSkipReason = "contract_inactive"
	ScheduleSkipPendingExists     ScheduleSkipReason = "pending_occurrence_exists"
	ScheduleSkipContractFulfilled ScheduleSkipReason = "contract_fulfilled"
)

// ScheduleOutcome tells the caller what the scheduler did after a completion:
// either the next occurrence and its date, or the reason none was created.
type ScheduleOutcome struct {
	OccurrenceId         int                `json:"occurrence_id"`
	NextOccurrenceId     int                `json:"next_occurrence_id,omitempty"`
	NextDate             *time.Time         `json:"next_date,omitempty"`
	SkipReason           ScheduleSkipReason `json:"skip_reason,omitempty"`
	OccurrencesCompleted int                `json:"occurrences_completed"`
}

func (o *ScheduleOutcome) NextCreated() bool {
	return o.NextOccurrenceId > 0
}

// OccurrenceNotCompletableError: the occurrence is already terminal, typically
// a retried or concurrent completion. Reported, not retried; the scheduling
// side effect is skipped to avoid double-booking.
type OccurrenceNotCompletableError struct {
	OccurrenceId int
	Status       OccurrenceStatus
}

func (e *OccurrenceNotCompletableError) Error() string {
	return fmt.Sprintf("service occurrence %d is %s and cannot be completed", e.OccurrenceId, e.Status)
}

// CreateServiceOccurrence schedules an ad hoc (non-contract) service visit.
// Contract occurrences are created only by the scheduler.
func CreateServiceOccurrence(ctx context.Context, input *NewServiceOccurrence) (*ServiceOccurrence, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	occurrence := ServiceOccurrence{
		BusinessId:    businessId,
		Status:        OccurrenceStatusScheduled,
		ScheduledDate: input.ScheduledDate,
		Notes:         input.Notes,
	}
	if err := db.WithContext(ctx).Create(&occurrence).Error; err != nil {
		return nil, err
	}
	return &occurrence, nil
}

// StartServiceOccurrence moves a scheduled occurrence to in_progress.
func StartServiceOccurrence(ctx context.Context, id int) (*ServiceOccurrence, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	occurrence, err := utils.FetchModel[ServiceOccurrence](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if occurrence.Status != OccurrenceStatusScheduled {
		return nil, &OccurrenceNotCompletableError{OccurrenceId: occurrence.ID, Status: occurrence.Status}
	}

	occurrence.Status = OccurrenceStatusInProgress
	if err := db.WithContext(ctx).Save(occurrence).Error; err != nil {
		return nil, err
	}
	return occurrence, nil
}

// CompleteServiceOccurrence marks an occurrence completed and, for an active
// contract, advances the cadence: if no pending occurrence exists the next one
// is materialized at completed_date + interval_months and the contract's
// next_occurrence_date and end_date move to it. occurrences_completed is
// incremented exactly once per completion either way, so a retried completion
// never double-books a visit.
func CompleteServiceOccurrence(ctx context.Context, id int, input *CompleteOccurrenceInput) (*ScheduleOutcome, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.BusinessLock(ctx, businessId, "contractLock", "serviceOccurrence.go", "CompleteServiceOccurrence"); err != nil {
		return nil, err
	}

	completedDate := input.CompletedDate
	if completedDate.IsZero() {
		completedDate = time.Now()
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

	var occurrence ServiceOccurrence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&occurrence, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if occurrence.Status.IsTerminal() {
		tx.Rollback()
		return nil, &OccurrenceNotCompletableError{OccurrenceId: occurrence.ID, Status: occurrence.Status}
	}

	occurrence.Status = OccurrenceStatusCompleted
	occurrence.CompletedDate = &completedDate
	if input.Notes != "" {
		occurrence.Notes = input.Notes
	}
	if err := tx.Save(&occurrence).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// Parts consumed during the visit deduct stock under a service reference.
	if len(input.PartsUsed) > 0 {
		lines := make([]StockLine, 0, len(input.PartsUsed))
		for _, part := range input.PartsUsed {
			lines = append(lines, StockLine{ProductId: part.ProductId, Qty: part.Qty})
		}
		if _, err := ApplyDocumentStockChanges(tx, businessId, nil, lines,
			StockReferenceTypeService, occurrence.ID, "service parts", createdBy); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	outcome := &ScheduleOutcome{OccurrenceId: occurrence.ID}

	if occurrence.ContractId == 0 {
		outcome.SkipReason = ScheduleSkipNoContract
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return outcome, nil
	}

	var contract RecurringContract
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&contract, occurrence.ContractId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if contract.Status != ContractStatusActive {
		outcome.SkipReason = ScheduleSkipContractInactive
		outcome.OccurrencesCompleted = contract.OccurrencesCompleted
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return outcome, nil
	}

	completedCount := contract.OccurrencesCompleted + 1
	outcome.OccurrencesCompleted = completedCount

	if contract.TotalOccurrencesIncluded > 0 && completedCount >= contract.TotalOccurrencesIncluded {
		// The subscription is used up; close the contract instead of booking
		// another cycle.
		outcome.SkipReason = ScheduleSkipContractFulfilled
		if err := tx.Model(&RecurringContract{}).Where("id = ?", contract.ID).
			Updates(map[string]interface{}{
				"occurrences_completed": completedCount,
				"status":                ContractStatusCompleted,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return outcome, nil
	}

	nextDate := NextOccurrenceDate(completedDate, contract.IntervalMonths)

	// Fast-path duplicate check; the unique pending index is the real guard.
	var pendingCount int64
	if err := tx.Model(&ServiceOccurrence{}).
		Where("business_id = ? AND contract_id = ?", businessId, contract.ID).
		Where("status IN ?", []OccurrenceStatus{OccurrenceStatusScheduled, OccurrenceStatusInProgress}).
		Count(&pendingCount).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	contractUpdates := map[string]interface{}{
		"occurrences_completed": completedCount,
	}

	if pendingCount == 0 {
		next := ServiceOccurrence{
			BusinessId:    businessId,
			ContractId:    contract.ID,
			Status:        OccurrenceStatusScheduled,
			ScheduledDate: nextDate,
		}
		err := tx.Create(&next).Error
		if err != nil {
			var mysqlErr *gomysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				// Lost the race to a concurrent completion; its pending
				// occurrence stands.
				outcome.SkipReason = ScheduleSkipPendingExists
			} else {
				tx.Rollback()
				return nil, err
			}
		} else {
			outcome.NextOccurrenceId = next.ID
			outcome.NextDate = &nextDate
			contractUpdates["next_occurrence_date"] = nextDate
			contractUpdates["end_date"] = nextDate
		}
	} else {
		outcome.SkipReason = ScheduleSkipPendingExists
	}

	if err := tx.Model(&RecurringContract{}).Where("id = ?", contract.ID).
		Updates(contractUpdates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return outcome, nil
}

// cancelPendingOccurrences terminates a contract's scheduled/in-progress
// occurrences, clearing the pending marker so the unique index frees up.
func cancelPendingOccurrences(tx *gorm.DB, businessId string, contractId int) error {
	return tx.Model(&ServiceOccurrence{}).
		Where("business_id = ? AND contract_id = ?", businessId, contractId).
		Where("status IN ?", []OccurrenceStatus{OccurrenceStatusScheduled, OccurrenceStatusInProgress}).
		Updates(map[string]interface{}{
			"status":              OccurrenceStatusCancelled,
			"pending_contract_id": nil,
		}).Error
}

func GetServiceOccurrence(ctx context.Context, id int) (*ServiceOccurrence, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ServiceOccurrence](ctx, businessId, id)
}

func GetServiceOccurrences(ctx context.Context, contractId *int, status *OccurrenceStatus) ([]*ServiceOccurrence, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if contractId != nil && *contractId > 0 {
		dbCtx = dbCtx.Where("contract_id = ?", *contractId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}

	var results []*ServiceOccurrence
	if err := dbCtx.Order("scheduled_date").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
