package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/models"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"github.com/shopspring/decimal"
)

func pendingOccurrences(t *testing.T, ctx context.Context, contractId int) []*models.ServiceOccurrence {
	t.Helper()
	occurrences, err := models.GetServiceOccurrences(ctx, &contractId, nil)
	if err != nil {
		t.Fatalf("GetServiceOccurrences(%d): %v", contractId, err)
	}
	var pending []*models.ServiceOccurrence
	for _, occ := range occurrences {
		if !occ.Status.IsTerminal() {
			pending = append(pending, occ)
		}
	}
	return pending
}

func TestContractCompletionAdvancesCadenceExactlyOnce(t *testing.T) {
	ctx := setupIntegrationTest(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Daw Mya"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// Quarterly maintenance starting 10 Jan 2024: the first visit is booked one
	// interval after the start date.
	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	contract, err := models.CreateRecurringContract(ctx, &models.NewRecurringContract{
		CustomerId:     customer.ID,
		StartDate:      start,
		IntervalMonths: 3,
	})
	if err != nil {
		t.Fatalf("CreateRecurringContract: %v", err)
	}
	if contract.NextOccurrenceDate == nil || !contract.NextOccurrenceDate.Equal(date(2024, time.April, 10)) {
		t.Fatalf("expected first occurrence on 2024-04-10, got %v", contract.NextOccurrenceDate)
	}

	pending := pendingOccurrences(t, ctx, contract.ID)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending occurrence, got %d", len(pending))
	}
	first := pending[0]
	if !first.ScheduledDate.Equal(date(2024, time.April, 10)) {
		t.Fatalf("expected first occurrence scheduled 2024-04-10, got %s", first.ScheduledDate)
	}

	// The technician visits early; the next cycle anchors on the completion
	// date, not the scheduled date.
	if _, err := models.StartServiceOccurrence(ctx, first.ID); err != nil {
		t.Fatalf("StartServiceOccurrence: %v", err)
	}
	outcome, err := models.CompleteServiceOccurrence(ctx, first.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.January, 10),
		Notes:         "filters replaced",
	})
	if err != nil {
		t.Fatalf("CompleteServiceOccurrence: %v", err)
	}
	if !outcome.NextCreated() {
		t.Fatalf("expected a next occurrence, got skip reason %q", outcome.SkipReason)
	}
	if outcome.NextDate == nil || !outcome.NextDate.Equal(date(2024, time.April, 10)) {
		t.Fatalf("expected next occurrence on 2024-04-10, got %v", outcome.NextDate)
	}
	if outcome.OccurrencesCompleted != 1 {
		t.Fatalf("expected occurrences_completed=1, got %d", outcome.OccurrencesCompleted)
	}

	contract, err = models.GetRecurringContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetRecurringContract: %v", err)
	}
	if contract.OccurrencesCompleted != 1 {
		t.Fatalf("expected contract occurrences_completed=1, got %d", contract.OccurrencesCompleted)
	}
	if !contract.EndDate.Equal(date(2024, time.April, 10)) || contract.NextOccurrenceDate == nil || !contract.NextOccurrenceDate.Equal(date(2024, time.April, 10)) {
		t.Fatalf("expected end_date and next_occurrence_date to roll to 2024-04-10, got end=%s next=%v", contract.EndDate, contract.NextOccurrenceDate)
	}

	pending = pendingOccurrences(t, ctx, contract.ID)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending occurrence after completion, got %d", len(pending))
	}

	// A retried completion for the same occurrence is reported, never
	// double-booked or double-counted.
	_, err = models.CompleteServiceOccurrence(ctx, first.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.January, 11),
	})
	var notCompletable *models.OccurrenceNotCompletableError
	if !errors.As(err, &notCompletable) {
		t.Fatalf("expected OccurrenceNotCompletableError, got %v", err)
	}
	contract, _ = models.GetRecurringContract(ctx, contract.ID)
	if contract.OccurrencesCompleted != 1 {
		t.Fatalf("retried completion must not increment the counter: got %d", contract.OccurrencesCompleted)
	}
	if len(pendingOccurrences(t, ctx, contract.ID)) != 1 {
		t.Fatal("retried completion must not create another pending occurrence")
	}
}

func TestContractFulfilledStopsScheduling(t *testing.T) {
	ctx := setupIntegrationTest(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Ko Zaw"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	contract, err := models.CreateRecurringContract(ctx, &models.NewRecurringContract{
		CustomerId:               customer.ID,
		StartDate:                date(2024, time.January, 1),
		IntervalMonths:           1,
		TotalOccurrencesIncluded: 2,
	})
	if err != nil {
		t.Fatalf("CreateRecurringContract: %v", err)
	}

	first := pendingOccurrences(t, ctx, contract.ID)[0]
	outcome, err := models.CompleteServiceOccurrence(ctx, first.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.February, 1),
	})
	if err != nil {
		t.Fatalf("CompleteServiceOccurrence(first): %v", err)
	}
	if !outcome.NextCreated() || outcome.OccurrencesCompleted != 1 {
		t.Fatalf("expected second visit booked after first completion, got %+v", outcome)
	}

	second := pendingOccurrences(t, ctx, contract.ID)[0]
	outcome, err = models.CompleteServiceOccurrence(ctx, second.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.March, 1),
	})
	if err != nil {
		t.Fatalf("CompleteServiceOccurrence(second): %v", err)
	}
	if outcome.NextCreated() {
		t.Fatal("fulfilled contract must not book another visit")
	}
	if outcome.SkipReason != models.ScheduleSkipContractFulfilled || outcome.OccurrencesCompleted != 2 {
		t.Fatalf("expected contract_fulfilled after 2 of 2, got %+v", outcome)
	}

	contract, err = models.GetRecurringContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetRecurringContract: %v", err)
	}
	if contract.Status != models.ContractStatusCompleted {
		t.Fatalf("expected contract completed, got %s", contract.Status)
	}
	if len(pendingOccurrences(t, ctx, contract.ID)) != 0 {
		t.Fatal("expected no pending occurrences on a fulfilled contract")
	}
}

func TestEndContractCancelsPendingAndStopsScheduler(t *testing.T) {
	ctx := setupIntegrationTest(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Ma Hla"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	contract, err := models.CreateRecurringContract(ctx, &models.NewRecurringContract{
		CustomerId:     customer.ID,
		StartDate:      date(2024, time.January, 1),
		IntervalMonths: 1,
	})
	if err != nil {
		t.Fatalf("CreateRecurringContract: %v", err)
	}

	first := pendingOccurrences(t, ctx, contract.ID)[0]
	if _, err := models.CompleteServiceOccurrence(ctx, first.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.February, 1),
	}); err != nil {
		t.Fatalf("CompleteServiceOccurrence: %v", err)
	}
	second := pendingOccurrences(t, ctx, contract.ID)[0]

	if _, err := models.EndRecurringContract(ctx, contract.ID, models.ContractStatusCancelled); err != nil {
		t.Fatalf("EndRecurringContract: %v", err)
	}
	if len(pendingOccurrences(t, ctx, contract.ID)) != 0 {
		t.Fatal("ending a contract must cancel its pending occurrence")
	}
	cancelled, err := models.GetServiceOccurrence(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetServiceOccurrence: %v", err)
	}
	if cancelled.Status != models.OccurrenceStatusCancelled {
		t.Fatalf("expected cancelled occurrence, got %s", cancelled.Status)
	}

	// A straggling completion of the cancelled visit is rejected; an inactive
	// contract schedules nothing.
	_, err = models.CompleteServiceOccurrence(ctx, second.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.March, 1),
	})
	var notCompletable *models.OccurrenceNotCompletableError
	if !errors.As(err, &notCompletable) {
		t.Fatalf("expected OccurrenceNotCompletableError, got %v", err)
	}

	if _, err := models.EndRecurringContract(ctx, contract.ID, models.ContractStatusCancelled); err == nil {
		t.Fatal("expected error ending an already-terminated contract")
	}
}

func TestRenewContractStartsFreshPeriod(t *testing.T) {
	ctx := setupIntegrationTest(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "U Kyaw"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// A short contract whose period has already lapsed.
	contract, err := models.CreateRecurringContract(ctx, &models.NewRecurringContract{
		CustomerId:     customer.ID,
		StartDate:      date(2020, time.January, 1),
		IntervalMonths: 1,
	})
	if err != nil {
		t.Fatalf("CreateRecurringContract: %v", err)
	}
	if !contract.EndDate.Equal(date(2020, time.February, 1)) {
		t.Fatalf("expected end date 2020-02-01, got %s", contract.EndDate)
	}

	renewed, err := models.RenewRecurringContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("RenewRecurringContract: %v", err)
	}
	if renewed.ID == contract.ID {
		t.Fatal("renewal must create a new contract row")
	}
	if renewed.RenewedFromContractId == nil || *renewed.RenewedFromContractId != contract.ID {
		t.Fatalf("expected renewal linkage to %d, got %v", contract.ID, renewed.RenewedFromContractId)
	}
	if !renewed.StartDate.Equal(date(2020, time.February, 2)) {
		t.Fatalf("expected renewed start 2020-02-02, got %s", renewed.StartDate)
	}
	if renewed.NextOccurrenceDate == nil || !renewed.NextOccurrenceDate.Equal(date(2020, time.March, 2)) {
		t.Fatalf("expected renewed first occurrence 2020-03-02, got %v", renewed.NextOccurrenceDate)
	}

	old, err := models.GetRecurringContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetRecurringContract(old): %v", err)
	}
	if old.Status != models.ContractStatusCompleted {
		t.Fatalf("expected old contract completed, got %s", old.Status)
	}
	if len(pendingOccurrences(t, ctx, contract.ID)) != 0 {
		t.Fatal("old contract must carry no pending occurrences after renewal")
	}
	if len(pendingOccurrences(t, ctx, renewed.ID)) != 1 {
		t.Fatal("renewed contract must start with one pending occurrence")
	}

	if _, err := models.RenewRecurringContract(ctx, contract.ID); err == nil {
		t.Fatal("expected error renewing a completed contract")
	}
}

func TestCompletionDeductsPartsUsedFromStock(t *testing.T) {
	ctx := setupIntegrationTest(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	filter, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:       "Air Filter",
		OpeningQty: decimal.NewFromInt(6),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	visit, err := models.CreateServiceOccurrence(ctx, &models.NewServiceOccurrence{
		ScheduledDate: date(2024, time.May, 1),
		Notes:         "ad hoc aircon service",
	})
	if err != nil {
		t.Fatalf("CreateServiceOccurrence: %v", err)
	}

	outcome, err := models.CompleteServiceOccurrence(ctx, visit.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.May, 1),
		PartsUsed: []models.ServicePartUsed{
			{ProductId: filter.ID, Qty: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("CompleteServiceOccurrence: %v", err)
	}
	if outcome.SkipReason != models.ScheduleSkipNoContract || outcome.NextCreated() {
		t.Fatalf("ad hoc visit must not schedule anything, got %+v", outcome)
	}
	assertStockOnHand(t, ctx, filter.ID, 4)

	txns, err := models.GetStockTransactions(ctx, filter.ID)
	if err != nil {
		t.Fatalf("GetStockTransactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected opening + service ledger rows, got %d", len(txns))
	}
	part := txns[0]
	if part.ReferenceType == nil || *part.ReferenceType != models.StockReferenceTypeService || part.ReferenceID != visit.ID {
		t.Fatalf("expected service reference to %d, got %+v", visit.ID, part)
	}
	if part.TransactionType != models.StockTransactionTypeSale || !part.QuantityDelta.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("expected sale/-2 for parts used, got %s/%s", part.TransactionType, part.QuantityDelta)
	}

	// Overspending parts fails the whole completion; the visit stays open.
	second, err := models.CreateServiceOccurrence(ctx, &models.NewServiceOccurrence{
		ScheduledDate: date(2024, time.May, 2),
	})
	if err != nil {
		t.Fatalf("CreateServiceOccurrence: %v", err)
	}
	_, err = models.CompleteServiceOccurrence(ctx, second.ID, &models.CompleteOccurrenceInput{
		CompletedDate: date(2024, time.May, 2),
		PartsUsed: []models.ServicePartUsed{
			{ProductId: filter.ID, Qty: decimal.NewFromInt(50)},
		},
	})
	var insufficient *models.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	assertStockOnHand(t, ctx, filter.ID, 4)
	reloaded, err := models.GetServiceOccurrence(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetServiceOccurrence: %v", err)
	}
	if reloaded.Status != models.OccurrenceStatusScheduled {
		t.Fatalf("failed completion must roll back the status change, got %s", reloaded.Status)
	}

	assertLedgerMatchesCounter(t, ctx, businessId, filter.ID)
}
