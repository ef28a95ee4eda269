package models

import "errors"

type StockTransactionType string

const (
	StockTransactionTypeSale       StockTransactionType = "sale"
	StockTransactionTypeReturn     StockTransactionType = "return"
	StockTransactionTypeAdjustment StockTransactionType = "adjustment"
)

func (t *StockTransactionType) Parse(s string) error {
	types := map[string]StockTransactionType{
		"sale":       StockTransactionTypeSale,
		"return":     StockTransactionTypeReturn,
		"adjustment": StockTransactionTypeAdjustment,
	}
	v, ok := types[s]
	if !ok {
		return errors.New("invalid stock transaction type")
	}
	*t = v
	return nil
}

type StockReferenceType string

const (
	StockReferenceTypeInvoice StockReferenceType = "invoice"
	StockReferenceTypeService StockReferenceType = "service"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusCancelled ContractStatus = "cancelled"
)

func (s *ContractStatus) Parse(str string) error {
	statuses := map[string]ContractStatus{
		"active":    ContractStatusActive,
		"completed": ContractStatusCompleted,
		"cancelled": ContractStatusCancelled,
	}
	v, ok := statuses[str]
	if !ok {
		return errors.New("invalid contract status")
	}
	*s = v
	return nil
}

type OccurrenceStatus string

const (
	OccurrenceStatusScheduled  OccurrenceStatus = "scheduled"
	OccurrenceStatusInProgress OccurrenceStatus = "in_progress"
	OccurrenceStatusCompleted  OccurrenceStatus = "completed"
	OccurrenceStatusCancelled  OccurrenceStatus = "cancelled"
)

// IsTerminal reports whether an occurrence in this status can no longer change.
func (s OccurrenceStatus) IsTerminal() bool {
	return s == OccurrenceStatusCompleted || s == OccurrenceStatusCancelled
}
