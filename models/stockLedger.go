package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The stock ledger pipeline: normalize -> aggregate -> delta -> validate -> apply.
// Document write paths (sales invoice create/update/delete, service completion)
// run the whole pipeline inside one DB transaction so the set of per-product
// adjustments is all-or-nothing.

type StockLine struct {
	ProductId int             `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
}

type StockDelta struct {
	ProductId int             `json:"product_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// LedgerEntry maps a signed document delta onto a ledger transaction.
// Positive delta = net increase sold under the document => outgoing sale.
// Negative delta = the document now sells less => incoming return.
func (d StockDelta) LedgerEntry() (StockTransactionType, decimal.Decimal) {
	if d.Delta.Sign() > 0 {
		return StockTransactionTypeSale, d.Delta.Neg()
	}
	return StockTransactionTypeReturn, d.Delta.Abs()
}

// NormalizeQuantity coerces arbitrary numeric input into a non-negative
// integral quantity: max(0, truncate(v)). NaN and +/-Inf normalize to 0.
func NormalizeQuantity(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return NormalizeQuantityDecimal(decimal.NewFromFloat(v))
}

// NormalizeQuantityDecimal truncates to an integral value and clamps at zero.
func NormalizeQuantityDecimal(d decimal.Decimal) decimal.Decimal {
	d = d.Truncate(0)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// AggregateStockLines collapses line entries into net quantity per product.
// Lines without product linkage or with zero quantity carry no stock effect and
// are dropped. The reduction is a pure multiset sum: line order is irrelevant.
func AggregateStockLines(lines []StockLine) map[int]decimal.Decimal {
	agg := make(map[int]decimal.Decimal, len(lines))
	for _, line := range lines {
		qty := NormalizeQuantityDecimal(line.Qty)
		if line.ProductId <= 0 || qty.IsZero() {
			continue
		}
		agg[line.ProductId] = agg[line.ProductId].Add(qty)
	}
	return agg
}

// CalculateStockDeltas computes the signed per-product adjustment that moves
// stock from reflecting `previous` to reflecting `next`. Zero deltas are
// omitted. The result is sorted by product id so concurrent document edits lock
// product rows in a consistent order.
func CalculateStockDeltas(previous, next map[int]decimal.Decimal) []StockDelta {
	productIds := make(map[int]struct{}, len(previous)+len(next))
	for id := range previous {
		productIds[id] = struct{}{}
	}
	for id := range next {
		productIds[id] = struct{}{}
	}

	deltas := make([]StockDelta, 0, len(productIds))
	for id := range productIds {
		delta := next[id].Sub(previous[id])
		if delta.IsZero() {
			continue
		}
		deltas = append(deltas, StockDelta{ProductId: id, Delta: delta})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ProductId < deltas[j].ProductId })
	return deltas
}

// ValidateStockAvailability checks every net deduction against current stock on
// hand. Read-only: it never mutates state. Returns and no-ops are never blocked
// by availability. The same conditions are re-enforced by the guarded decrement
// in ApplyStockTransaction, so a race between this check and application
// surfaces as ErrStockConflict rather than negative stock.
func ValidateStockAvailability(tx *gorm.DB, businessId string, deltas []StockDelta) error {
	for _, d := range deltas {
		if d.Delta.Sign() <= 0 {
			continue
		}
		var product Product
		err := tx.Where("business_id = ? AND id = ?", businessId, d.ProductId).First(&product).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ProductNotFoundError{ProductId: d.ProductId}
		}
		if err != nil {
			return err
		}
		if product.QuantityOnHand.LessThan(d.Delta) {
			return &InsufficientStockError{
				ProductId: d.ProductId,
				Available: product.QuantityOnHand,
				Requested: d.Delta,
			}
		}
	}
	return nil
}

type StockApplyOutcome string

const (
	StockApplyOutcomeApplied          StockApplyOutcome = "applied"
	StockApplyOutcomePartiallyApplied StockApplyOutcome = "partially_applied"
	StockApplyOutcomeRejected         StockApplyOutcome = "rejected"
)

type StockApplyResult struct {
	Outcome           StockApplyOutcome  `json:"outcome"`
	Transactions      []StockTransaction `json:"transactions"`
	AppliedProductIds []int              `json:"applied_product_ids"`
}

// ApplyStockDeltas applies each signed adjustment as one attributable ledger
// transaction. Callers must run it inside a DB transaction: on error the whole
// set rolls back, so a partially applied outcome never persists. The tagged
// result keeps the applied/partial/rejected distinction explicit for callers
// that drive the leaf primitive outside a shared transaction.
func ApplyStockDeltas(tx *gorm.DB, businessId string, deltas []StockDelta, refType StockReferenceType, refId int, note string, createdBy *int) (*StockApplyResult, error) {
	result := &StockApplyResult{Outcome: StockApplyOutcomeApplied}
	for _, d := range deltas {
		txnType, qtyDelta := d.LedgerEntry()
		txn, err := ApplyStockTransaction(tx, businessId, d.ProductId, txnType, qtyDelta, refType, refId, note, createdBy)
		if err != nil {
			if len(result.AppliedProductIds) == 0 {
				result.Outcome = StockApplyOutcomeRejected
				return result, err
			}
			result.Outcome = StockApplyOutcomePartiallyApplied
			return result, &PartialApplicationError{
				AppliedProductIds: result.AppliedProductIds,
				FailedProductId:   d.ProductId,
				Err:               err,
			}
		}
		result.Transactions = append(result.Transactions, *txn)
		result.AppliedProductIds = append(result.AppliedProductIds, d.ProductId)
	}
	return result, nil
}

// ApplyDocumentStockChanges runs the full pipeline for one document edit.
// previous is the document's persisted stock effect before the edit (nil for a
// new document), next its effect after. Editing a document applies the same net
// change as deleting and recreating it in its new form.
func ApplyDocumentStockChanges(tx *gorm.DB, businessId string, previous, next []StockLine, refType StockReferenceType, refId int, note string, createdBy *int) (*StockApplyResult, error) {
	deltas := CalculateStockDeltas(AggregateStockLines(previous), AggregateStockLines(next))
	if len(deltas) == 0 {
		return &StockApplyResult{Outcome: StockApplyOutcomeApplied}, nil
	}
	if err := ValidateStockAvailability(tx, businessId, deltas); err != nil {
		return &StockApplyResult{Outcome: StockApplyOutcomeRejected}, err
	}
	return ApplyStockDeltas(tx, businessId, deltas, refType, refId, note, createdBy)
}

/* errors */

// ErrStockConflict: a guarded decrement matched no row because stock changed
// between validation and application. Retryable after re-read.
var ErrStockConflict = errors.New("stock level changed concurrently, re-read and retry")

type InsufficientStockError struct {
	ProductId int
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on hand for product %d (available=%s, requested=%s)",
		e.ProductId, e.Available.String(), e.Requested.String())
}

type ProductNotFoundError struct {
	ProductId int
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductId)
}

// PartialApplicationError: one or more per-product ledger writes failed after
// others succeeded. Distinct from a clean validation failure: if the caller is
// not inside a rolling-back transaction the ledger now needs manual
// reconciliation.
type PartialApplicationError struct {
	AppliedProductIds []int
	FailedProductId   int
	Err               error
}

func (e *PartialApplicationError) Error() string {
	applied := make([]string, 0, len(e.AppliedProductIds))
	for _, id := range e.AppliedProductIds {
		applied = append(applied, fmt.Sprint(id))
	}
	return fmt.Sprintf("stock deltas partially applied (applied products: %s; failed product: %d): %v",
		strings.Join(applied, ","), e.FailedProductId, e.Err)
}

func (e *PartialApplicationError) Unwrap() error {
	return e.Err
}
