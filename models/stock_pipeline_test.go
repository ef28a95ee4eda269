package models_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/models"
	"github.com/shopspring/decimal"
)

func TestNormalizeQuantity(t *testing.T) {
	cases := []struct {
		in       float64
		expected string
	}{
		{0, "0"},
		{5, "5"},
		{3.7, "3"},
		{0.9, "0"},
		{-2, "0"},
		{-0.5, "0"},
		{math.NaN(), "0"},
		{math.Inf(1), "0"},
		{math.Inf(-1), "0"},
	}
	for _, tc := range cases {
		got := models.NormalizeQuantity(tc.in)
		if got.String() != tc.expected {
			t.Fatalf("NormalizeQuantity(%v) expected %s, got %s", tc.in, tc.expected, got.String())
		}
	}
}

func TestNormalizeQuantityDecimal(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"12.9999", "12"},
		{"-4", "0"},
		{"0.0001", "0"},
		{"7", "7"},
	}
	for _, tc := range cases {
		in, err := decimal.NewFromString(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		got := models.NormalizeQuantityDecimal(in)
		if got.String() != tc.expected {
			t.Fatalf("NormalizeQuantityDecimal(%s) expected %s, got %s", tc.in, tc.expected, got.String())
		}
	}
}

func qty(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func permutations(lines []models.StockLine) [][]models.StockLine {
	if len(lines) <= 1 {
		return [][]models.StockLine{append([]models.StockLine(nil), lines...)}
	}
	var result [][]models.StockLine
	for i := range lines {
		rest := make([]models.StockLine, 0, len(lines)-1)
		rest = append(rest, lines[:i]...)
		rest = append(rest, lines[i+1:]...)
		for _, perm := range permutations(rest) {
			result = append(result, append([]models.StockLine{lines[i]}, perm...))
		}
	}
	return result
}

func sameAggregation(a, b map[int]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for id, v := range a {
		if !v.Equal(b[id]) {
			return false
		}
	}
	return true
}

func TestAggregateStockLines_OrderIndependent(t *testing.T) {
	lines := []models.StockLine{
		{ProductId: 1, Qty: qty(3)},
		{ProductId: 2, Qty: qty(5)},
		{ProductId: 1, Qty: qty(2)},
		{ProductId: 0, Qty: qty(9)}, // manual line, no stock linkage
		{ProductId: 3, Qty: qty(0)}, // zero quantity carries no effect
	}

	want := models.AggregateStockLines(lines)
	if len(want) != 2 || !want[1].Equal(qty(5)) || !want[2].Equal(qty(5)) {
		t.Fatalf("unexpected baseline aggregation: %v", want)
	}

	for _, perm := range permutations(lines) {
		got := models.AggregateStockLines(perm)
		if !sameAggregation(want, got) {
			t.Fatalf("aggregation differs for permutation %v: %v vs %v", perm, got, want)
		}
	}
}

func TestAggregateStockLines_NormalizesDefensively(t *testing.T) {
	raw, _ := decimal.NewFromString("2.75")
	neg, _ := decimal.NewFromString("-4")
	agg := models.AggregateStockLines([]models.StockLine{
		{ProductId: 7, Qty: raw},
		{ProductId: 8, Qty: neg},
	})
	if len(agg) != 1 || !agg[7].Equal(qty(2)) {
		t.Fatalf("expected {7:2}, got %v", agg)
	}
}

func TestCalculateStockDeltas(t *testing.T) {
	cases := []struct {
		name     string
		previous map[int]decimal.Decimal
		next     map[int]decimal.Decimal
		expected []models.StockDelta
	}{
		{
			name:     "new document",
			previous: nil,
			next:     map[int]decimal.Decimal{1: qty(3)},
			expected: []models.StockDelta{{ProductId: 1, Delta: qty(3)}},
		},
		{
			name:     "quantity reduced",
			previous: map[int]decimal.Decimal{1: qty(3)},
			next:     map[int]decimal.Decimal{1: qty(1)},
			expected: []models.StockDelta{{ProductId: 1, Delta: qty(-2)}},
		},
		{
			name:     "product swapped",
			previous: map[int]decimal.Decimal{1: qty(3)},
			next:     map[int]decimal.Decimal{2: qty(5)},
			expected: []models.StockDelta{
				{ProductId: 1, Delta: qty(-3)},
				{ProductId: 2, Delta: qty(5)},
			},
		},
		{
			name:     "unchanged",
			previous: map[int]decimal.Decimal{1: qty(3), 2: qty(4)},
			next:     map[int]decimal.Decimal{1: qty(3), 2: qty(4)},
			expected: nil,
		},
		{
			name:     "document deleted",
			previous: map[int]decimal.Decimal{1: qty(3), 2: qty(4)},
			next:     nil,
			expected: []models.StockDelta{
				{ProductId: 1, Delta: qty(-3)},
				{ProductId: 2, Delta: qty(-4)},
			},
		},
	}

	for _, tc := range cases {
		got := models.CalculateStockDeltas(tc.previous, tc.next)
		if len(got) != len(tc.expected) {
			t.Fatalf("%s: expected %d deltas, got %d (%v)", tc.name, len(tc.expected), len(got), got)
		}
		for i := range got {
			if got[i].ProductId != tc.expected[i].ProductId || !got[i].Delta.Equal(tc.expected[i].Delta) {
				t.Fatalf("%s: delta %d expected %+v, got %+v", tc.name, i, tc.expected[i], got[i])
			}
		}
	}
}

// Applying the computed deltas to a commitment state reflecting `previous`
// must land exactly on `next`.
func TestCalculateStockDeltas_RoundTrip(t *testing.T) {
	pairs := []struct {
		previous map[int]decimal.Decimal
		next     map[int]decimal.Decimal
	}{
		{nil, map[int]decimal.Decimal{1: qty(3)}},
		{map[int]decimal.Decimal{1: qty(3)}, map[int]decimal.Decimal{1: qty(1)}},
		{map[int]decimal.Decimal{1: qty(3)}, map[int]decimal.Decimal{2: qty(5)}},
		{map[int]decimal.Decimal{1: qty(2), 2: qty(7), 3: qty(1)}, map[int]decimal.Decimal{2: qty(7), 3: qty(4), 4: qty(9)}},
		{map[int]decimal.Decimal{5: qty(10)}, nil},
	}

	for _, pair := range pairs {
		state := make(map[int]decimal.Decimal)
		for id, v := range pair.previous {
			state[id] = v
		}
		for _, d := range models.CalculateStockDeltas(pair.previous, pair.next) {
			state[d.ProductId] = state[d.ProductId].Add(d.Delta)
		}
		for id, v := range state {
			if v.IsZero() {
				delete(state, id)
			}
		}
		if !sameAggregation(state, pair.next) {
			t.Fatalf("round trip from %v to %v landed on %v", pair.previous, pair.next, state)
		}
	}
}

func TestStockDeltaLedgerEntry(t *testing.T) {
	saleType, saleDelta := models.StockDelta{ProductId: 1, Delta: qty(4)}.LedgerEntry()
	if saleType != models.StockTransactionTypeSale || !saleDelta.Equal(qty(-4)) {
		t.Fatalf("positive delta expected sale/-4, got %s/%s", saleType, saleDelta)
	}

	returnType, returnDelta := models.StockDelta{ProductId: 1, Delta: qty(-2)}.LedgerEntry()
	if returnType != models.StockTransactionTypeReturn || !returnDelta.Equal(qty(2)) {
		t.Fatalf("negative delta expected return/+2, got %s/%s", returnType, returnDelta)
	}
}

func TestStockTransactionBeforeSave_RejectsSignMismatch(t *testing.T) {
	sale := models.StockTransaction{
		TransactionType: models.StockTransactionTypeSale,
		QuantityDelta:   qty(3),
	}
	if err := sale.BeforeSave(nil); err == nil {
		t.Fatal("expected error for sale with positive delta")
	}

	ret := models.StockTransaction{
		TransactionType: models.StockTransactionTypeReturn,
		QuantityDelta:   qty(-3),
	}
	if err := ret.BeforeSave(nil); err == nil {
		t.Fatal("expected error for return with negative delta")
	}

	adj := models.StockTransaction{
		TransactionType: models.StockTransactionTypeAdjustment,
		QuantityDelta:   qty(-3),
	}
	if err := adj.BeforeSave(nil); err != nil {
		t.Fatalf("adjustment may carry either sign: %v", err)
	}
}

func TestPartialApplicationError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &models.PartialApplicationError{
		AppliedProductIds: []int{1, 2},
		FailedProductId:   3,
		Err:               cause,
	}

	msg := err.Error()
	if !strings.Contains(msg, "partially applied") || !strings.Contains(msg, "1,2") || !strings.Contains(msg, "3") {
		t.Fatalf("unexpected message: %s", msg)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}

func TestInsufficientStockError_Message(t *testing.T) {
	err := &models.InsufficientStockError{ProductId: 9, Available: qty(10), Requested: qty(20)}
	msg := err.Error()
	if !strings.Contains(msg, "product 9") || !strings.Contains(msg, "available=10") || !strings.Contains(msg, "requested=20") {
		t.Fatalf("unexpected message: %s", msg)
	}
}
