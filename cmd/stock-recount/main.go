package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// stock-recount verifies the ledger/counter consistency invariant: for every
// product, the sum of quantity_delta over its stock transactions must equal
// quantity_on_hand. With --fix, the counter is rebuilt from the ledger sum;
// the ledger is the source of truth and is never edited.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	productID := flag.Int("product-id", 0, "Optional: limit to one product")
	fix := flag.Bool("fix", false, "Rebuild quantity_on_hand from the ledger sum for each drifted product")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	var products []models.Product
	query := db.Where("business_id = ?", *businessID)
	if *productID > 0 {
		query = query.Where("id = ?", *productID)
	}
	if err := query.Find(&products).Error; err != nil {
		logger.Fatalf("fetch products: %v", err)
	}

	var drifted int
	for _, product := range products {
		var ledgerSum decimal.Decimal
		err := db.Model(&models.StockTransaction{}).
			Select("COALESCE(SUM(quantity_delta), 0)").
			Where("business_id = ? AND product_id = ?", *businessID, product.ID).
			Scan(&ledgerSum).Error
		if err != nil {
			logger.Fatalf("sum ledger for product %d: %v", product.ID, err)
		}

		diff := product.QuantityOnHand.Sub(ledgerSum)
		if diff.IsZero() {
			continue
		}
		drifted++
		fmt.Printf("product %d (%s): on_hand=%s ledger_sum=%s drift=%s\n",
			product.ID, product.Name, product.QuantityOnHand.String(), ledgerSum.String(), diff.String())

		if !*fix {
			continue
		}

		err = db.Exec(
			"UPDATE products SET quantity_on_hand = ? WHERE business_id = ? AND id = ?",
			ledgerSum, *businessID, product.ID,
		).Error
		if err != nil {
			logger.Errorf("fix product %d: %v", product.ID, err)
			continue
		}
		fmt.Printf("product %d: counter rebuilt to %s\n", product.ID, ledgerSum.String())
	}

	if drifted == 0 {
		fmt.Println("ledger and counters are consistent")
	} else {
		fmt.Printf("%d product(s) drifted\n", drifted)
		if !*fix {
			os.Exit(2)
		}
	}
}
