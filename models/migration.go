package models

import (
	"log"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Customer{},
		&Product{},
		&StockTransaction{},
		&SalesInvoice{}, &SalesInvoiceDetail{},
		&RecurringContract{}, &ServiceOccurrence{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
