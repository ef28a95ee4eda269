package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bitbucket.org/mmsoftworks/fieldbooks_backend/config"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/models"
	"bitbucket.org/mmsoftworks/fieldbooks_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("fieldbooks-backend")

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Business-Id", "X-User-Id"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(requestContextMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/products", createProductHandler)
		api.GET("/products", listProductsHandler)
		api.GET("/products/low-stock", listLowStockProductsHandler)
		api.GET("/products/:id", getProductHandler)
		api.PUT("/products/:id", updateProductHandler)
		api.DELETE("/products/:id", deleteProductHandler)
		api.GET("/products/:id/transactions", listStockTransactionsHandler)
		api.POST("/products/:id/adjustments", createAdjustmentHandler)

		api.POST("/customers", createCustomerHandler)
		api.GET("/customers", listCustomersHandler)
		api.GET("/customers/:id", getCustomerHandler)
		api.PUT("/customers/:id", updateCustomerHandler)
		api.DELETE("/customers/:id", deleteCustomerHandler)

		api.POST("/invoices", createInvoiceHandler)
		api.GET("/invoices", listInvoicesHandler)
		api.GET("/invoices/:id", getInvoiceHandler)
		api.PUT("/invoices/:id", updateInvoiceHandler)
		api.DELETE("/invoices/:id", deleteInvoiceHandler)

		api.POST("/contracts", createContractHandler)
		api.GET("/contracts", listContractsHandler)
		api.GET("/contracts/:id", getContractHandler)
		api.POST("/contracts/:id/end", endContractHandler)
		api.POST("/contracts/:id/renew", renewContractHandler)

		api.POST("/occurrences", createOccurrenceHandler)
		api.GET("/occurrences", listOccurrencesHandler)
		api.GET("/occurrences/:id", getOccurrenceHandler)
		api.POST("/occurrences/:id/start", startOccurrenceHandler)
		api.POST("/occurrences/:id/complete", completeOccurrenceHandler)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			config.GetLogger().Fatalf("listen: %v", err)
		}
	}()

	// Connect after the server is listening so health checks pass while the
	// backing services come up.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.GetLogger().Errorf("server shutdown: %v", err)
	}
}

// requestContextMiddleware threads correlation id, business id and acting user
// into the request context. Auth is handled upstream; the gateway forwards the
// tenant and user as headers.
func requestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		correlationId := c.GetHeader("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Header("X-Correlation-Id", correlationId)

		if businessId := c.GetHeader("X-Business-Id"); businessId != "" {
			ctx = utils.SetBusinessIdInContext(ctx, businessId)
		}
		if userIdStr := c.GetHeader("X-User-Id"); userIdStr != "" {
			if userId, err := strconv.Atoi(userIdStr); err == nil {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// respondError maps subsystem errors onto HTTP statuses. Validation failures
// and concurrency conflicts are the caller's to resolve; partial applications
// are surfaced distinctly because they need manual reconciliation.
func respondError(c *gin.Context, err error) {
	var (
		insufficientStock *models.InsufficientStockError
		productNotFound   *models.ProductNotFoundError
		partialApply      *models.PartialApplicationError
		notCompletable    *models.OccurrenceNotCompletableError
		validationErrs    validator.ValidationErrors
	)

	switch {
	case errors.As(err, &partialApply):
		config.LogError(config.GetLogger(), "server.go", "respondError", "partial stock application", partialApply.AppliedProductIds, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":               err.Error(),
			"outcome":             models.StockApplyOutcomePartiallyApplied,
			"applied_product_ids": partialApply.AppliedProductIds,
		})
	case errors.As(err, &insufficientStock):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      err.Error(),
			"product_id": insufficientStock.ProductId,
			"available":  insufficientStock.Available,
			"requested":  insufficientStock.Requested,
		})
	case errors.As(err, &productNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &notCompletable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStockConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validationErrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

/* products */

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func listProductsHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	products, err := models.GetProducts(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func listLowStockProductsHandler(c *gin.Context) {
	products, err := models.GetLowStockProducts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func getProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func updateProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.UpdateProduct(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func deleteProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.DeleteProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func listStockTransactionsHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	transactions, err := models.GetStockTransactions(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transactions)
}

func createAdjustmentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewInventoryAdjustment
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	txn, err := models.CreateInventoryAdjustment(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

/* customers */

func createCustomerHandler(c *gin.Context) {
	var input models.NewCustomer
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	customer, err := models.CreateCustomer(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func listCustomersHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	customers, err := models.GetCustomers(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customers)
}

func getCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	customer, err := models.GetCustomer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func updateCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewCustomer
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	customer, err := models.UpdateCustomer(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func deleteCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	customer, err := models.DeleteCustomer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

/* invoices */

func createInvoiceHandler(c *gin.Context) {
	var input models.NewSalesInvoice
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.CreateSalesInvoice(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func listInvoicesHandler(c *gin.Context) {
	var customerId *int
	if v := c.Query("customer_id"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			customerId = &parsed
		}
	}
	invoices, err := models.GetSalesInvoices(c.Request.Context(), customerId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoices)
}

func getInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	invoice, err := models.GetSalesInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func updateInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewSalesInvoice
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.UpdateSalesInvoice(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func deleteInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	invoice, err := models.DeleteSalesInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

/* contracts */

func createContractHandler(c *gin.Context) {
	var input models.NewRecurringContract
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	contract, err := models.CreateRecurringContract(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func listContractsHandler(c *gin.Context) {
	var customerId *int
	if v := c.Query("customer_id"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			customerId = &parsed
		}
	}
	var status *models.ContractStatus
	if v := c.Query("status"); v != "" {
		var s models.ContractStatus
		if err := s.Parse(v); err != nil {
			respondError(c, err)
			return
		}
		status = &s
	}
	contracts, err := models.GetRecurringContracts(c.Request.Context(), customerId, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contracts)
}

func getContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	contract, err := models.GetRecurringContract(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func endContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	var status models.ContractStatus
	if err := status.Parse(input.Status); err != nil {
		respondError(c, err)
		return
	}
	contract, err := models.EndRecurringContract(c.Request.Context(), id, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func renewContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	contract, err := models.RenewRecurringContract(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

/* occurrences */

func createOccurrenceHandler(c *gin.Context) {
	var input models.NewServiceOccurrence
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	occurrence, err := models.CreateServiceOccurrence(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, occurrence)
}

func listOccurrencesHandler(c *gin.Context) {
	var contractId *int
	if v := c.Query("contract_id"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			contractId = &parsed
		}
	}
	var status *models.OccurrenceStatus
	if v := c.Query("status"); v != "" {
		s := models.OccurrenceStatus(v)
		status = &s
	}
	occurrences, err := models.GetServiceOccurrences(c.Request.Context(), contractId, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, occurrences)
}

func getOccurrenceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	occurrence, err := models.GetServiceOccurrence(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, occurrence)
}

func startOccurrenceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	occurrence, err := models.StartServiceOccurrence(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, occurrence)
}

func completeOccurrenceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.CompleteOccurrenceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "CompleteServiceOccurrence")
	defer span.End()
	outcome, err := models.CompleteServiceOccurrence(ctx, id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
