package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
)

var (
	ErrNotFound      = domain.ErrNotFound
	ErrStockConflict = domain.ErrStockConflict
	ErrDuplicate     = domain.ErrAlreadyExists
)

type ProductStore interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// StockStore applies stock deltas. ApplyStockMovement must be atomic per
// product: the quantity changes only when the result stays non-negative,
// and the movement row is written with the observed previous and new stock.
//
// Alert writes are checked against the product's stock at write time.
// UpsertStockAlert stores nothing unless the product still has the
// alert's StockQuantity and MinStock. ClearStockAlert removes the alert
// only while stock is above MinStock. A writer holding an outdated
// snapshot therefore never overwrites the alert of a newer movement.
type StockStore interface {
	ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, domain.Product, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	UpsertStockAlert(ctx context.Context, alert domain.StockAlert) (bool, error)
	ClearStockAlert(ctx context.Context, productID string) (bool, error)
	ListStockAlerts(ctx context.Context) ([]domain.StockAlert, error)
}

type CustomerStore interface {
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	UpdateCreditLimit(ctx context.Context, id string, limit decimal.Decimal) (*domain.Customer, error)
}

type CreditStore interface {
	ListOutstandingCredit(ctx context.Context, customerID string) ([]domain.CreditObligation, error)
	ListInstallments(ctx context.Context, customerID string) ([]domain.Installment, error)
	CreateCreditObligation(ctx context.Context, obligation domain.CreditObligation, installments []domain.Installment) (*domain.CreditObligation, error)
	PayInstallment(ctx context.Context, installmentID string, paidAt time.Time) (*domain.Installment, error)
}

type SaleStore interface {
	// CreateSale returns the stored sale. A sale with the same idempotency
	// key is returned as-is instead of inserting a second one.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
}

type RepairStore interface {
	CreateRepair(ctx context.Context, repair domain.Repair) (*domain.Repair, error)
	GetRepair(ctx context.Context, id string) (*domain.Repair, error)
	ListRepairs(ctx context.Context, status string, limit int) ([]domain.Repair, error)
	UpdateRepairStatus(ctx context.Context, id string, status string, saleID string, at time.Time) error
	SetRepairFinalCost(ctx context.Context, id string, amount decimal.Decimal) error
	// LinkRepairToSale records the sale that charged the repair. Linking to
	// the same sale again is a no-op; a repair charged on another sale
	// fails with ErrDuplicate.
	LinkRepairToSale(ctx context.Context, id string, saleID string) error
}

type RegisterStore interface {
	OpenRegister(ctx context.Context, register domain.Register) (*domain.Register, error)
	CloseRegister(ctx context.Context, terminalID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.Register, error)
	GetOpenRegister(ctx context.Context, terminalID string) (*domain.Register, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	ProductStore
	StockStore
	CustomerStore
	CreditStore
	SaleStore
	RepairStore
	RegisterStore
	AuditStore
	UserStore
}
