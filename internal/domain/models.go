package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentCredit   PaymentMethod = "credit"
	PaymentMixed    PaymentMethod = "mixed"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentCredit:
		return true
	}
	return false
}

type MovementType string

const (
	MovementEntrada MovementType = "entrada"
	MovementSalida  MovementType = "salida"
	MovementAjuste  MovementType = "ajuste"
)

type AlertLevel string

const (
	AlertNone       AlertLevel = ""
	AlertLowStock   AlertLevel = "low_stock"
	AlertOutOfStock AlertLevel = "out_of_stock"
)

const (
	RepairStatusReceived   = "received"
	RepairStatusInProgress = "in_progress"
	RepairStatusReady      = "ready"
	RepairStatusDelivered  = "delivered"
	RepairStatusCancelled  = "cancelled"
)

const (
	CreditStatusPending = "pending"
	CreditStatusPartial = "partial"
	CreditStatusPaid    = "paid"
)

const (
	InstallmentStatusPending = "pending"
	InstallmentStatusPaid    = "paid"
)

const (
	RegisterStatusOpen   = "open"
	RegisterStatusClosed = "closed"
)

const SaleStatusCompleted = "completed"

type Product struct {
	ID             string           `json:"id"`
	SKU            string           `json:"sku"`
	Name           string           `json:"name"`
	SalePrice      decimal.Decimal  `json:"sale_price"`
	PurchasePrice  decimal.Decimal  `json:"purchase_price"`
	WholesalePrice *decimal.Decimal `json:"wholesale_price,omitempty"`
	StockQuantity  int              `json:"stock_quantity"`
	MinStock       int              `json:"min_stock"`
	MaxStock       *int             `json:"max_stock,omitempty"`
	CategoryID     string           `json:"category_id,omitempty"`
	SupplierID     string           `json:"supplier_id,omitempty"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU            string           `json:"sku" validate:"required,max=64"`
	Name           string           `json:"name" validate:"required,max=160"`
	SalePrice      decimal.Decimal  `json:"sale_price"`
	PurchasePrice  decimal.Decimal  `json:"purchase_price"`
	WholesalePrice *decimal.Decimal `json:"wholesale_price,omitempty"`
	InitialStock   int              `json:"initial_stock" validate:"gte=0"`
	MinStock       int              `json:"min_stock" validate:"gte=0"`
	MaxStock       *int             `json:"max_stock,omitempty" validate:"omitempty,gte=0"`
	CategoryID     string           `json:"category_id,omitempty"`
	SupplierID     string           `json:"supplier_id,omitempty"`
}

type ProductUpdateRequest struct {
	Name           *string          `json:"name,omitempty" validate:"omitempty,min=1,max=160"`
	SalePrice      *decimal.Decimal `json:"sale_price,omitempty"`
	PurchasePrice  *decimal.Decimal `json:"purchase_price,omitempty"`
	WholesalePrice *decimal.Decimal `json:"wholesale_price,omitempty"`
	MinStock       *int             `json:"min_stock,omitempty" validate:"omitempty,gte=0"`
	MaxStock       *int             `json:"max_stock,omitempty" validate:"omitempty,gte=0"`
	CategoryID     *string          `json:"category_id,omitempty"`
	SupplierID     *string          `json:"supplier_id,omitempty"`
	IsActive       *bool            `json:"is_active,omitempty"`
}

// CartItem is a line in an active checkout session. UnitPrice and
// WholesaleUnitPrice are snapshots taken when the line was added.
type CartItem struct {
	ProductID          string           `json:"product_id"`
	Name               string           `json:"name"`
	UnitPrice          decimal.Decimal  `json:"unit_price"`
	WholesaleUnitPrice *decimal.Decimal `json:"wholesale_unit_price,omitempty"`
	UnitCost           decimal.Decimal  `json:"-"`
	Quantity           int              `json:"quantity"`
}

type TaxConfig struct {
	Rate             decimal.Decimal `json:"rate"`
	PricesIncludeTax bool            `json:"prices_include_tax"`
}

type CartCalculations struct {
	Subtotal                decimal.Decimal  `json:"subtotal"`
	GeneralDiscountAmount   decimal.Decimal  `json:"general_discount_amount"`
	WholesaleDiscountAmount decimal.Decimal  `json:"wholesale_discount_amount"`
	WholesaleDiscountRate   decimal.Decimal  `json:"wholesale_discount_rate"`
	SubtotalAfterDiscounts  decimal.Decimal  `json:"subtotal_after_discounts"`
	RepairSubtotal          *decimal.Decimal `json:"repair_subtotal,omitempty"`
	RepairTax               *decimal.Decimal `json:"repair_tax,omitempty"`
	RepairCostWithTax       *decimal.Decimal `json:"repair_cost_with_tax,omitempty"`
	Tax                     decimal.Decimal  `json:"tax"`
	Total                   decimal.Decimal  `json:"total"`
	AmountTendered          decimal.Decimal  `json:"amount_tendered"`
	Change                  decimal.Decimal  `json:"change"`
	Remaining               decimal.Decimal  `json:"remaining"`
}

type PaymentSplitEntry struct {
	ID        string          `json:"id"`
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CardLast4 string          `json:"card_last4,omitempty"`
}

type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	Email          string          `json:"email,omitempty"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	IsWholesale    bool            `json:"is_wholesale"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name        string          `json:"name" validate:"required,max=160"`
	Phone       string          `json:"phone,omitempty" validate:"omitempty,max=32"`
	Email       string          `json:"email,omitempty" validate:"omitempty,email"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	IsWholesale bool            `json:"is_wholesale"`
}

// CreditObligation is an outstanding credit sale owed by a customer.
type CreditObligation struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	SaleID     string          `json:"sale_id,omitempty"`
	Principal  decimal.Decimal `json:"principal"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Status     string          `json:"status"`
	RepairIDs  []string        `json:"repair_ids,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Outstanding is the unpaid part of the principal.
func (c CreditObligation) Outstanding() decimal.Decimal {
	if c.Status == CreditStatusPaid {
		return decimal.Zero
	}
	rest := c.Principal.Sub(c.PaidAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

type Installment struct {
	ID         string          `json:"id"`
	CreditID   string          `json:"credit_id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	DueDate    time.Time       `json:"due_date"`
	Status     string          `json:"status"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

type CreditSummary struct {
	CustomerID               string          `json:"customer_id"`
	TotalCredit              decimal.Decimal `json:"total_credit"`
	UsedCredit               decimal.Decimal `json:"used_credit"`
	AvailableCredit          decimal.Decimal `json:"available_credit"`
	OverdueAmount            decimal.Decimal `json:"overdue_amount"`
	PendingSales             int             `json:"pending_sales"`
	CreditUtilizationPercent decimal.Decimal `json:"credit_utilization_percent"`
}

type CreditCheck struct {
	Summary                     CreditSummary   `json:"summary"`
	Amount                      decimal.Decimal `json:"amount"`
	Eligible                    bool            `json:"eligible"`
	Shortfall                   decimal.Decimal `json:"shortfall"`
	ProjectedUtilizationPercent decimal.Decimal `json:"projected_utilization_percent"`
	NearLimit                   bool            `json:"near_limit"`
}

type CreditSaleData struct {
	SaleID           string          `json:"sale_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	RepairIDs        []string        `json:"repair_ids,omitempty"`
	InstallmentCount int             `json:"installment_count,omitempty"`
}

type Repair struct {
	ID            string           `json:"id"`
	CustomerID    string           `json:"customer_id,omitempty"`
	Device        string           `json:"device"`
	Issue         string           `json:"issue"`
	Status        string           `json:"status"`
	EstimatedCost decimal.Decimal  `json:"estimated_cost"`
	FinalCost     *decimal.Decimal `json:"final_cost,omitempty"`
	SaleID        string           `json:"sale_id,omitempty"`
	DeliveredAt   *time.Time       `json:"delivered_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type RepairCreateRequest struct {
	CustomerID    string          `json:"customer_id,omitempty"`
	Device        string          `json:"device" validate:"required,max=160"`
	Issue         string          `json:"issue" validate:"required,max=500"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// RepairLink associates repairs with a sale being checked out.
type RepairLink struct {
	RepairIDs            []string `json:"repair_ids"`
	MarkDelivered        bool     `json:"mark_delivered"`
	UseFinalCostFromSale bool     `json:"use_final_cost_from_sale"`
}

type SaleItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Sale struct {
	ID                string              `json:"id"`
	IdempotencyKey    string              `json:"idempotency_key"`
	TerminalID        string              `json:"terminal_id"`
	RegisterID        string              `json:"register_id"`
	CustomerID        string              `json:"customer_id,omitempty"`
	IsWholesale       bool                `json:"is_wholesale"`
	Items             []SaleItem          `json:"items"`
	RepairIDs         []string            `json:"repair_ids,omitempty"`
	Subtotal          decimal.Decimal     `json:"subtotal"`
	GeneralDiscount   decimal.Decimal     `json:"general_discount"`
	WholesaleDiscount decimal.Decimal     `json:"wholesale_discount"`
	Tax               decimal.Decimal     `json:"tax"`
	RepairSubtotal    decimal.Decimal     `json:"repair_subtotal"`
	RepairTax         decimal.Decimal     `json:"repair_tax"`
	Total             decimal.Decimal     `json:"total"`
	AmountTendered    decimal.Decimal     `json:"amount_tendered"`
	Change            decimal.Decimal     `json:"change"`
	PaymentMethod     PaymentMethod       `json:"payment_method"`
	Payments          []PaymentSplitEntry `json:"payments"`
	Status            string              `json:"status"`
	CashierUsername   string              `json:"cashier_username"`
	CreatedAt         time.Time           `json:"created_at"`
}

// StockMovement is an append-only record of one signed stock change.
type StockMovement struct {
	ID            string       `json:"id"`
	ProductID     string       `json:"product_id"`
	Type          MovementType `json:"type"`
	Quantity      int          `json:"quantity"`
	PreviousStock int          `json:"previous_stock"`
	NewStock      int          `json:"new_stock"`
	Reason        string       `json:"reason"`
	Reference     string       `json:"reference,omitempty"`
	CreatedBy     string       `json:"created_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

type StockMovementRequest struct {
	ProductID  string       `json:"product_id" validate:"required"`
	Type       MovementType `json:"type" validate:"required,oneof=entrada salida ajuste"`
	Quantity   int          `json:"quantity" validate:"ne=0"`
	Reason     string       `json:"reason" validate:"required,max=240"`
	Reference  string       `json:"reference,omitempty" validate:"max=120"`
	ManagerPIN string       `json:"manager_pin,omitempty"`
}

type StockAlert struct {
	ProductID     string     `json:"product_id"`
	ProductName   string     `json:"product_name"`
	Level         AlertLevel `json:"level"`
	StockQuantity int        `json:"stock_quantity"`
	MinStock      int        `json:"min_stock"`
	RaisedAt      time.Time  `json:"raised_at"`
}

// Register is a cash register session on a terminal.
type Register struct {
	ID           string           `json:"id"`
	TerminalID   string           `json:"terminal_id"`
	OpenedBy     string           `json:"opened_by"`
	OpeningFloat decimal.Decimal  `json:"opening_float"`
	ClosingCash  *decimal.Decimal `json:"closing_cash,omitempty"`
	Status       string           `json:"status"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

type RegisterOpenRequest struct {
	TerminalID   string          `json:"terminal_id" validate:"required,max=64"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type RegisterCloseRequest struct {
	TerminalID  string          `json:"terminal_id" validate:"required,max=64"`
	ClosingCash decimal.Decimal `json:"closing_cash"`
}

type PaymentBreakdown struct {
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Sales         int             `json:"sales"`
	Total         decimal.Decimal `json:"total"`
}

type DailyReport struct {
	Date          string             `json:"date"`
	Sales         int                `json:"sales"`
	GrossSales    decimal.Decimal    `json:"gross_sales"`
	Discounts     decimal.Decimal    `json:"discounts"`
	Tax           decimal.Decimal    `json:"tax"`
	RepairRevenue decimal.Decimal    `json:"repair_revenue"`
	NetSales      decimal.Decimal    `json:"net_sales"`
	CostOfGoods   decimal.Decimal    `json:"cost_of_goods"`
	GrossMargin   decimal.Decimal    `json:"gross_margin"`
	ByPayment     []PaymentBreakdown `json:"by_payment"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionCreateRequest struct {
	TerminalID string `json:"terminal_id" validate:"required,max=64"`
}

type CartLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=9999"`
}

type CartRequest struct {
	Items           []CartLineRequest `json:"items" validate:"dive"`
	DiscountPercent decimal.Decimal   `json:"discount_percent"`
	IsWholesale     bool              `json:"is_wholesale"`
	CustomerID      string            `json:"customer_id,omitempty"`
}

type PaymentRequest struct {
	Method           PaymentMethod   `json:"method" validate:"required,oneof=cash card transfer credit"`
	CashReceived     decimal.Decimal `json:"cash_received"`
	Reference        string          `json:"reference,omitempty" validate:"max=120"`
	IsMixed          bool            `json:"is_mixed"`
	InstallmentCount int             `json:"installment_count,omitempty" validate:"gte=0,lte=36"`
}

type SplitRequest struct {
	Method    PaymentMethod   `json:"method" validate:"required,oneof=cash card transfer credit"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty" validate:"max=120"`
}

// QuoteRequest prices a cart without creating a session.
type QuoteRequest struct {
	Items           []CartLineRequest `json:"items" validate:"dive"`
	DiscountPercent decimal.Decimal   `json:"discount_percent"`
	IsWholesale     bool              `json:"is_wholesale"`
	RepairIDs       []string          `json:"repair_ids,omitempty"`
	AmountTendered  decimal.Decimal   `json:"amount_tendered"`
}

type CreditCheckRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CreditLimitRequest struct {
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

type RepairStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=received in_progress ready delivered cancelled"`
}

type RepairFinalCostRequest struct {
	FinalCost decimal.Decimal `json:"final_cost"`
}
