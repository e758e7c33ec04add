package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"celupos/internal/domain"
	"celupos/internal/store"
	"celupos/internal/xid"
)

var _ store.Repository = (*Store)(nil)

// Store keeps everything in process memory. A single lock serializes all
// writes, which also makes stock movements on one product strictly ordered.
type Store struct {
	mu sync.RWMutex

	products     map[string]domain.Product
	movements    []domain.StockMovement
	alerts       map[string]domain.StockAlert
	customers    map[string]domain.Customer
	credits      map[string]domain.CreditObligation
	creditOrder  []string
	installments map[string]domain.Installment
	installOrder []string
	salesByID    map[string]domain.Sale
	salesByIdem  map[string]string
	saleOrder    []string
	repairs      map[string]domain.Repair
	repairOrder  []string
	registers    map[string]domain.Register
	openRegister map[string]string
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		alerts:       make(map[string]domain.StockAlert),
		customers:    make(map[string]domain.Customer),
		credits:      make(map[string]domain.CreditObligation),
		installments: make(map[string]domain.Installment),
		salesByID:    make(map[string]domain.Sale),
		salesByIdem:  make(map[string]string),
		repairs:      make(map[string]domain.Repair),
		registers:    make(map[string]domain.Register),
		openRegister: make(map[string]string),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo catalog, customers, a pending repair
// and the default users.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	wholesale := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	products := []domain.Product{
		{ID: "prd-glass-a54", SKU: "GLS-A54", Name: "Tempered glass Galaxy A54", SalePrice: decimal.RequireFromString("12.00"), PurchasePrice: decimal.RequireFromString("3.50"), WholesalePrice: wholesale("8.00"), StockQuantity: 40, MinStock: 10, CategoryID: "accessories"},
		{ID: "prd-case-ip13", SKU: "CSE-IP13", Name: "Silicone case iPhone 13", SalePrice: decimal.RequireFromString("18.00"), PurchasePrice: decimal.RequireFromString("6.00"), StockQuantity: 25, MinStock: 5, CategoryID: "accessories"},
		{ID: "prd-charger-20w", SKU: "CHG-USBC-20", Name: "USB-C fast charger 20W", SalePrice: decimal.RequireFromString("25.00"), PurchasePrice: decimal.RequireFromString("11.00"), WholesalePrice: wholesale("19.00"), StockQuantity: 30, MinStock: 8, CategoryID: "chargers"},
		{ID: "prd-cable-lightning", SKU: "CBL-LGT-1M", Name: "Lightning cable 1m", SalePrice: decimal.RequireFromString("9.50"), PurchasePrice: decimal.RequireFromString("2.80"), StockQuantity: 60, MinStock: 15, CategoryID: "cables"},
		{ID: "prd-earbuds-bt", SKU: "AUD-BT-01", Name: "Bluetooth earbuds", SalePrice: decimal.RequireFromString("45.00"), PurchasePrice: decimal.RequireFromString("21.00"), StockQuantity: 12, MinStock: 4, CategoryID: "audio"},
		{ID: "prd-screen-a54", SKU: "SCR-A54-OLED", Name: "Galaxy A54 OLED screen", SalePrice: decimal.RequireFromString("120.00"), PurchasePrice: decimal.RequireFromString("74.00"), StockQuantity: 4, MinStock: 2, CategoryID: "parts"},
		{ID: "prd-battery-ip11", SKU: "BAT-IP11", Name: "iPhone 11 battery", SalePrice: decimal.RequireFromString("38.00"), PurchasePrice: decimal.RequireFromString("15.00"), StockQuantity: 6, MinStock: 3, CategoryID: "parts"},
	}
	for _, p := range products {
		p.IsActive = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	for _, c := range []domain.Customer{
		{ID: "cus-ana-lopez", Name: "Ana Lopez", Phone: "5551002000", CreditLimit: decimal.RequireFromString("1000")},
		{ID: "cus-tecnocell", Name: "Tecnocell Distribuciones", Phone: "5553004000", CreditLimit: decimal.RequireFromString("5000"), IsWholesale: true},
		{ID: "cus-walk-in", Name: "Walk-in customer"},
	} {
		c.CurrentBalance = decimal.Zero
		c.CreatedAt = now
		s.customers[c.ID] = c
	}

	s.repairs["rep-0001"] = domain.Repair{
		ID:            "rep-0001",
		CustomerID:    "cus-ana-lopez",
		Device:        "iPhone 11",
		Issue:         "Battery drains fast",
		Status:        domain.RepairStatusReady,
		EstimatedCost: decimal.RequireFromString("45.00"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.repairOrder = append(s.repairOrder, "rep-0001")

	s.users = seedUsers()
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev fallbacks.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		slog.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.IsActive && !includeInactive {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.CategoryID == b.CategoryID {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.CategoryID, b.CategoryID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrDuplicate)
	}
	for _, p := range s.products {
		if strings.EqualFold(p.SKU, product.SKU) {
			return nil, fmt.Errorf("sku %s: %w", product.SKU, store.ErrDuplicate)
		}
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	return &product, nil
}

// UpdateProduct replaces every field except the stock quantity, which only
// moves through ApplyStockMovement.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.SKU = current.SKU
	product.StockQuantity = current.StockQuantity
	product.CreatedAt = current.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) ApplyStockMovement(_ context.Context, movement domain.StockMovement) (domain.StockMovement, domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[movement.ProductID]
	if !ok {
		return domain.StockMovement{}, domain.Product{}, store.ErrNotFound
	}
	next := product.StockQuantity + movement.Quantity
	if next < 0 {
		return domain.StockMovement{}, domain.Product{}, store.ErrStockConflict
	}

	now := time.Now().UTC()
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = now
	}
	movement.PreviousStock = product.StockQuantity
	movement.NewStock = next

	product.StockQuantity = next
	product.UpdatedAt = now
	s.products[product.ID] = product
	s.movements = append(s.movements, movement)
	return movement, product, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 16)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) UpsertStockAlert(_ context.Context, alert domain.StockAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[alert.ProductID]
	if !ok {
		return false, store.ErrNotFound
	}
	if product.StockQuantity != alert.StockQuantity || product.MinStock != alert.MinStock {
		return false, nil
	}

	current, exists := s.alerts[alert.ProductID]
	changed := !exists || current.Level != alert.Level
	if exists && !changed {
		alert.RaisedAt = current.RaisedAt
	}
	s.alerts[alert.ProductID] = alert
	return changed, nil
}

func (s *Store) ClearStockAlert(_ context.Context, productID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[productID]; !exists {
		return false, nil
	}
	if product, ok := s.products[productID]; ok && product.StockQuantity <= product.MinStock {
		return false, nil
	}
	delete(s.alerts, productID)
	return true, nil
}

func (s *Store) ListStockAlerts(_ context.Context) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]domain.StockAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		alerts = append(alerts, a)
	}
	slices.SortFunc(alerts, func(a, b domain.StockAlert) int {
		if a.Level != b.Level {
			// out_of_stock sorts before low_stock
			return -strings.Compare(string(a.Level), string(b.Level))
		}
		return strings.Compare(a.ProductName, b.ProductName)
	})
	return alerts, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, fmt.Errorf("customer %s: %w", customer.ID, store.ErrDuplicate)
	}
	customer.CreatedAt = time.Now().UTC()
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) UpdateCreditLimit(_ context.Context, id string, limit decimal.Decimal) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.CreditLimit = limit
	s.customers[id] = c
	return &c, nil
}

func (s *Store) ListOutstandingCredit(_ context.Context, customerID string) ([]domain.CreditObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CreditObligation, 0, 4)
	for _, id := range s.creditOrder {
		c := s.credits[id]
		if c.CustomerID != customerID || c.Status == domain.CreditStatusPaid {
			continue
		}
		c.RepairIDs = slices.Clone(c.RepairIDs)
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) ListInstallments(_ context.Context, customerID string) ([]domain.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Installment, 0, 4)
	for _, id := range s.installOrder {
		inst := s.installments[id]
		if inst.CustomerID == customerID {
			result = append(result, inst)
		}
	}
	return result, nil
}

func (s *Store) CreateCreditObligation(_ context.Context, obligation domain.CreditObligation, installments []domain.Installment) (*domain.CreditObligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[obligation.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if obligation.ID == "" {
		obligation.ID = xid.New("crd")
	}
	if obligation.CreatedAt.IsZero() {
		obligation.CreatedAt = time.Now().UTC()
	}
	obligation.RepairIDs = slices.Clone(obligation.RepairIDs)
	s.credits[obligation.ID] = obligation
	s.creditOrder = append(s.creditOrder, obligation.ID)

	for _, inst := range installments {
		if inst.ID == "" {
			inst.ID = xid.New("ins")
		}
		inst.CreditID = obligation.ID
		inst.CustomerID = obligation.CustomerID
		s.installments[inst.ID] = inst
		s.installOrder = append(s.installOrder, inst.ID)
	}

	customer.CurrentBalance = customer.CurrentBalance.Add(obligation.Principal)
	s.customers[customer.ID] = customer
	return &obligation, nil
}

func (s *Store) PayInstallment(_ context.Context, installmentID string, paidAt time.Time) (*domain.Installment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.installments[installmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if inst.Status == domain.InstallmentStatusPaid {
		return nil, domain.Invalid("installment", "already paid")
	}
	inst.Status = domain.InstallmentStatusPaid
	inst.PaidAt = &paidAt
	s.installments[inst.ID] = inst

	credit := s.credits[inst.CreditID]
	credit.PaidAmount = credit.PaidAmount.Add(inst.Amount)
	credit.Status = domain.CreditStatusPaid
	for _, other := range s.installments {
		if other.CreditID == credit.ID && other.Status != domain.InstallmentStatusPaid {
			credit.Status = domain.CreditStatusPartial
			break
		}
	}
	s.credits[credit.ID] = credit

	if customer, ok := s.customers[inst.CustomerID]; ok {
		customer.CurrentBalance = customer.CurrentBalance.Sub(inst.Amount)
		s.customers[customer.ID] = customer
	}
	return &inst, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if id, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			existing := cloneSale(s.salesByID[id])
			return &existing, nil
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale = cloneSale(sale)
	s.salesByID[sale.ID] = sale
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	s.saleOrder = append(s.saleOrder, sale.ID)

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	return result, nil
}

func (s *Store) CreateRepair(_ context.Context, repair domain.Repair) (*domain.Repair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repair.ID == "" {
		repair.ID = xid.New("rep")
	}
	if repair.CustomerID != "" {
		if _, ok := s.customers[repair.CustomerID]; !ok {
			return nil, fmt.Errorf("customer %s: %w", repair.CustomerID, store.ErrNotFound)
		}
	}
	now := time.Now().UTC()
	repair.CreatedAt = now
	repair.UpdatedAt = now
	s.repairs[repair.ID] = repair
	s.repairOrder = append(s.repairOrder, repair.ID)
	return &repair, nil
}

func (s *Store) GetRepair(_ context.Context, id string) (*domain.Repair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repairs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListRepairs(_ context.Context, status string, limit int) ([]domain.Repair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Repair, 0, 16)
	for i := len(s.repairOrder) - 1; i >= 0; i-- {
		r := s.repairs[s.repairOrder[i]]
		if status != "" && r.Status != status {
			continue
		}
		result = append(result, r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) UpdateRepairStatus(_ context.Context, id string, status string, saleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repairs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	if status == domain.RepairStatusDelivered {
		r.DeliveredAt = &at
	}
	if saleID != "" {
		r.SaleID = saleID
	}
	r.UpdatedAt = at
	s.repairs[id] = r
	return nil
}

func (s *Store) SetRepairFinalCost(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repairs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.FinalCost = &amount
	r.UpdatedAt = time.Now().UTC()
	s.repairs[id] = r
	return nil
}

func (s *Store) LinkRepairToSale(_ context.Context, id string, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repairs[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.SaleID == saleID {
		return nil
	}
	if r.SaleID != "" {
		return fmt.Errorf("repair %s already charged on sale %s: %w", id, r.SaleID, store.ErrDuplicate)
	}
	r.SaleID = saleID
	r.UpdatedAt = time.Now().UTC()
	s.repairs[id] = r
	return nil
}

func (s *Store) OpenRegister(_ context.Context, register domain.Register) (*domain.Register, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.openRegister[register.TerminalID]; open {
		return nil, fmt.Errorf("register on terminal %s: %w", register.TerminalID, store.ErrDuplicate)
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	register.Status = domain.RegisterStatusOpen
	s.registers[register.ID] = register
	s.openRegister[register.TerminalID] = register.ID
	return &register, nil
}

func (s *Store) CloseRegister(_ context.Context, terminalID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.Register, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, open := s.openRegister[terminalID]
	if !open {
		return nil, store.ErrNotFound
	}
	register := s.registers[id]
	register.Status = domain.RegisterStatusClosed
	register.ClosingCash = &closingCash
	register.ClosedAt = &closedAt
	s.registers[id] = register
	delete(s.openRegister, terminalID)
	return &register, nil
}

func (s *Store) GetOpenRegister(_ context.Context, terminalID string) (*domain.Register, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, open := s.openRegister[terminalID]
	if !open {
		return nil, store.ErrNotFound
	}
	register := s.registers[id]
	return &register, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicate)
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	dup.RepairIDs = slices.Clone(src.RepairIDs)
	return dup
}
