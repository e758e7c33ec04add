package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/store"
	"celupos/internal/xid"
)

//go:embed schema.sql
var schema string

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, domain.Unavailable(err)
	}

	return &Store{db: db}, nil
}

// Migrate creates missing tables and indexes. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, sku, name, sale_price, purchase_price, wholesale_price, stock_quantity,
	min_stock, max_stock, category_id, supplier_id, is_active, created_at, updated_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var wholesale decimal.NullDecimal
	var maxStock sql.NullInt64
	var category, supplier sql.NullString
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.SalePrice, &p.PurchasePrice, &wholesale, &p.StockQuantity,
		&p.MinStock, &maxStock, &category, &supplier, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if wholesale.Valid {
		w := wholesale.Decimal
		p.WholesalePrice = &w
	}
	if maxStock.Valid {
		m := int(maxStock.Int64)
		p.MaxStock = &m
	}
	p.CategoryID = category.String
	p.SupplierID = supplier.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active OR $1
		ORDER BY category_id NULLS FIRST, name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, sku, name, sale_price, purchase_price, wholesale_price, stock_quantity,
			min_stock, max_stock, category_id, supplier_id, is_active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
	`, product.ID, product.SKU, product.Name, product.SalePrice, product.PurchasePrice,
		nullDecimal(product.WholesalePrice), product.StockQuantity, product.MinStock, nullInt(product.MaxStock),
		nullIfEmpty(product.CategoryID), nullIfEmpty(product.SupplierID), product.IsActive, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sku %s: %w", product.SKU, store.ErrDuplicate)
		}
		return nil, err
	}
	return &product, nil
}

// UpdateProduct never touches stock_quantity; stock only moves through
// ApplyStockMovement.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, sale_price = $3, purchase_price = $4, wholesale_price = $5, min_stock = $6,
			max_stock = $7, category_id = $8, supplier_id = $9, is_active = $10, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.SalePrice, product.PurchasePrice, nullDecimal(product.WholesalePrice),
		product.MinStock, nullInt(product.MaxStock), nullIfEmpty(product.CategoryID),
		nullIfEmpty(product.SupplierID), product.IsActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

// ApplyStockMovement changes stock with one conditional UPDATE so
// concurrent movements on a product can never drive it negative. The
// movement row is written in the same transaction.
func (s *Store) ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.StockMovement{}, domain.Product{}, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := scanProduct(tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1 AND stock_quantity + $2 >= 0
		RETURNING `+productColumns,
		movement.ProductID, movement.Quantity))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StockMovement{}, domain.Product{}, err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, movement.ProductID).Scan(&exists); err != nil {
			return domain.StockMovement{}, domain.Product{}, err
		}
		if !exists {
			return domain.StockMovement{}, domain.Product{}, store.ErrNotFound
		}
		return domain.StockMovement{}, domain.Product{}, store.ErrStockConflict
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.NewStock = product.StockQuantity
	movement.PreviousStock = product.StockQuantity - movement.Quantity

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, type, quantity, previous_stock, new_stock, reason, reference, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, movement.ID, movement.ProductID, movement.Type, movement.Quantity, movement.PreviousStock,
		movement.NewStock, movement.Reason, nullIfEmpty(movement.Reference), nullIfEmpty(movement.CreatedBy),
		movement.CreatedAt)
	if err != nil {
		return domain.StockMovement{}, domain.Product{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.StockMovement{}, domain.Product{}, err
	}
	return movement, product, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, previous_stock, new_stock, reason,
			COALESCE(reference, ''), COALESCE(created_by, ''), created_at
		FROM stock_movements
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.PreviousStock, &m.NewStock,
			&m.Reason, &m.Reference, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// UpsertStockAlert reports whether the stored level changed.
func (s *Store) UpsertStockAlert(ctx context.Context, alert domain.StockAlert) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// The share lock holds back stock updates until this alert is written.
	var stock, minStock int
	err = tx.QueryRowContext(ctx, `SELECT stock_quantity, min_stock FROM products WHERE id = $1 FOR SHARE`, alert.ProductID).Scan(&stock, &minStock)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if stock != alert.StockQuantity || minStock != alert.MinStock {
		return false, nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT level FROM stock_alerts WHERE product_id = $1 FOR UPDATE`, alert.ProductID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	changed := errors.Is(err, sql.ErrNoRows) || current != string(alert.Level)
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_alerts (product_id, product_name, level, stock_quantity, min_stock, raised_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id) DO UPDATE
		SET product_name = EXCLUDED.product_name,
			stock_quantity = EXCLUDED.stock_quantity,
			min_stock = EXCLUDED.min_stock,
			raised_at = CASE WHEN stock_alerts.level = EXCLUDED.level THEN stock_alerts.raised_at ELSE EXCLUDED.raised_at END,
			level = EXCLUDED.level
	`, alert.ProductID, alert.ProductName, alert.Level, alert.StockQuantity, alert.MinStock, alert.RaisedAt)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

func (s *Store) ClearStockAlert(ctx context.Context, productID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock, minStock int
	err = tx.QueryRowContext(ctx, `SELECT stock_quantity, min_stock FROM products WHERE id = $1 FOR SHARE`, productID).Scan(&stock, &minStock)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	case stock <= minStock:
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM stock_alerts WHERE product_id = $1`, productID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, tx.Commit()
}

func (s *Store) ListStockAlerts(ctx context.Context) ([]domain.StockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, level, stock_quantity, min_stock, raised_at
		FROM stock_alerts
		ORDER BY level DESC, product_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.StockAlert, 0, 16)
	for rows.Next() {
		var a domain.StockAlert
		if err := rows.Scan(&a.ProductID, &a.ProductName, &a.Level, &a.StockQuantity, &a.MinStock, &a.RaisedAt); err != nil {
			return nil, err
		}
		a.RaisedAt = a.RaisedAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

const customerColumns = `id, name, COALESCE(phone, ''), COALESCE(email, ''), credit_limit, current_balance, is_wholesale, created_at`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.CreditLimit, &c.CurrentBalance, &c.IsWholesale, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	customer.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, email, credit_limit, current_balance, is_wholesale, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email),
		customer.CreditLimit, customer.CurrentBalance, customer.IsWholesale, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("customer %s: %w", customer.ID, store.ErrDuplicate)
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) UpdateCreditLimit(ctx context.Context, id string, limit decimal.Decimal) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `
		UPDATE customers SET credit_limit = $2 WHERE id = $1
		RETURNING `+customerColumns, id, limit))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListOutstandingCredit(ctx context.Context, customerID string) ([]domain.CreditObligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, COALESCE(sale_id, ''), principal, paid_amount, status, repair_ids, created_at
		FROM credit_obligations
		WHERE customer_id = $1 AND status <> 'paid'
		ORDER BY created_at
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credits := make([]domain.CreditObligation, 0, 4)
	for rows.Next() {
		var c domain.CreditObligation
		var repairs []byte
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.SaleID, &c.Principal, &c.PaidAmount, &c.Status, &repairs, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(repairs, &c.RepairIDs); err != nil {
			return nil, fmt.Errorf("decode repair ids of %s: %w", c.ID, err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (s *Store) ListInstallments(ctx context.Context, customerID string) ([]domain.Installment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credit_id, customer_id, amount, due_date, status, paid_at
		FROM installments
		WHERE customer_id = $1
		ORDER BY due_date, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	installments := make([]domain.Installment, 0, 8)
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

func scanInstallment(row rowScanner) (domain.Installment, error) {
	var inst domain.Installment
	var paidAt sql.NullTime
	if err := row.Scan(&inst.ID, &inst.CreditID, &inst.CustomerID, &inst.Amount, &inst.DueDate, &inst.Status, &paidAt); err != nil {
		return domain.Installment{}, err
	}
	inst.DueDate = inst.DueDate.UTC()
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		inst.PaidAt = &at
	}
	return inst, nil
}

func (s *Store) CreateCreditObligation(ctx context.Context, obligation domain.CreditObligation, installments []domain.Installment) (*domain.CreditObligation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE customers SET current_balance = current_balance + $2 WHERE id = $1
	`, obligation.CustomerID, obligation.Principal)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}

	if obligation.ID == "" {
		obligation.ID = xid.New("crd")
	}
	if obligation.CreatedAt.IsZero() {
		obligation.CreatedAt = time.Now().UTC()
	}
	repairs, err := json.Marshal(nonNil(obligation.RepairIDs))
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_obligations (id, customer_id, sale_id, principal, paid_amount, status, repair_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, obligation.ID, obligation.CustomerID, nullIfEmpty(obligation.SaleID), obligation.Principal,
		obligation.PaidAmount, obligation.Status, string(repairs), obligation.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, inst := range installments {
		if inst.ID == "" {
			inst.ID = xid.New("ins")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installments (id, credit_id, customer_id, amount, due_date, status, paid_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, inst.ID, obligation.ID, obligation.CustomerID, inst.Amount, inst.DueDate, inst.Status, nullTime(inst.PaidAt))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &obligation, nil
}

// PayInstallment marks one installment paid and settles its obligation
// once no unpaid installments remain.
func (s *Store) PayInstallment(ctx context.Context, installmentID string, paidAt time.Time) (*domain.Installment, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inst, err := scanInstallment(tx.QueryRowContext(ctx, `
		SELECT id, credit_id, customer_id, amount, due_date, status, paid_at
		FROM installments
		WHERE id = $1
		FOR UPDATE
	`, installmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if inst.Status == domain.InstallmentStatusPaid {
		return nil, domain.Invalid("installment", "already paid")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE installments SET status = 'paid', paid_at = $2 WHERE id = $1
	`, inst.ID, paidAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_obligations
		SET paid_amount = paid_amount + $2,
			status = CASE
				WHEN EXISTS (SELECT 1 FROM installments WHERE credit_id = $1 AND status <> 'paid') THEN 'partial'
				ELSE 'paid'
			END
		WHERE id = $1
	`, inst.CreditID, inst.Amount); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE customers SET current_balance = current_balance - $2 WHERE id = $1
	`, inst.CustomerID, inst.Amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	inst.Status = domain.InstallmentStatusPaid
	at := paidAt.UTC()
	inst.PaidAt = &at
	return &inst, nil
}

// CreateSale inserts the sale and its lines. A second call with the same
// idempotency key returns the stored sale.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.IdempotencyKey == "" {
		return nil, domain.Invalid("idempotency_key", "is required")
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	payments, err := json.Marshal(nonNil(sale.Payments))
	if err != nil {
		return nil, err
	}
	repairs, err := json.Marshal(nonNil(sale.RepairIDs))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var insertedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (
			id, idempotency_key, terminal_id, register_id, customer_id, is_wholesale, repair_ids,
			subtotal, general_discount, wholesale_discount, tax, repair_subtotal, repair_tax, total,
			amount_tendered, change_due, payment_method, payments, status, cashier_username, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, sale.ID, sale.IdempotencyKey, sale.TerminalID, nullIfEmpty(sale.RegisterID), nullIfEmpty(sale.CustomerID),
		sale.IsWholesale, string(repairs), sale.Subtotal, sale.GeneralDiscount, sale.WholesaleDiscount, sale.Tax,
		sale.RepairSubtotal, sale.RepairTax, sale.Total, sale.AmountTendered, sale.Change, sale.PaymentMethod,
		string(payments), sale.Status, sale.CashierUsername, sale.CreatedAt).Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return s.findSale(ctx, "idempotency_key", sale.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	for i, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, name, quantity, unit_price, unit_cost, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, i+1, item.ProductID, item.Name, item.Quantity, item.UnitPrice, item.UnitCost, item.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

const saleColumns = `id, idempotency_key, terminal_id, COALESCE(register_id, ''), COALESCE(customer_id, ''),
	is_wholesale, repair_ids, subtotal, general_discount, wholesale_discount, tax, repair_subtotal, repair_tax,
	total, amount_tendered, change_due, payment_method, payments, status, cashier_username, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var repairs, payments []byte
	err := row.Scan(&sale.ID, &sale.IdempotencyKey, &sale.TerminalID, &sale.RegisterID, &sale.CustomerID,
		&sale.IsWholesale, &repairs, &sale.Subtotal, &sale.GeneralDiscount, &sale.WholesaleDiscount, &sale.Tax,
		&sale.RepairSubtotal, &sale.RepairTax, &sale.Total, &sale.AmountTendered, &sale.Change,
		&sale.PaymentMethod, &payments, &sale.Status, &sale.CashierUsername, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(repairs, &sale.RepairIDs); err != nil {
		return domain.Sale{}, fmt.Errorf("decode repair ids of %s: %w", sale.ID, err)
	}
	if err := json.Unmarshal(payments, &sale.Payments); err != nil {
		return domain.Sale{}, fmt.Errorf("decode payments of %s: %w", sale.ID, err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	// column is one of two fixed identifiers, never user input
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := s.saleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) saleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, name, quantity, unit_price, unit_cost, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := rows.Scan(&saleID, &item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice, &item.UnitCost, &item.LineTotal); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], item)
	}
	return result, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	items, err := s.saleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

const repairColumns = `id, COALESCE(customer_id, ''), device, issue, status, estimated_cost, final_cost,
	COALESCE(sale_id, ''), delivered_at, created_at, updated_at`

func scanRepair(row rowScanner) (domain.Repair, error) {
	var r domain.Repair
	var finalCost decimal.NullDecimal
	var deliveredAt sql.NullTime
	err := row.Scan(&r.ID, &r.CustomerID, &r.Device, &r.Issue, &r.Status, &r.EstimatedCost, &finalCost,
		&r.SaleID, &deliveredAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Repair{}, err
	}
	if finalCost.Valid {
		f := finalCost.Decimal
		r.FinalCost = &f
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		r.DeliveredAt = &at
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) CreateRepair(ctx context.Context, repair domain.Repair) (*domain.Repair, error) {
	if repair.ID == "" {
		repair.ID = xid.New("rep")
	}
	now := time.Now().UTC()
	repair.CreatedAt = now
	repair.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repairs (id, customer_id, device, issue, status, estimated_cost, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, repair.ID, nullIfEmpty(repair.CustomerID), repair.Device, repair.Issue, repair.Status, repair.EstimatedCost, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("customer %s: %w", repair.CustomerID, store.ErrNotFound)
		}
		return nil, err
	}
	return &repair, nil
}

func (s *Store) GetRepair(ctx context.Context, id string) (*domain.Repair, error) {
	r, err := scanRepair(s.db.QueryRowContext(ctx, `SELECT `+repairColumns+` FROM repairs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRepairs(ctx context.Context, status string, limit int) ([]domain.Repair, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+repairColumns+`
		FROM repairs
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repairs := make([]domain.Repair, 0, 16)
	for rows.Next() {
		r, err := scanRepair(rows)
		if err != nil {
			return nil, err
		}
		repairs = append(repairs, r)
	}
	return repairs, rows.Err()
}

func (s *Store) UpdateRepairStatus(ctx context.Context, id string, status string, saleID string, at time.Time) error {
	var delivered any
	if status == domain.RepairStatusDelivered {
		delivered = at
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE repairs
		SET status = $2,
			sale_id = COALESCE($3, sale_id),
			delivered_at = COALESCE($4, delivered_at),
			updated_at = $5
		WHERE id = $1
	`, id, status, nullIfEmpty(saleID), delivered, at)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetRepairFinalCost(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repairs SET final_cost = $2, updated_at = now() WHERE id = $1
	`, id, amount)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) LinkRepairToSale(ctx context.Context, id string, saleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repairs SET sale_id = $2, updated_at = now()
		WHERE id = $1 AND (sale_id IS NULL OR sale_id = $2)
	`, id, saleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	var current sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT sale_id FROM repairs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("repair %s already charged on sale %s: %w", id, current.String, store.ErrDuplicate)
}

const registerColumns = `id, terminal_id, opened_by, opening_float, closing_cash, status, opened_at, closed_at`

func scanRegister(row rowScanner) (domain.Register, error) {
	var r domain.Register
	var closing decimal.NullDecimal
	var closedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TerminalID, &r.OpenedBy, &r.OpeningFloat, &closing, &r.Status, &r.OpenedAt, &closedAt); err != nil {
		return domain.Register{}, err
	}
	if closing.Valid {
		c := closing.Decimal
		r.ClosingCash = &c
	}
	r.OpenedAt = r.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		r.ClosedAt = &at
	}
	return r, nil
}

func (s *Store) OpenRegister(ctx context.Context, register domain.Register) (*domain.Register, error) {
	if strings.TrimSpace(register.TerminalID) == "" {
		return nil, domain.Invalid("terminal_id", "is required")
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if register.OpenedAt.IsZero() {
		register.OpenedAt = time.Now().UTC()
	}
	register.Status = domain.RegisterStatusOpen
	register.ClosedAt = nil
	register.ClosingCash = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registers (id, terminal_id, opened_by, opening_float, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, register.ID, register.TerminalID, register.OpenedBy, register.OpeningFloat, register.Status, register.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("register on terminal %s: %w", register.TerminalID, store.ErrDuplicate)
		}
		return nil, err
	}
	return &register, nil
}

func (s *Store) CloseRegister(ctx context.Context, terminalID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.Register, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	r, err := scanRegister(s.db.QueryRowContext(ctx, `
		UPDATE registers
		SET status = 'closed', closing_cash = $2, closed_at = $3
		WHERE terminal_id = $1 AND status = 'open'
		RETURNING `+registerColumns, terminalID, closingCash, closedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetOpenRegister(ctx context.Context, terminalID string) (*domain.Register, error) {
	r, err := scanRegister(s.db.QueryRowContext(ctx, `
		SELECT `+registerColumns+`
		FROM registers
		WHERE terminal_id = $1 AND status = 'open'
	`, terminalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.Invalid("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.Invalid("password", "username and password are required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
