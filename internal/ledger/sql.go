package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the DDL flavour. Queries themselves are portable.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite3"
)

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenMySQL opens a pooled MySQL connection. parseTime is forced on so
// DATETIME columns scan into time.Time.
func OpenMySQL(dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewSQLStore(db, DialectMySQL), nil
}

// OpenSQLite opens a file-backed or ":memory:" SQLite ledger for local
// runs and tests. A single connection keeps ":memory:" databases shared.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return NewSQLStore(db, DialectSQLite), nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the ledger tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	ts := "DATETIME(6)"
	text := "TEXT"
	if d == DialectSQLite {
		ts = "DATETIME"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(36) PRIMARY KEY,
			store_id VARCHAR(64) NOT NULL,
			order_id VARCHAR(36) NULL,
			amount BIGINT NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			provider_transaction_id VARCHAR(128) NULL,
			customer_email VARCHAR(255) NOT NULL DEFAULT '',
			customer_name VARCHAR(255) NOT NULL DEFAULT '',
			customer_phone VARCHAR(32) NOT NULL DEFAULT '',
			metadata ` + text + ` NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			completed_at ` + ts + ` NULL,
			failed_at ` + ts + ` NULL,
			refunded_at ` + ts + ` NULL,
			cancelled_at ` + ts + ` NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			store_id VARCHAR(64) NOT NULL,
			customer_id VARCHAR(64) NOT NULL,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			subtotal BIGINT NOT NULL,
			tax BIGINT NOT NULL,
			shipping BIGINT NOT NULL,
			discount BIGINT NOT NULL,
			total_amount BIGINT NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			payment_status VARCHAR(16) NOT NULL,
			shipping_address ` + text + ` NULL,
			metadata ` + text + ` NULL,
			transaction_id VARCHAR(36) NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id VARCHAR(36) PRIMARY KEY,
			order_id VARCHAR(36) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			store_id VARCHAR(64) NOT NULL,
			quantity INT NOT NULL,
			unit_price BIGINT NOT NULL,
			total BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_logs (
			id VARCHAR(36) PRIMARY KEY,
			transaction_id VARCHAR(36) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			request ` + text + ` NULL,
			response ` + text + ` NULL,
			error ` + text + ` NULL,
			created_at ` + ts + ` NOT NULL
		)`,
	}
	if d == DialectSQLite {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_tx_provider ON transactions (provider, provider_transaction_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tx_created ON transactions (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_items_order ON order_items (order_id)`,
			`CREATE INDEX IF NOT EXISTS idx_logs_tx ON transaction_logs (transaction_id)`,
		)
	} else {
		// MySQL has no CREATE INDEX IF NOT EXISTS; keep indexes inline.
		stmts[0] = strings.Replace(stmts[0], "cancelled_at "+ts+" NULL\n",
			"cancelled_at "+ts+" NULL,\n\t\t\tINDEX idx_tx_provider (provider, provider_transaction_id),\n\t\t\tINDEX idx_tx_created (created_at)\n", 1)
		stmts[2] = strings.Replace(stmts[2], "total BIGINT NOT NULL\n",
			"total BIGINT NOT NULL,\n\t\t\tINDEX idx_items_order (order_id)\n", 1)
		stmts[3] = strings.Replace(stmts[3], "created_at "+ts+" NOT NULL\n",
			"created_at "+ts+" NOT NULL,\n\t\t\tINDEX idx_logs_tx (transaction_id)\n", 1)
	}
	return stmts
}

const txColumns = `id, store_id, order_id, amount, currency, status, provider, provider_transaction_id,
	customer_email, customer_name, customer_phone, metadata, created_at, updated_at,
	completed_at, failed_at, refunded_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func encodeJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                              Transaction
		orderID, providerTxnID, meta   sql.NullString
		completed, failed, refunded, c sql.NullTime
		status                         string
	)
	err := row.Scan(&t.ID, &t.StoreID, &orderID, &t.Amount, &t.Currency, &status, &t.Provider, &providerTxnID,
		&t.CustomerEmail, &t.CustomerName, &t.CustomerPhone, &meta, &t.CreatedAt, &t.UpdatedAt,
		&completed, &failed, &refunded, &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = Status(status)
	t.OrderID = stringPtr(orderID)
	t.ProviderTransactionID = stringPtr(providerTxnID)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.CompletedAt = timePtr(completed)
	t.FailedAt = timePtr(failed)
	t.RefundedAt = timePtr(refunded)
	t.CancelledAt = timePtr(c)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StoreID, nullString(t.OrderID), t.Amount, t.Currency, string(t.Status), t.Provider,
		nullString(t.ProviderTransactionID), t.CustomerEmail, t.CustomerName, t.CustomerPhone, meta,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		nullTime(t.CompletedAt), nullTime(t.FailedAt), nullTime(t.RefundedAt), nullTime(t.CancelledAt))
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
}

func (s *SQLStore) GetTransactionByProviderID(ctx context.Context, provider, providerTxnID string) (*Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE provider = ? AND provider_transaction_id = ?`,
		provider, providerTxnID))
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// UpdateTransaction reads, applies and writes back inside one database
// transaction so concurrent updates serialize on the row.
func (s *SQLStore) UpdateTransaction(ctx context.Context, id string, u TransactionUpdate) (*Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	t, err := scanTransaction(dbtx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`+s.forUpdate(), id))
	if err != nil {
		return nil, err
	}
	if err := u.Apply(t); err != nil {
		return nil, err
	}
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = dbtx.ExecContext(ctx, `UPDATE transactions SET
			order_id = ?, amount = ?, currency = ?, status = ?, provider_transaction_id = ?, metadata = ?,
			updated_at = ?, completed_at = ?, failed_at = ?, refunded_at = ?, cancelled_at = ?
		WHERE id = ?`,
		nullString(t.OrderID), t.Amount, t.Currency, string(t.Status), nullString(t.ProviderTransactionID), meta,
		t.UpdatedAt.UTC(), nullTime(t.CompletedAt), nullTime(t.FailedAt), nullTime(t.RefundedAt), nullTime(t.CancelledAt),
		id)
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", id, err)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendLog(ctx context.Context, e *LogEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO transaction_logs
			(id, transaction_id, event_type, status, request, response, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TransactionID, e.EventType, string(e.Status), e.Request, e.Response, e.Error, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append log for %s: %w", e.TransactionID, err)
	}
	return nil
}

func (s *SQLStore) ListLogs(ctx context.Context, transactionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, transaction_id, event_type, status, request, response, error, created_at
		FROM transaction_logs WHERE transaction_id = ? ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var (
			e                    LogEntry
			status               string
			req, resp, errorText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.EventType, &status, &req, &resp, &errorText, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Request, e.Response, e.Error = req.String, resp.String, errorText.String
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

const orderColumns = `id, store_id, customer_id, order_number, subtotal, tax, shipping, discount, total_amount,
	currency, status, payment_status, shipping_address, metadata, transaction_id, created_at, updated_at`

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o                    Order
		status, payStatus    string
		address, meta, txnID sql.NullString
	)
	err := row.Scan(&o.ID, &o.StoreID, &o.CustomerID, &o.OrderNumber, &o.Subtotal, &o.Tax, &o.Shipping, &o.Discount,
		&o.TotalAmount, &o.Currency, &status, &payStatus, &address, &meta, &txnID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.PaymentStatus = Status(payStatus)
	o.TransactionID = stringPtr(txnID)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if address.Valid && address.String != "" {
		if err := json.Unmarshal([]byte(address.String), &o.ShippingAddress); err != nil {
			return nil, err
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &o.Metadata); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func (s *SQLStore) CreateOrder(ctx context.Context, o *Order) error {
	address, err := encodeJSON(o.ShippingAddress)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(o.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.StoreID, o.CustomerID, o.OrderNumber, o.Subtotal, o.Tax, o.Shipping, o.Discount, o.TotalAmount,
		o.Currency, string(o.Status), string(o.PaymentStatus), address, meta, nullString(o.TransactionID),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.OrderNumber, err)
	}
	return nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

func (s *SQLStore) UpdateOrder(ctx context.Context, id string, u OrderUpdate) (*Order, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	o, err := scanOrder(dbtx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+s.forUpdate(), id))
	if err != nil {
		return nil, err
	}
	u.Apply(o)
	_, err = dbtx.ExecContext(ctx, `UPDATE orders SET status = ?, payment_status = ?, transaction_id = ?, updated_at = ?
		WHERE id = ?`, string(o.Status), string(o.PaymentStatus), nullString(o.TransactionID), o.UpdatedAt.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// DeleteOrder removes an order and its items in one database transaction.
func (s *SQLStore) DeleteOrder(ctx context.Context, id string) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = ?`, id); err != nil {
		return fmt.Errorf("delete items of order %s: %w", id, err)
	}
	res, err := dbtx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return dbtx.Commit()
}

func (s *SQLStore) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE order_number = ?`, number).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateOrderItems inserts all items atomically: either every row lands
// or none does.
func (s *SQLStore) CreateOrderItems(ctx context.Context, items []*OrderItem) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, `INSERT INTO order_items
		(id, order_id, product_id, store_id, quantity, unit_price, total) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.OrderID, it.ProductID, it.StoreID, it.Quantity, it.UnitPrice, it.Total); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return dbtx.Commit()
}

func (s *SQLStore) ListOrderItems(ctx context.Context, orderID string) ([]*OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, order_id, product_id, store_id, quantity, unit_price, total
		FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.StoreID, &it.Quantity, &it.UnitPrice, &it.Total); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}
