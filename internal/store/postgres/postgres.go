package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/money"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *sql.DB and *sql.Tx so reads can be shared
// between plain calls and units of work.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

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
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// WithTx runs fn at READ COMMITTED. Stock and debt stay correct at that level
// because products are locked FOR UPDATE and both counters only change through
// single conditional or incremental UPDATEs.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

const productColumns = `id, name, capacity, price, stock_qty, notes, image_url, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Capacity, &p.Price, &p.StockQty, &p.Notes, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
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

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	return createProduct(ctx, s.db, product)
}

func createProduct(ctx context.Context, q queryer, product domain.Product) (*domain.Product, error) {
	if product.StockQty < 0 {
		return nil, store.ErrInsufficientStock
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Price = money.Normalize(product.Price)
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, product.Capacity, product.Price, product.StockQty, product.Notes, product.ImageURL, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &product, nil
}

func (s *Store) SetProductStock(ctx context.Context, id string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, store.ErrInsufficientStock
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products SET stock_qty = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, qty))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if pgCode(err) == "23503" {
			return store.ErrReferenced
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const customerColumns = `id, name, email, phone, owner_id, total_debt, created_at`

func scanCustomer(row interface{ Scan(...any) error }) (domain.Customer, error) {
	var (
		c     domain.Customer
		email sql.NullString
		phone sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &email, &phone, &c.OwnerID, &c.TotalDebt, &c.CreatedAt)
	c.Email = email.String
	c.Phone = phone.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

func (s *Store) ListCustomers(ctx context.Context, ownerID string) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY name, created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, q queryer, id string) (*domain.Customer, error) {
	c, err := scanCustomer(q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	return createCustomer(ctx, s.db, customer)
}

func createCustomer(ctx context.Context, q queryer, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.TotalDebt = money.Normalize(customer.TotalDebt)

	_, err := q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Email), nullIfEmpty(customer.Phone), customer.OwnerID, customer.TotalDebt, customer.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &customer, nil
}

const invoiceColumns = `id, serial, date, customer_id, user_id, kind, total, collection, balance, created_at`

func scanInvoice(row interface{ Scan(...any) error }) (domain.Invoice, error) {
	var (
		inv  domain.Invoice
		kind string
	)
	err := row.Scan(&inv.ID, &inv.Serial, &inv.Date, &inv.CustomerID, &inv.UserID, &kind, &inv.Total, &inv.Collection, &inv.Balance, &inv.CreatedAt)
	inv.Kind = domain.InvoiceKind(kind)
	inv.Date = inv.Date.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	return inv, err
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return getInvoice(ctx, s.db, id, false)
}

func getInvoice(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoices := []domain.Invoice{inv}
	if err := attachItems(ctx, q, invoices); err != nil {
		return nil, err
	}
	return &invoices[0], nil
}

// attachItems loads the items of every invoice in one query.
func attachItems(ctx context.Context, q queryer, invoices []domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]string, 0, len(invoices))
	index := make(map[string]int, len(invoices))
	for i, inv := range invoices {
		ids = append(ids, inv.ID)
		index[inv.ID] = i
		invoices[i].Items = make([]domain.InvoiceItem, 0, 4)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, capacity, price, quantity, total
		FROM invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.ProductID, &item.Capacity, &item.Price, &item.Quantity, &item.Total); err != nil {
			return err
		}
		i := index[item.InvoiceID]
		invoices[i].Items = append(invoices[i].Items, item)
	}
	return rows.Err()
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func invoiceWhere(filter store.InvoiceFilter) *where {
	w := &where{}
	if filter.CustomerID != "" {
		w.add("customer_id = $%d", filter.CustomerID)
	}
	if filter.UserID != "" {
		w.add("user_id = $%d", filter.UserID)
	}
	if !filter.From.IsZero() {
		w.add("date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		w.add("date <= $%d", filter.To)
	}
	return w
}

func (s *Store) ListInvoices(ctx context.Context, filter store.InvoiceFilter) ([]domain.Invoice, error) {
	w := invoiceWhere(filter)
	query := `SELECT ` + invoiceColumns + ` FROM invoices` + w.String() + ` ORDER BY date DESC, created_at DESC`
	if filter.Limit > 0 {
		w.args = append(w.args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}
	return listInvoices(ctx, s.db, query, w.args...)
}

func listInvoices(ctx context.Context, q queryer, query string, args ...any) ([]domain.Invoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := attachItems(ctx, q, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) SummarizeInvoices(ctx context.Context, filter store.InvoiceFilter) (domain.LedgerTotals, error) {
	w := invoiceWhere(filter)
	totals := domain.LedgerTotals{}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(total), 0), COALESCE(sum(collection), 0), COALESCE(sum(balance), 0)
		FROM invoices`+w.String(), w.args...).Scan(&totals.Count, &totals.Sales, &totals.Collections, &totals.Balances)
	if err != nil {
		return domain.LedgerTotals{}, err
	}
	return totals, nil
}

const journalColumns = `id, invoice_id, date, user_id, customer_id, total, collection, balance, created_at`

func scanJournal(row interface{ Scan(...any) error }) (domain.JournalEntry, error) {
	var (
		entry     domain.JournalEntry
		invoiceID sql.NullString
	)
	err := row.Scan(&entry.ID, &invoiceID, &entry.Date, &entry.UserID, &entry.CustomerID, &entry.Total, &entry.Collection, &entry.Balance, &entry.CreatedAt)
	entry.InvoiceID = invoiceID.String
	entry.Date = entry.Date.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, err
}

func (s *Store) ListJournalEntries(ctx context.Context, filter store.JournalFilter) ([]domain.JournalEntry, error) {
	w := &where{}
	if filter.CustomerID != "" {
		w.add("customer_id = $%d", filter.CustomerID)
	}
	if !filter.From.IsZero() {
		w.add("date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		w.add("date <= $%d", filter.To)
	}
	query := `SELECT ` + journalColumns + ` FROM journal_entries` + w.String() + ` ORDER BY date ASC, created_at ASC`
	if filter.Limit > 0 {
		w.args = append(w.args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.JournalEntry, 0, 64)
	for rows.Next() {
		entry, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetJournalEntry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return getJournal(ctx, s.db, id, false)
}

func getJournal(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM journal_entries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanJournal(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) CreatePurchaseRequest(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseRequest, error) {
	if req.ID == "" {
		req.ID = xid.New("preq")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO purchase_requests (id, requester_id, note, created_at)
		VALUES ($1,$2,$3,$4)
	`, req.ID, req.RequesterID, req.Note, req.CreatedAt); err != nil {
		return nil, err
	}
	for i := range req.Items {
		if req.Items[i].ID == "" {
			req.Items[i].ID = xid.New("preqi")
		}
		item := req.Items[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_request_items (id, request_id, product_id, quantity, price_at_request)
			VALUES ($1,$2,$3,$4,$5)
		`, item.ID, req.ID, item.ProductID, item.Quantity, money.Normalize(item.PriceAtRequest)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) ListPurchaseRequests(ctx context.Context, limit int) ([]domain.PurchaseRequest, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requester_id, note, created_at
		FROM purchase_requests
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	requests := make([]domain.PurchaseRequest, 0, limit)
	index := map[string]int{}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var req domain.PurchaseRequest
		if err := rows.Scan(&req.ID, &req.RequesterID, &req.Note, &req.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		req.CreatedAt = req.CreatedAt.UTC()
		req.Items = make([]domain.PurchaseRequestItem, 0, 4)
		index[req.ID] = len(requests)
		ids = append(ids, req.ID)
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return requests, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, product_id, quantity, price_at_request
		FROM purchase_request_items
		WHERE request_id = ANY($1)
		ORDER BY request_id, id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var (
			item      domain.PurchaseRequestItem
			requestID string
		)
		if err := itemRows.Scan(&item.ID, &requestID, &item.ProductID, &item.Quantity, &item.PriceAtRequest); err != nil {
			return nil, err
		}
		i := index[requestID]
		requests[i].Items = append(requests[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_user_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ActorUserID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	w := &where{}
	if !from.IsZero() {
		w.add("created_at >= $%d", from)
	}
	if !to.IsZero() {
		w.add("created_at <= $%d", to)
	}
	w.args = append(w.args, limit)
	query := `
		SELECT id, actor_user_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs` + w.String() + fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(w.args))

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUserID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

const userColumns = `id, username, password, name, email, role, active, created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.UserAccount, error) {
	var (
		user  domain.UserAccount
		email sql.NullString
	)
	err := row.Scan(&user.ID, &user.Username, &user.Password, &user.Name, &email, &user.Role, &user.Active, &user.CreatedAt)
	user.Email = email.String
	user.CreatedAt = user.CreatedAt.UTC()
	return user, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.UserAccount, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password, name, email, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, user.ID, user.Username, user.Password, user.Name, nullIfEmpty(user.Email), user.Role, user.Active, user.CreatedAt)
	return translate(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// pgTx is the unit of work handle. All statements run on the same *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id)
}

func (t *pgTx) FindCustomerByName(ctx context.Context, ownerID string, name string) (*domain.Customer, error) {
	c, err := scanCustomer(t.tx.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE owner_id = $1 AND name = $2
		ORDER BY created_at
		LIMIT 1
	`, ownerID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	return createCustomer(ctx, t.tx, customer)
}

func (t *pgTx) AddCustomerDebt(ctx context.Context, customerID string, delta decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers SET total_debt = total_debt + $1 WHERE id = $2
	`, money.Normalize(delta), customerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pgTx) FindProductByName(ctx context.Context, name string) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	return createProduct(ctx, t.tx, product)
}

// DecrementStock is a single conditional UPDATE, so two units can never both
// pass a stale stock check.
func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 || qty > money.MaxQuantity {
		return store.ErrInvalidQuantity
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $1, updated_at = now()
		WHERE id = $2 AND stock_qty >= $1
	`, qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInsufficientStock
}

func (t *pgTx) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE serial = $1)`, serial).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertInvoice(ctx context.Context, invoice domain.Invoice) error {
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	if invoice.Kind == "" {
		invoice.Kind = domain.KindSale
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, invoice.ID, invoice.Serial, invoice.Date, invoice.CustomerID, invoice.UserID, string(invoice.Kind),
		money.Normalize(invoice.Total), money.Normalize(invoice.Collection), money.Normalize(invoice.Balance), invoice.CreatedAt)
	if err != nil {
		return translate(err)
	}

	for _, item := range invoice.Items {
		if item.ID == "" {
			item.ID = xid.New("itm")
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO invoice_items (id, invoice_id, product_id, capacity, price, quantity, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, invoice.ID, item.ProductID, item.Capacity, money.Normalize(item.Price), item.Quantity, money.Normalize(item.Total)); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, id string) (*domain.Invoice, error) {
	return getInvoice(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateInvoiceCollection(ctx context.Context, id string, collection, balance decimal.Decimal) error {
	return t.execOne(ctx, `UPDATE invoices SET collection = $2, balance = $3 WHERE id = $1`, id, money.Normalize(collection), money.Normalize(balance))
}

func (t *pgTx) InsertJournalEntry(ctx context.Context, entry domain.JournalEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO journal_entries (`+journalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.InvoiceID), entry.Date, entry.UserID, entry.CustomerID,
		money.Normalize(entry.Total), money.Normalize(entry.Collection), money.Normalize(entry.Balance), entry.CreatedAt)
	return translate(err)
}

func (t *pgTx) GetJournalEntryForUpdate(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return getJournal(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateJournalCollection(ctx context.Context, id string, collection, balance decimal.Decimal) error {
	return t.execOne(ctx, `UPDATE journal_entries SET collection = $2, balance = $3 WHERE id = $1`, id, money.Normalize(collection), money.Normalize(balance))
}

func (t *pgTx) ListCustomerInvoices(ctx context.Context, customerID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, t.tx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE customer_id = $1
		ORDER BY date, created_at
	`, customerID)
}

// WipeLedger holds every ledger table against writers and row lockers for
// the rest of the unit, so no posting or correction can land between the
// deletes and the debt reset. The lock order matches the order postings,
// corrections and imports write in.
func (t *pgTx) WipeLedger(ctx context.Context) error {
	for _, stmt := range []string{
		`LOCK TABLE invoices, invoice_items, journal_entries, customers IN EXCLUSIVE MODE`,
		`DELETE FROM journal_entries`,
		`DELETE FROM invoice_items`,
		`DELETE FROM invoices`,
		`UPDATE customers SET total_debt = 0`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// translate maps constraint violations onto store errors. Anything else is
// returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == "invoices_serial_key" {
			return store.ErrDuplicateSerial
		}
		return store.ErrDuplicateName
	case "23503":
		// an insert pointing at a missing customer, invoice or product
		return store.ErrNotFound
	case "23514":
		if pgErr.ConstraintName == "products_stock_qty_check" {
			return store.ErrInsufficientStock
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
