package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/money"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/xid"
)

// ledgerState holds everything a unit of work may touch. WithTx works on a
// copy and swaps it in on success, so a failed unit leaves no trace.
type ledgerState struct {
	products  map[string]domain.Product
	customers map[string]domain.Customer
	invoices  map[string]domain.Invoice
	serials   map[string]string
	journals  map[string]domain.JournalEntry
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		invoices:  make(map[string]domain.Invoice),
		serials:   make(map[string]string),
		journals:  make(map[string]domain.JournalEntry),
	}
}

func (l *ledgerState) clone() *ledgerState {
	return &ledgerState{
		products:  cloneMap(l.products),
		customers: cloneMap(l.customers),
		invoices:  cloneMap(l.invoices),
		serials:   cloneMap(l.serials),
		journals:  cloneMap(l.journals),
	}
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Store struct {
	mu               sync.RWMutex
	ledger           *ledgerState
	usersByID        map[string]domain.UserAccount
	purchaseRequests []domain.PurchaseRequest
	auditLogs        []domain.AuditLog
}

// New returns an empty store with no users.
func New() *Store {
	return &Store{
		ledger:           newLedgerState(),
		usersByID:        make(map[string]domain.UserAccount),
		purchaseRequests: make([]domain.PurchaseRequest, 0, 16),
		auditLogs:        make([]domain.AuditLog, 0, 128),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_EMPLOYEE_PASSWORD; unset variables fall back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		logrus.Warn("memory store is using default dev credentials, set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id       string
		username string
		name     string
		password string
		role     string
	}{
		{"usr-admin", "admin", "Administrator", adminPwd, domain.RoleAdmin},
		{"usr-manager", "manager", "Sales Manager", managerPwd, domain.RoleManager},
		{"usr-employee", "employee", "Field Rep", employeePwd, domain.RoleEmployee},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.Fatalf("hash seed password for %s: %v", u.username, err)
		}
		users[u.id] = domain.UserAccount{
			ID:        u.id,
			Username:  u.username,
			Name:      u.name,
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

// NewSeeded returns a store with demo users, two products and one customer
// owned by the seeded employee.
func NewSeeded() *Store {
	s := New()
	s.usersByID = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd-water", Name: "Mineral Water 1.5L", Capacity: "1.5L", Price: decimal.NewFromInt(100), StockQty: 10},
		{ID: "prd-oil", Name: "Olive Oil 1L", Capacity: "1L", Price: decimal.NewFromInt(250), StockQty: 5},
	} {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.ledger.products[p.ID] = p
	}
	s.ledger.customers["cus-acme"] = domain.Customer{
		ID:        "cus-acme",
		Name:      "Acme Trading",
		OwnerID:   "usr-employee",
		TotalDebt: decimal.Zero,
		CreatedAt: now,
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.ledger.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ledger = work
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.ledger.products))
	for _, p := range s.ledger.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.ledger.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var created *domain.Product
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = tx.CreateProduct(ctx, product)
		return err
	})
	return created, err
}

func (s *Store) SetProductStock(_ context.Context, id string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, store.ErrInsufficientStock
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.ledger.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.StockQty = qty
	p.UpdatedAt = time.Now().UTC()
	s.ledger.products[id] = p
	return &p, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledger.products[id]; !ok {
		return store.ErrNotFound
	}
	for _, inv := range s.ledger.invoices {
		for _, item := range inv.Items {
			if item.ProductID == id {
				return store.ErrReferenced
			}
		}
	}
	delete(s.ledger.products, id)
	return nil
}

func (s *Store) ListCustomers(_ context.Context, ownerID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Customer, 0, len(s.ledger.customers))
	for _, c := range s.ledger.customers {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Customer) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.ledger.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	var created *domain.Customer
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = tx.CreateCustomer(ctx, customer)
		return err
	})
	return created, err
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.ledger.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv = cloneInvoice(inv)
	return &inv, nil
}

func (s *Store) ListInvoices(_ context.Context, filter store.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filterInvoices(filter)
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SummarizeInvoices(_ context.Context, filter store.InvoiceFilter) (domain.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.LedgerTotals{Sales: decimal.Zero, Collections: decimal.Zero, Balances: decimal.Zero}
	for _, inv := range s.filterInvoices(filter) {
		totals.Count++
		totals.Sales = totals.Sales.Add(inv.Total)
		totals.Collections = totals.Collections.Add(inv.Collection)
		totals.Balances = totals.Balances.Add(inv.Balance)
	}
	return totals, nil
}

func (s *Store) filterInvoices(filter store.InvoiceFilter) []domain.Invoice {
	out := make([]domain.Invoice, 0, 32)
	for _, inv := range s.ledger.invoices {
		if filter.CustomerID != "" && inv.CustomerID != filter.CustomerID {
			continue
		}
		if filter.UserID != "" && inv.UserID != filter.UserID {
			continue
		}
		if !inRange(inv.Date, filter.From, filter.To) {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	return out
}

func (s *Store) ListJournalEntries(_ context.Context, filter store.JournalFilter) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.JournalEntry, 0, 32)
	for _, entry := range s.ledger.journals {
		if filter.CustomerID != "" && entry.CustomerID != filter.CustomerID {
			continue
		}
		if !inRange(entry.Date, filter.From, filter.To) {
			continue
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b domain.JournalEntry) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetJournalEntry(_ context.Context, id string) (*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger.journals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (s *Store) CreatePurchaseRequest(_ context.Context, req domain.PurchaseRequest) (*domain.PurchaseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = xid.New("preq")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Items = slices.Clone(req.Items)
	s.purchaseRequests = append(s.purchaseRequests, req)
	return &req, nil
}

func (s *Store) ListPurchaseRequests(_ context.Context, limit int) ([]domain.PurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PurchaseRequest, 0, len(s.purchaseRequests))
	for i := len(s.purchaseRequests) - 1; i >= 0; i-- {
		out = append(out, s.purchaseRequests[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
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

	out := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !inRange(entry.CreatedAt, from, to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.usersByID {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.usersByID {
		if strings.EqualFold(existing.Username, user.Username) {
			return store.ErrDuplicateName
		}
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByID[user.ID] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.usersByID {
		if strings.EqualFold(u.Username, username) {
			u.Password = password
			s.usersByID[id] = u
			return nil
		}
	}
	return store.ErrNotFound
}

// memTx is only used while Store.mu is held for writing.
type memTx struct {
	st *ledgerState
}

func (t *memTx) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	c, ok := t.st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) FindCustomerByName(_ context.Context, ownerID string, name string) (*domain.Customer, error) {
	for _, c := range t.st.customers {
		if c.OwnerID == ownerID && c.Name == name {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := t.st.customers[customer.ID]; exists {
		return nil, store.ErrDuplicateName
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.TotalDebt = money.Normalize(customer.TotalDebt)
	t.st.customers[customer.ID] = customer
	return &customer, nil
}

func (t *memTx) AddCustomerDebt(_ context.Context, customerID string, delta decimal.Decimal) error {
	c, ok := t.st.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	c.TotalDebt = c.TotalDebt.Add(delta)
	t.st.customers[customerID] = c
	return nil
}

func (t *memTx) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) FindProductByName(_ context.Context, name string) (*domain.Product, error) {
	for _, p := range t.st.products {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.StockQty < 0 {
		return nil, store.ErrInsufficientStock
	}
	for _, existing := range t.st.products {
		if existing.Name == product.Name {
			return nil, store.ErrDuplicateName
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Price = money.Normalize(product.Price)
	product.CreatedAt = now
	product.UpdatedAt = now
	t.st.products[product.ID] = product
	return &product, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 || qty > money.MaxQuantity {
		return store.ErrInvalidQuantity
	}
	p, ok := t.st.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	if p.StockQty < qty {
		return store.ErrInsufficientStock
	}
	p.StockQty -= qty
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) SerialExists(_ context.Context, serial string) (bool, error) {
	_, ok := t.st.serials[serial]
	return ok, nil
}

func (t *memTx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	if _, taken := t.st.serials[invoice.Serial]; taken {
		return store.ErrDuplicateSerial
	}
	if _, ok := t.st.customers[invoice.CustomerID]; !ok {
		return store.ErrNotFound
	}
	for _, item := range invoice.Items {
		if _, ok := t.st.products[item.ProductID]; !ok {
			return store.ErrNotFound
		}
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	invoice = cloneInvoice(invoice)
	t.st.invoices[invoice.ID] = invoice
	t.st.serials[invoice.Serial] = invoice.ID
	return nil
}

func (t *memTx) GetInvoiceForUpdate(_ context.Context, id string) (*domain.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv = cloneInvoice(inv)
	return &inv, nil
}

func (t *memTx) UpdateInvoiceCollection(_ context.Context, id string, collection, balance decimal.Decimal) error {
	inv, ok := t.st.invoices[id]
	if !ok {
		return store.ErrNotFound
	}
	inv.Collection = collection
	inv.Balance = balance
	t.st.invoices[id] = inv
	return nil
}

func (t *memTx) InsertJournalEntry(_ context.Context, entry domain.JournalEntry) error {
	if entry.InvoiceID != "" {
		if _, ok := t.st.invoices[entry.InvoiceID]; !ok {
			return store.ErrNotFound
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.st.journals[entry.ID] = entry
	return nil
}

func (t *memTx) GetJournalEntryForUpdate(_ context.Context, id string) (*domain.JournalEntry, error) {
	entry, ok := t.st.journals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (t *memTx) UpdateJournalCollection(_ context.Context, id string, collection, balance decimal.Decimal) error {
	entry, ok := t.st.journals[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Collection = collection
	entry.Balance = balance
	t.st.journals[id] = entry
	return nil
}

func (t *memTx) ListCustomerInvoices(_ context.Context, customerID string) ([]domain.Invoice, error) {
	out := make([]domain.Invoice, 0, 16)
	for _, inv := range t.st.invoices {
		if inv.CustomerID == customerID {
			out = append(out, cloneInvoice(inv))
		}
	}
	return out, nil
}

func (t *memTx) WipeLedger(_ context.Context) error {
	t.st.invoices = make(map[string]domain.Invoice)
	t.st.serials = make(map[string]string)
	t.st.journals = make(map[string]domain.JournalEntry)
	for id, c := range t.st.customers {
		c.TotalDebt = decimal.Zero
		t.st.customers[id] = c
	}
	return nil
}

func cloneInvoice(inv domain.Invoice) domain.Invoice {
	inv.Items = slices.Clone(inv.Items)
	return inv
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}
