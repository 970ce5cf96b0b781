package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdesk/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateSerial   = errors.New("duplicate invoice serial")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrReferenced        = errors.New("still referenced")
	ErrInvalidQuantity   = errors.New("quantity out of range")
)

// InvoiceFilter narrows invoice reads. Zero values mean "no constraint".
type InvoiceFilter struct {
	CustomerID string
	UserID     string
	From       time.Time
	To         time.Time
	Limit      int
}

// JournalFilter narrows journal reads. Entries are returned oldest first.
type JournalFilter struct {
	CustomerID string
	From       time.Time
	To         time.Time
	Limit      int
}

// Repository is the storage collaborator. Reads run outside any unit of work;
// every ledger mutation goes through WithTx.
type Repository interface {
	// WithTx runs fn in one unit of work. A nil return commits; anything else
	// rolls back every write fn made.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductStock(ctx context.Context, id string, qty int) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListCustomers(ctx context.Context, ownerID string) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]domain.Invoice, error)
	SummarizeInvoices(ctx context.Context, filter InvoiceFilter) (domain.LedgerTotals, error)
	ListJournalEntries(ctx context.Context, filter JournalFilter) ([]domain.JournalEntry, error)
	GetJournalEntry(ctx context.Context, id string) (*domain.JournalEntry, error)

	CreatePurchaseRequest(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseRequest, error)
	ListPurchaseRequests(ctx context.Context, limit int) ([]domain.PurchaseRequest, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetUser(ctx context.Context, id string) (*domain.UserAccount, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the handle a unit of work receives. Stock and debt are only ever
// changed through DecrementStock and AddCustomerDebt, both of which are
// single conditional or incremental statements.
type Tx interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	FindCustomerByName(ctx context.Context, ownerID string, name string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	AddCustomerDebt(ctx context.Context, customerID string, delta decimal.Decimal) error

	// LockProducts returns the requested products keyed by id, locked against
	// concurrent stock changes until the unit ends. Missing ids are absent.
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	FindProductByName(ctx context.Context, name string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DecrementStock(ctx context.Context, productID string, qty int) error

	SerialExists(ctx context.Context, serial string) (bool, error)
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
	GetInvoiceForUpdate(ctx context.Context, id string) (*domain.Invoice, error)
	UpdateInvoiceCollection(ctx context.Context, id string, collection, balance decimal.Decimal) error

	InsertJournalEntry(ctx context.Context, entry domain.JournalEntry) error
	GetJournalEntryForUpdate(ctx context.Context, id string) (*domain.JournalEntry, error)
	UpdateJournalCollection(ctx context.Context, id string, collection, balance decimal.Decimal) error

	ListCustomerInvoices(ctx context.Context, customerID string) ([]domain.Invoice, error)

	// WipeLedger deletes every invoice, item and journal entry and zeroes all
	// customer debts.
	WipeLedger(ctx context.Context) error
}
