package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin     = "ADMIN"
	RoleManager   = "MANAGER"
	RoleEmployee  = "EMPLOYEE"
	RoleRequester = "REQUESTER"
)

// InvoiceKind separates goods sales from pure cash collections. Only the kind
// decides how an invoice contributes to its customer's debt.
type InvoiceKind string

const (
	KindSale       InvoiceKind = "sale"
	KindCollection InvoiceKind = "collection"
)

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Capacity  string          `json:"capacity"`
	Price     decimal.Decimal `json:"price"`
	StockQty  int             `json:"stock_qty"`
	Notes     string          `json:"notes,omitempty"`
	ImageURL  string          `json:"image_url,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name     string          `json:"name" validate:"required,max=200"`
	Capacity string          `json:"capacity" validate:"max=100"`
	Price    decimal.Decimal `json:"price"`
	StockQty int             `json:"stock_qty" validate:"gte=0,lte=2147483647"`
	Notes    string          `json:"notes" validate:"max=2000"`
	ImageURL string          `json:"image_url" validate:"omitempty,url"`
}

type StockUpdateRequest struct {
	StockQty *int `json:"stock_qty" validate:"required,gte=0,lte=2147483647"`
}

type Customer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	OwnerID   string          `json:"owner_id"`
	TotalDebt decimal.Decimal `json:"total_debt"`
	CreatedAt time.Time       `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone" validate:"max=40"`
	OwnerID string `json:"owner_id"`
}

type InvoiceItem struct {
	ID        string          `json:"id"`
	InvoiceID string          `json:"invoice_id"`
	ProductID string          `json:"product_id"`
	Capacity  string          `json:"capacity"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Total     decimal.Decimal `json:"total"`
}

type Invoice struct {
	ID         string          `json:"id"`
	Serial     string          `json:"serial"`
	Date       time.Time       `json:"date"`
	CustomerID string          `json:"customer_id"`
	UserID     string          `json:"user_id"`
	Kind       InvoiceKind     `json:"kind"`
	Total      decimal.Decimal `json:"total"`
	Collection decimal.Decimal `json:"collection"`
	Balance    decimal.Decimal `json:"balance"`
	Items      []InvoiceItem   `json:"items"`
	CreatedAt  time.Time       `json:"created_at"`
}

type JournalEntry struct {
	ID         string          `json:"id"`
	InvoiceID  string          `json:"invoice_id,omitempty"`
	Date       time.Time       `json:"date"`
	UserID     string          `json:"user_id"`
	CustomerID string          `json:"customer_id"`
	Total      decimal.Decimal `json:"total"`
	Collection decimal.Decimal `json:"collection"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
}

type InvoiceLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=2147483647"`
}

// CreateInvoiceRequest is the write payload. Total is only read when Items is
// empty, which is how collection-only postings are made.
type CreateInvoiceRequest struct {
	Serial     string               `json:"serial" validate:"required,max=64"`
	Date       *time.Time           `json:"date,omitempty"`
	CustomerID string               `json:"customer_id" validate:"required"`
	Collection decimal.Decimal      `json:"collection"`
	Total      decimal.Decimal      `json:"total"`
	Items      []InvoiceLineRequest `json:"items" validate:"dive"`
}

type CreateInvoiceResponse struct {
	InvoiceID  string          `json:"invoice_id"`
	Serial     string          `json:"serial"`
	Total      decimal.Decimal `json:"total"`
	Balance    decimal.Decimal `json:"balance"`
	Collection decimal.Decimal `json:"collection"`
}

type InvoicePreviewLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Capacity  string          `json:"capacity"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Total     decimal.Decimal `json:"total"`
}

type InvoicePreview struct {
	Lines      []InvoicePreviewLine `json:"lines"`
	Total      decimal.Decimal      `json:"total"`
	Collection decimal.Decimal      `json:"collection"`
	Balance    decimal.Decimal      `json:"balance"`
}

type JournalPatchRequest struct {
	Collection *decimal.Decimal `json:"collection"`
}

// LedgerTotals aggregates a set of invoices or journal entries.
type LedgerTotals struct {
	Count       int             `json:"count"`
	Sales       decimal.Decimal `json:"sales"`
	Collections decimal.Decimal `json:"collections"`
	Balances    decimal.Decimal `json:"balances"`
}

type CustomerSummary struct {
	Customer Customer     `json:"customer"`
	Invoices []Invoice    `json:"invoices"`
	Totals   LedgerTotals `json:"totals"`
}

type RepSummary struct {
	Rep       UserProfile  `json:"rep"`
	Invoices  []Invoice    `json:"invoices"`
	Totals    LedgerTotals `json:"totals"`
	Customers []Customer   `json:"customers"`
}

type JournalReport struct {
	Customer *Customer      `json:"customer,omitempty"`
	Entries  []JournalEntry `json:"entries"`
	Totals   LedgerTotals   `json:"totals"`
}

// DebtCheck compares a stored running debt with a full recomputation.
type DebtCheck struct {
	CustomerID string          `json:"customer_id"`
	Stored     decimal.Decimal `json:"stored"`
	Computed   decimal.Decimal `json:"computed"`
	Consistent bool            `json:"consistent"`
}

type PurchaseRequestItem struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	PriceAtRequest decimal.Decimal `json:"price_at_request"`
}

type PurchaseRequest struct {
	ID          string                `json:"id"`
	RequesterID string                `json:"requester_id"`
	Note        string                `json:"note,omitempty"`
	Items       []PurchaseRequestItem `json:"items"`
	CreatedAt   time.Time             `json:"created_at"`
}

type PurchaseRequestCreate struct {
	Name  string               `json:"name" validate:"required,max=200"`
	Email string               `json:"email" validate:"required,email"`
	Phone string               `json:"phone" validate:"max=40"`
	Note  string               `json:"note" validate:"max=2000"`
	Items []InvoiceLineRequest `json:"items" validate:"required,min=1,dive"`
}

type ImportResult struct {
	Created int              `json:"created"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Errors  []ImportRowError `json:"errors,omitempty"`
}

type ImportRowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

// HasRole reports whether the actor carries any of roles.
func (a Actor) HasRole(roles ...string) bool {
	for _, role := range roles {
		if a.Role == role {
			return true
		}
	}
	return false
}

type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Name      string
	Email     string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

func (u UserAccount) Profile() UserProfile {
	return UserProfile{ID: u.ID, Username: u.Username, Name: u.Name, Role: u.Role}
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUserID   string    `json:"actor_user_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
