// Package ledger owns invoice posting, collection corrections and the
// customer debt they move. Every write happens inside one store unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/money"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/xid"
)

// MaxSerialAttempts bounds serial disambiguation: the requested serial, then
// two random suffixes.
const MaxSerialAttempts = 3

type Ledger struct {
	repo   store.Repository
	log    logrus.FieldLogger
	suffix func() string
	now    func() time.Time
}

type Option func(*Ledger)

// WithSuffix replaces the random serial suffix generator.
func WithSuffix(fn func() string) Option {
	return func(l *Ledger) { l.suffix = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) { l.now = fn }
}

func New(repo store.Repository, log logrus.FieldLogger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		log:    log,
		suffix: randomSuffix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func randomSuffix() string {
	return fmt.Sprintf("%03d", rand.Intn(1000))
}

type PostRequest struct {
	Serial     string
	Date       time.Time
	CustomerID string
	IssuerID   string
	Lines      []Line
	Collection decimal.Decimal
	// Total is only read when Lines is empty.
	Total decimal.Decimal
}

type PostResult struct {
	Invoice domain.Invoice
	Journal domain.JournalEntry
}

// Post turns a request into a stored invoice, its journal mirror, the stock
// decrements and the debt delta, all or nothing. A serial that is already
// taken is retried with a random suffix; each attempt is a fresh unit.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (PostResult, error) {
	base := strings.TrimSpace(req.Serial)
	if base == "" {
		return PostResult{}, apperr.Validation("serial", "is required")
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return PostResult{}, apperr.Validation("customer_id", "is required")
	}
	if req.Date.IsZero() {
		req.Date = l.now()
	}

	candidate := base
	for attempt := 1; attempt <= MaxSerialAttempts; attempt++ {
		var result PostResult
		err := l.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			result, err = l.postInTx(ctx, tx, req, candidate)
			return err
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, store.ErrDuplicateSerial) {
			return PostResult{}, apperr.Persistence("post invoice", err)
		}
		l.log.WithFields(logrus.Fields{"serial": candidate, "attempt": attempt}).Warn("invoice serial taken, retrying")
		candidate = base + "-" + l.suffix()
	}
	return PostResult{}, apperr.Conflict("invoice serial %s is already taken", base)
}

func (l *Ledger) postInTx(ctx context.Context, tx store.Tx, req PostRequest, serial string) (PostResult, error) {
	if _, err := tx.GetCustomer(ctx, req.CustomerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PostResult{}, apperr.NotFound("customer", req.CustomerID)
		}
		return PostResult{}, err
	}

	taken, err := tx.SerialExists(ctx, serial)
	if err != nil {
		return PostResult{}, err
	}
	if taken {
		return PostResult{}, store.ErrDuplicateSerial
	}

	products, err := tx.LockProducts(ctx, sortedIDs(req.Lines))
	if err != nil {
		return PostResult{}, err
	}
	built, err := Build(BuildInput{
		Lines:         req.Lines,
		Collection:    req.Collection,
		SuppliedTotal: req.Total,
		Products:      products,
	})
	if err != nil {
		return PostResult{}, err
	}

	invoice := domain.Invoice{
		ID:         xid.New("inv"),
		Serial:     serial,
		Date:       req.Date,
		CustomerID: req.CustomerID,
		UserID:     req.IssuerID,
		Kind:       domain.KindSale,
		Total:      built.Total,
		Collection: built.Collection,
		Balance:    built.Balance,
		Items:      make([]domain.InvoiceItem, 0, len(built.Lines)),
		CreatedAt:  l.now(),
	}
	for _, line := range built.Lines {
		invoice.Items = append(invoice.Items, domain.InvoiceItem{
			ID:        xid.New("itm"),
			InvoiceID: invoice.ID,
			ProductID: line.Product.ID,
			Capacity:  line.Product.Capacity,
			Price:     line.Price,
			Quantity:  line.Quantity,
			Total:     line.Total,
		})
	}

	if err := tx.InsertInvoice(ctx, invoice); err != nil {
		return PostResult{}, err
	}

	ids, qty := Demand(req.Lines)
	for _, id := range ids {
		if err := tx.DecrementStock(ctx, id, qty[id]); err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				p := products[id]
				return PostResult{}, &apperr.InsufficientStockError{ProductID: id, ProductName: p.Name, Available: p.StockQty, Requested: qty[id]}
			}
			return PostResult{}, err
		}
	}

	journal, err := WriteJournal(ctx, tx, invoice)
	if err != nil {
		return PostResult{}, err
	}

	if err := ApplyDebtDelta(ctx, tx, invoice.CustomerID, invoice.Balance); err != nil {
		return PostResult{}, err
	}
	return PostResult{Invoice: invoice, Journal: journal}, nil
}

// WriteJournal inserts the journal mirror of an already inserted invoice.
func WriteJournal(ctx context.Context, tx store.Tx, invoice domain.Invoice) (domain.JournalEntry, error) {
	entry := domain.JournalEntry{
		ID:         xid.New("jrn"),
		InvoiceID:  invoice.ID,
		Date:       invoice.Date,
		UserID:     invoice.UserID,
		CustomerID: invoice.CustomerID,
		Total:      invoice.Total,
		Collection: invoice.Collection,
		Balance:    invoice.Balance,
		CreatedAt:  invoice.CreatedAt,
	}
	if err := tx.InsertJournalEntry(ctx, entry); err != nil {
		return domain.JournalEntry{}, err
	}
	return entry, nil
}

// CorrectCollection replaces the collected amount on a journal entry. The
// customer's debt moves by the change in balance, never by the new balance.
func (l *Ledger) CorrectCollection(ctx context.Context, journalID string, collection decimal.Decimal) (domain.JournalEntry, error) {
	if money.IsNegative(collection) {
		return domain.JournalEntry{}, apperr.Validation("collection", "must be zero or greater")
	}
	collection = money.Normalize(collection)
	if !money.InRange(collection) {
		return domain.JournalEntry{}, apperr.Validation("collection", "must not exceed %s", money.MaxAmount)
	}

	var updated domain.JournalEntry
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entry, err := tx.GetJournalEntryForUpdate(ctx, journalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("journal entry", journalID)
			}
			return err
		}

		newBalance := money.Balance(entry.Total, collection)
		if !money.InRange(newBalance) {
			return apperr.Validation("collection", "balance would exceed %s", money.MaxAmount)
		}
		delta := newBalance.Sub(entry.Balance)

		if entry.InvoiceID != "" {
			if err := tx.UpdateInvoiceCollection(ctx, entry.InvoiceID, collection, newBalance); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.UpdateJournalCollection(ctx, entry.ID, collection, newBalance); err != nil {
			return err
		}
		if entry.CustomerID != "" {
			if err := ApplyDebtDelta(ctx, tx, entry.CustomerID, delta); err != nil {
				return err
			}
		}

		entry.Collection = collection
		entry.Balance = newBalance
		updated = *entry
		return nil
	})
	if err != nil {
		return domain.JournalEntry{}, apperr.Persistence("correct collection", err)
	}
	return updated, nil
}

// CheckDebt compares a customer's stored debt with a recomputation from the
// invoices, reading both inside one unit so they agree on a snapshot.
func (l *Ledger) CheckDebt(ctx context.Context, customerID string) (domain.DebtCheck, error) {
	var check domain.DebtCheck
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("customer", customerID)
			}
			return err
		}
		invoices, err := tx.ListCustomerInvoices(ctx, customerID)
		if err != nil {
			return err
		}
		computed := RecomputeDebt(invoices)
		check = domain.DebtCheck{
			CustomerID: customerID,
			Stored:     customer.TotalDebt,
			Computed:   computed,
			Consistent: customer.TotalDebt.Equal(computed),
		}
		return nil
	})
	if err != nil {
		return domain.DebtCheck{}, apperr.Persistence("check debt", err)
	}
	return check, nil
}
