package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/store"
)

func TestWithTxRollsBackEveryWriteOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.DecrementStock(ctx, "prd-water", 4))
		require.NoError(t, tx.AddCustomerDebt(ctx, "cus-acme", decimal.NewFromInt(400)))
		require.NoError(t, tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-1", Serial: "S-1", CustomerID: "cus-acme"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, "prd-water")
	require.NoError(t, err)
	assert.Equal(t, 10, p.StockQty)

	c, err := s.GetCustomer(ctx, "cus-acme")
	require.NoError(t, err)
	assert.True(t, c.TotalDebt.IsZero())

	_, err = s.GetInvoice(ctx, "inv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecrementStockRefusesToGoNegative(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DecrementStock(ctx, "prd-oil", 6)
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	p, _ := s.GetProduct(ctx, "prd-oil")
	assert.Equal(t, 5, p.StockQty)
}

func TestInsertInvoiceRejectsDuplicateSerial(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-1", Serial: "S-1", CustomerID: "cus-acme"}); err != nil {
			return err
		}
		return tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-2", Serial: "S-1", CustomerID: "cus-acme"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicateSerial)
}

func TestWipeLedgerClearsInvoicesAndZeroesDebt(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv := domain.Invoice{ID: "inv-1", Serial: "S-1", CustomerID: "cus-acme", Date: time.Now().UTC()}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.InsertJournalEntry(ctx, domain.JournalEntry{ID: "j-1", InvoiceID: "inv-1", CustomerID: "cus-acme"}); err != nil {
			return err
		}
		return tx.AddCustomerDebt(ctx, "cus-acme", decimal.NewFromInt(75))
	}))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.WipeLedger(ctx)
	}))

	invoices, err := s.ListInvoices(ctx, store.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
	entries, err := s.ListJournalEntries(ctx, store.JournalFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	c, _ := s.GetCustomer(ctx, "cus-acme")
	assert.True(t, c.TotalDebt.IsZero())

	// the serial is free again after a wipe
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		taken, err := tx.SerialExists(ctx, "S-1")
		assert.False(t, taken)
		return err
	}))
}

func TestDeleteProductReferencedByInvoice(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertInvoice(ctx, domain.Invoice{
			ID: "inv-1", Serial: "S-1", CustomerID: "cus-acme",
			Items: []domain.InvoiceItem{{ID: "itm-1", ProductID: "prd-oil", Quantity: 1}},
		})
	}))

	assert.ErrorIs(t, s.DeleteProduct(ctx, "prd-oil"), store.ErrReferenced)
	assert.NoError(t, s.DeleteProduct(ctx, "prd-water"))
	assert.ErrorIs(t, s.DeleteProduct(ctx, "prd-water"), store.ErrNotFound)
}

func TestCreateProductEnforcesUniqueName(t *testing.T) {
	s := NewSeeded()
	_, err := s.CreateProduct(context.Background(), domain.Product{Name: "Olive Oil 1L"})
	assert.ErrorIs(t, err, store.ErrDuplicateName)
}

func TestListInvoicesNewestFirstWithRange(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, d := range []time.Time{day.AddDate(0, 0, -2), day, day.AddDate(0, 0, 1)} {
			inv := domain.Invoice{
				ID: "inv-" + string(rune('a'+i)), Serial: "S-" + string(rune('a'+i)),
				CustomerID: "cus-acme", Date: d,
				Total: decimal.NewFromInt(100), Balance: decimal.NewFromInt(100),
			}
			if err := tx.InsertInvoice(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	}))

	out, err := s.ListInvoices(ctx, store.InvoiceFilter{From: day.AddDate(0, 0, -1)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "inv-c", out[0].ID)

	totals, err := s.SummarizeInvoices(ctx, store.InvoiceFilter{CustomerID: "cus-acme"})
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Count)
	assert.Equal(t, "300", totals.Sales.String())
}

func TestDecrementStockRejectsOutOfRangeQuantity(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	for _, qty := range []int{0, -5, int(^uint(0) >> 1)} {
		err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DecrementStock(ctx, "prd-water", qty)
		})
		assert.ErrorIs(t, err, store.ErrInvalidQuantity, "qty %d", qty)
	}

	p, _ := s.GetProduct(ctx, "prd-water")
	assert.Equal(t, 10, p.StockQty)
}
