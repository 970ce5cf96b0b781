package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/money"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func catalogOf(products ...domain.Product) map[string]domain.Product {
	out := make(map[string]domain.Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	return out
}

func TestBuildComputesTotalsAndBalance(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("100"), StockQty: 10}

	built, err := Build(BuildInput{
		Lines:      []Line{{ProductID: "p", Quantity: 2}},
		Collection: dec("150"),
		Products:   catalogOf(p),
	})
	require.NoError(t, err)

	assert.True(t, built.Total.Equal(dec("200")))
	assert.True(t, built.Balance.Equal(dec("50")))
	assert.True(t, built.Total.Sub(built.Collection).Equal(built.Balance))
	require.Len(t, built.Lines, 1)
	assert.True(t, built.Lines[0].Total.Equal(dec("200")))
}

func TestBuildRejectsUnknownProduct(t *testing.T) {
	_, err := Build(BuildInput{
		Lines:    []Line{{ProductID: "ghost", Quantity: 1}},
		Products: catalogOf(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "items[0].product_id", apperr.FieldOf(err))
	assert.Contains(t, err.Error(), "product not found")
}

func TestBuildRejectsNonPositiveQuantity(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("10"), StockQty: 10}
	_, err := Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: 0}},
		Products: catalogOf(p),
	})
	assert.Equal(t, "items[0].quantity", apperr.FieldOf(err))
}

func TestBuildNamesProductWithInsufficientStock(t *testing.T) {
	p := domain.Product{ID: "p", Name: "Olive Oil 1L", Price: dec("250"), StockQty: 8}

	_, err := Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: 9}},
		Products: catalogOf(p),
	})
	var stockErr *apperr.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "Olive Oil 1L", stockErr.ProductName)
	assert.Equal(t, 8, stockErr.Available)
	assert.Equal(t, 9, stockErr.Requested)
}

func TestBuildSumsDemandAcrossRepeatedLines(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("5"), StockQty: 5}

	_, err := Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: 3}, {ProductID: "p", Quantity: 3}},
		Products: catalogOf(p),
	})
	assert.ErrorIs(t, err, apperr.ErrStock)
}

func TestBuildWithoutLinesUsesSuppliedTotal(t *testing.T) {
	built, err := Build(BuildInput{
		Collection:    dec("500"),
		SuppliedTotal: dec("500"),
	})
	require.NoError(t, err)
	assert.Empty(t, built.Lines)
	assert.True(t, built.Total.Equal(dec("500")))
	assert.True(t, built.Balance.IsZero())
}

func TestBuildPermitsOverpayment(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("100"), StockQty: 1}
	built, err := Build(BuildInput{
		Lines:      []Line{{ProductID: "p", Quantity: 1}},
		Collection: dec("130"),
		Products:   catalogOf(p),
	})
	require.NoError(t, err)
	assert.True(t, built.Balance.Equal(dec("-30")))
}

func TestBuildRejectsNegativeCollection(t *testing.T) {
	_, err := Build(BuildInput{Collection: dec("-1")})
	assert.Equal(t, "collection", apperr.FieldOf(err))
}

func TestCheckAvailability(t *testing.T) {
	inStock := domain.Product{ID: "a", Name: "A", Price: dec("10"), StockQty: 1}
	soldOut := domain.Product{ID: "b", Name: "B", Price: dec("10"), StockQty: 0}
	products := catalogOf(inStock, soldOut)

	assert.NoError(t, CheckAvailability([]Line{{ProductID: "a", Quantity: 4}}, products))
	assert.ErrorIs(t, CheckAvailability([]Line{{ProductID: "b", Quantity: 1}}, products), apperr.ErrStock)
	assert.ErrorIs(t, CheckAvailability(nil, products), apperr.ErrValidation)
	assert.ErrorIs(t, CheckAvailability([]Line{{ProductID: "x", Quantity: 1}}, products), apperr.ErrValidation)
}

func TestRecomputeDebtTreatsCollectionsAsPayments(t *testing.T) {
	invoices := []domain.Invoice{
		{Kind: domain.KindSale, Total: dec("300"), Collection: dec("0"), Balance: dec("300")},
		{Kind: domain.KindCollection, Total: dec("100"), Collection: dec("100"), Balance: dec("0")},
		{Kind: domain.KindSale, Total: dec("50"), Collection: dec("80"), Balance: dec("-30")},
	}
	assert.True(t, RecomputeDebt(invoices).Equal(dec("170")))
}

func TestBuildRejectsDemandThatWouldOverflow(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("1"), StockQty: 10}
	huge := int(^uint(0)>>2) + 1

	_, err := Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: huge}, {ProductID: "p", Quantity: huge}},
		Products: catalogOf(p),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: money.MaxQuantity}, {ProductID: "p", Quantity: money.MaxQuantity}},
		Products: catalogOf(p),
	})
	require.Error(t, err)
	assert.Equal(t, "items[1].quantity", apperr.FieldOf(err))
}

func TestDemandSaturates(t *testing.T) {
	ids, qty := Demand([]Line{{ProductID: "p", Quantity: money.MaxQuantity}, {ProductID: "p", Quantity: money.MaxQuantity}})
	assert.Equal(t, []string{"p"}, ids)
	assert.Equal(t, money.MaxQuantity, qty["p"])
}

func TestBuildRejectsAmountsBeyondStoredPrecision(t *testing.T) {
	p := domain.Product{ID: "p", Name: "P", Price: dec("999999999999"), StockQty: 10}

	_, err := Build(BuildInput{Collection: dec("1e15"), Products: catalogOf()})
	assert.Equal(t, "collection", apperr.FieldOf(err))

	_, err = Build(BuildInput{SuppliedTotal: dec("1000000000000"), Products: catalogOf()})
	assert.Equal(t, "total", apperr.FieldOf(err))

	_, err = Build(BuildInput{
		Lines:    []Line{{ProductID: "p", Quantity: 2}},
		Products: catalogOf(p),
	})
	assert.Equal(t, "items[0].quantity", apperr.FieldOf(err))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
