package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapHeaderEnglish(t *testing.T) {
	m := MapHeader([]string{"Date", "Customer", "Product", "Size", "Price", "Qty", "Total"})

	assert.Equal(t, 0, m.Index(RoleDate))
	assert.Equal(t, 1, m.Index(RoleCustomer))
	assert.Equal(t, 2, m.Index(RoleProduct))
	assert.Equal(t, 3, m.Index(RoleSize))
	assert.Equal(t, 4, m.Index(RolePrice))
	assert.Equal(t, 5, m.Index(RoleQuantity))
	assert.Equal(t, 6, m.Index(RoleTotal))
	assert.True(t, m.Named(RoleTotal))
}

func TestMapHeaderArabic(t *testing.T) {
	m := MapHeader([]string{" الإجمالي ", "الكمية", "السعر", "المقاس", "الصنف", "اسم العميل", "التاريخ"})

	assert.Equal(t, 0, m.Index(RoleTotal))
	assert.Equal(t, 1, m.Index(RoleQuantity))
	assert.Equal(t, 2, m.Index(RolePrice))
	assert.Equal(t, 3, m.Index(RoleSize))
	assert.Equal(t, 4, m.Index(RoleProduct))
	assert.Equal(t, 5, m.Index(RoleCustomer))
	assert.Equal(t, 6, m.Index(RoleDate))
}

func TestMapHeaderProductNameIsNotCustomer(t *testing.T) {
	m := MapHeader([]string{"Customer Name", "Product Name", "TOTAL"})

	assert.Equal(t, 0, m.Index(RoleCustomer))
	assert.Equal(t, 1, m.Index(RoleProduct))
	assert.Equal(t, 2, m.Index(RoleTotal))
}

func TestMapHeaderFirstMatchWins(t *testing.T) {
	m := MapHeader([]string{"total", "grand total"})
	assert.Equal(t, 0, m.Index(RoleTotal))
}

func TestMapHeaderFallsBackToPositions(t *testing.T) {
	m := MapHeader([]string{"a", "b", "c", "d", "e", "f", "g"})

	assert.Equal(t, 0, m.Index(RoleTotal))
	assert.Equal(t, 1, m.Index(RoleQuantity))
	assert.Equal(t, 2, m.Index(RolePrice))
	assert.Equal(t, 3, m.Index(RoleSize))
	assert.Equal(t, 4, m.Index(RoleProduct))
	assert.Equal(t, 5, m.Index(RoleCustomer))
	assert.Equal(t, 6, m.Index(RoleDate))
	assert.False(t, m.Named(RoleTotal))
}

func TestMapHeaderFallbackSkipsClaimedColumn(t *testing.T) {
	// column 0 is named as the date, so total has nowhere to fall back to
	m := MapHeader([]string{"Date"})

	assert.Equal(t, 0, m.Index(RoleDate))
	assert.Equal(t, -1, m.Index(RoleTotal))
	assert.Equal(t, 1, m.Index(RoleQuantity))
}

func TestMapHeaderTotalWinsOverPrice(t *testing.T) {
	m := MapHeader([]string{"Item", "Unit Price", "Total Price", "Amount"})

	assert.Equal(t, 0, m.Index(RoleProduct))
	assert.Equal(t, 1, m.Index(RolePrice))
	assert.Equal(t, 2, m.Index(RoleTotal))
	assert.Equal(t, RoleTotal, classifyHeader("Line Amount"))
	assert.Equal(t, RoleTotal, classifyHeader("Item Total"))
}
