package importer

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Role is the meaning a spreadsheet column carries.
type Role int

const (
	RoleUnknown Role = iota
	RoleDate
	RoleCustomer
	RoleProduct
	RoleSize
	RolePrice
	RoleQuantity
	RoleTotal
)

var roleNames = map[Role]string{
	RoleUnknown:  "unknown",
	RoleDate:     "date",
	RoleCustomer: "customer",
	RoleProduct:  "product",
	RoleSize:     "size",
	RolePrice:    "price",
	RoleQuantity: "quantity",
	RoleTotal:    "total",
}

func (r Role) String() string { return roleNames[r] }

// matchOrder is the order header cells are tested in. Total comes first so
// that "total price" or "item total" is the total column, and product comes
// before customer so that a "product name" header is not taken for the
// customer.
var matchOrder = []struct {
	role     Role
	synonyms []string
}{
	{RoleDate, []string{"date", "التاريخ"}},
	{RoleTotal, []string{"total", "amount", "الاجمالي"}},
	{RoleProduct, []string{"product", "item", "الصنف"}},
	{RoleCustomer, []string{"customer", "name", "الاسم", "العميل"}},
	{RoleSize, []string{"size", "capacity", "الحجم", "المقاس"}},
	{RolePrice, []string{"price", "السعر"}},
	{RoleQuantity, []string{"quantity", "qty", "الكمية"}},
}

// fallbackIndex is the column each role falls back to when no header names it.
var fallbackIndex = map[Role]int{
	RoleTotal:    0,
	RoleQuantity: 1,
	RolePrice:    2,
	RoleSize:     3,
	RoleProduct:  4,
	RoleCustomer: 5,
	RoleDate:     6,
}

var alefForms = strings.NewReplacer("أ", "ا", "إ", "ا", "آ", "ا", "ـ", "")

func normalizeHeader(raw string) string {
	s := norm.NFKC.String(strings.TrimSpace(raw))
	s = foldCase(s)
	return alefForms.Replace(s)
}

// foldCase builds a fresh Caser each call; Casers carry state and must not be
// shared between goroutines.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

func classifyHeader(raw string) Role {
	s := normalizeHeader(raw)
	if s == "" {
		return RoleUnknown
	}
	for _, candidate := range matchOrder {
		for _, syn := range candidate.synonyms {
			if strings.Contains(s, syn) {
				return candidate.role
			}
		}
	}
	return RoleUnknown
}

// ColumnMap is the result of reading the header row once. Index returns -1
// for roles that have no column at all.
type ColumnMap struct {
	index    map[Role]int
	fromName map[Role]bool
}

func (m ColumnMap) Index(role Role) int {
	if idx, ok := m.index[role]; ok {
		return idx
	}
	return -1
}

// Named reports whether role was found by its header rather than by position.
func (m ColumnMap) Named(role Role) bool {
	return m.fromName[role]
}

// MapHeader walks the header row once. Each column is classified; the first
// column claiming a role keeps it. Roles still open at the end take their
// fixed fallback position, as long as that position is not already claimed.
func MapHeader(header []string) ColumnMap {
	m := ColumnMap{index: make(map[Role]int, len(fallbackIndex)), fromName: make(map[Role]bool, len(fallbackIndex))}
	claimed := make(map[int]bool, len(header))

	for col, cell := range header {
		role := classifyHeader(cell)
		if role == RoleUnknown {
			continue
		}
		if _, taken := m.index[role]; taken {
			continue
		}
		m.index[role] = col
		m.fromName[role] = true
		claimed[col] = true
	}

	for role, idx := range fallbackIndex {
		if _, ok := m.index[role]; ok {
			continue
		}
		if claimed[idx] {
			continue
		}
		m.index[role] = idx
	}
	return m
}
