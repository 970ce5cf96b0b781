package ledger

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/money"
)

type Line struct {
	ProductID string
	Quantity  int
}

type BuiltLine struct {
	Product  domain.Product
	Quantity int
	Price    decimal.Decimal
	Total    decimal.Decimal
}

type Built struct {
	Lines      []BuiltLine
	Total      decimal.Decimal
	Collection decimal.Decimal
	Balance    decimal.Decimal
}

// BuildInput carries everything Build needs. SuppliedTotal is only used
// when Lines is empty.
type BuildInput struct {
	Lines         []Line
	Collection    decimal.Decimal
	SuppliedTotal decimal.Decimal
	Products      map[string]domain.Product
}

// Build prices the lines against the resolved products and derives the
// invoice totals. It has no side effects.
func Build(in BuildInput) (Built, error) {
	if money.IsNegative(in.Collection) {
		return Built{}, apperr.Validation("collection", "must be zero or greater")
	}
	collection := money.Normalize(in.Collection)
	if !money.InRange(collection) {
		return Built{}, apperr.Validation("collection", "must not exceed %s", money.MaxAmount)
	}

	if len(in.Lines) == 0 {
		if money.IsNegative(in.SuppliedTotal) {
			return Built{}, apperr.Validation("total", "must be zero or greater")
		}
		total := money.Normalize(in.SuppliedTotal)
		if !money.InRange(total) {
			return Built{}, apperr.Validation("total", "must not exceed %s", money.MaxAmount)
		}
		return Built{
			Lines:      []BuiltLine{},
			Total:      total,
			Collection: collection,
			Balance:    money.Balance(total, collection),
		}, nil
	}

	if err := checkStock(in.Lines, in.Products); err != nil {
		return Built{}, err
	}

	built := Built{Lines: make([]BuiltLine, 0, len(in.Lines)), Collection: collection}
	total := decimal.Zero
	for i, line := range in.Lines {
		product := in.Products[line.ProductID]
		lineTotal := money.LineTotal(product.Price, line.Quantity)
		total = total.Add(lineTotal)
		if !money.InRange(total) {
			return Built{}, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "invoice total would exceed %s", money.MaxAmount)
		}
		built.Lines = append(built.Lines, BuiltLine{
			Product:  product,
			Quantity: line.Quantity,
			Price:    product.Price,
			Total:    lineTotal,
		})
	}
	built.Total = money.Normalize(total)
	built.Balance = money.Balance(built.Total, collection)
	return built, nil
}

// CheckAvailability is the availability check for storefront requests:
// every product must exist and still have some stock. The requested amount
// itself is not reserved.
func CheckAvailability(lines []Line, products map[string]domain.Product) error {
	if len(lines) == 0 {
		return apperr.Validation("items", "at least one item is required")
	}
	for i, line := range lines {
		product, err := resolveLine(i, line, products)
		if err != nil {
			return err
		}
		if product.StockQty <= 0 {
			return &apperr.InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.StockQty,
				Requested:   line.Quantity,
			}
		}
	}
	return nil
}

// checkStock validates each line and then the summed demand per product, so
// the same product split over several lines cannot overdraw its stock.
func checkStock(lines []Line, products map[string]domain.Product) error {
	demand := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for i, line := range lines {
		if _, err := resolveLine(i, line, products); err != nil {
			return err
		}
		if _, seen := demand[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		if demand[line.ProductID] > money.MaxQuantity-line.Quantity {
			return apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "total quantity for one product must not exceed %d", money.MaxQuantity)
		}
		demand[line.ProductID] += line.Quantity
	}
	for _, id := range order {
		product := products[id]
		if product.StockQty < demand[id] {
			return &apperr.InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.StockQty,
				Requested:   demand[id],
			}
		}
	}
	return nil
}

func resolveLine(i int, line Line, products map[string]domain.Product) (domain.Product, error) {
	if line.Quantity < 1 {
		return domain.Product{}, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
	}
	if line.Quantity > money.MaxQuantity {
		return domain.Product{}, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "must not exceed %d", money.MaxQuantity)
	}
	product, ok := products[line.ProductID]
	if !ok {
		return domain.Product{}, apperr.Validation(fmt.Sprintf("items[%d].product_id", i), "product not found: %s", line.ProductID)
	}
	return product, nil
}

// Demand sums quantities per product in first-seen order. Sums saturate at
// MaxQuantity instead of wrapping.
func Demand(lines []Line) (ids []string, qty map[string]int) {
	qty = make(map[string]int, len(lines))
	for _, line := range lines {
		if _, seen := qty[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		n := min(max(line.Quantity, 0), money.MaxQuantity)
		qty[line.ProductID] = min(qty[line.ProductID]+n, money.MaxQuantity)
	}
	return ids, qty
}

// sortedIDs returns the distinct product ids in lexical order, which is the
// order rows are locked in.
func sortedIDs(lines []Line) []string {
	ids, _ := Demand(lines)
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return sorted
}
