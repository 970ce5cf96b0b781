package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/store"
)

// ApplyDebtDelta moves a customer's running debt by a signed delta. It is the
// only write path for totalDebt; a zero delta is a no-op.
func ApplyDebtDelta(ctx context.Context, tx store.Tx, customerID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	if err := tx.AddCustomerDebt(ctx, customerID, delta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("customer", customerID)
		}
		return apperr.Persistence("apply debt delta", err)
	}
	return nil
}

// DebtEffect is what an invoice contributes to its customer's debt. A sale
// adds its balance. A collection carries no goods, so it only subtracts what
// was collected.
func DebtEffect(inv domain.Invoice) decimal.Decimal {
	if inv.Kind == domain.KindCollection {
		return inv.Balance.Sub(inv.Total)
	}
	return inv.Balance
}

// RecomputeDebt rebuilds a debt figure from scratch. Only used to verify the
// incrementally maintained value.
func RecomputeDebt(invoices []domain.Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(DebtEffect(inv))
	}
	return total
}
