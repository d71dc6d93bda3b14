package shop

import "context"

// SettlementLookup is the read-only view of the external payment marketplace.
//
// FindTransfers lists every transfer tagged with code. An empty slice means
// nothing has settled yet. Failures must wrap ErrSettlementUnauthorized or
// ErrSettlementUnreachable so that "cannot ask" is never mistaken for
// "nothing there".
type SettlementLookup interface {
	FindTransfers(ctx context.Context, code string) ([]Transfer, error)
}

// PayLinkBuilder renders the link a payer follows to send a transfer
// carrying the intent's code.
type PayLinkBuilder interface {
	PayURL(intent PaymentIntent) string
}

// SettlementFunc adapts a function to SettlementLookup.
type SettlementFunc func(ctx context.Context, code string) ([]Transfer, error)

func (f SettlementFunc) FindTransfers(ctx context.Context, code string) ([]Transfer, error) {
	return f(ctx, code)
}
