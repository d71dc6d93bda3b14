package shop

import (
	"context"
)

// Config wires a Service.
type Config struct {
	Store      Store
	Settlement SettlementLookup
	PayLinks   PayLinkBuilder // optional
	Authorizer Authorizer
	Clock      Clock
	Intents    IntentConfig
}

// Service is the entry point presentation layers call into.
type Service struct {
	Ledger     *Ledger
	Catalog    *Catalog
	Purchases  *PurchaseEngine
	Intents    *IntentRegistry
	Reconciler *Reconciler
	Admin      *Admin

	sales    SaleStore
	payLinks PayLinkBuilder
}

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	auth := cfg.Authorizer
	if auth == nil {
		auth = AllowList{}
	}

	ledger := NewLedger(cfg.Store, clock)
	catalog := NewCatalog(cfg.Store, clock)
	intents := NewIntentRegistry(cfg.Store, clock, cfg.Intents)
	reconciler := NewReconciler(intents, ledger, cfg.Settlement)

	return &Service{
		Ledger:     ledger,
		Catalog:    catalog,
		Purchases:  NewPurchaseEngine(cfg.Store, clock),
		Intents:    intents,
		Reconciler: reconciler,
		Admin:      NewAdmin(auth, catalog, ledger, cfg.Store, cfg.Store, reconciler, clock),
		sales:      cfg.Store,
		payLinks:   cfg.PayLinks,
	}
}

// EnsureUser registers the user on first interaction.
func (s *Service) EnsureUser(ctx context.Context, userID UserID, identity string) (Account, error) {
	return s.Ledger.EnsureAccount(ctx, userID, identity)
}

func (s *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	return s.Ledger.GetBalance(ctx, userID)
}

func (s *Service) Purchase(ctx context.Context, userID UserID, shard ShardID, id ItemID) (PurchaseResult, error) {
	return s.Purchases.Purchase(ctx, userID, shard, id)
}

// Sales lists the user's purchases newest first.
func (s *Service) Sales(ctx context.Context, userID UserID, limit int) ([]Sale, error) {
	sales, err := s.sales.ListSales(ctx, userID, limit)
	if err != nil {
		return nil, storageErr("list sales", err)
	}
	return sales, nil
}

// TopUp is a freshly created intent and the link the payer should follow.
type TopUp struct {
	Intent PaymentIntent
	PayURL string
}

func (s *Service) TopUp(ctx context.Context, userID UserID, amount int64) (TopUp, error) {
	intent, err := s.Intents.Create(ctx, userID, amount)
	if err != nil {
		return TopUp{}, err
	}
	out := TopUp{Intent: intent}
	if s.payLinks != nil {
		out.PayURL = s.payLinks.PayURL(intent)
	}
	return out, nil
}

func (s *Service) CheckTopUp(ctx context.Context, code string) CheckResult {
	return s.Reconciler.Check(ctx, code)
}
