/*
admin.go - Administrative operations

PURPOSE:
  Every operation an operator can perform: list and delist items, edit
  captions, grant and revoke balance, read statistics and the audit log.
  Each call is authorized against an injected Authorizer and, if it changed
  anything, appended to the audit log.

AUTHORIZATION:
  The actor identity is passed explicitly on every call. Nothing reads
  process-wide state, so tests can build an Admin with any policy.

SEE ALSO:
  - policy.go: AllowList
  - store.go: AuditLog
*/
package shop

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
)

type Admin struct {
	auth       Authorizer
	catalog    *Catalog
	ledger     *Ledger
	accounts   AccountStore
	audit      AuditLog
	reconciler *Reconciler
	clock      Clock
}

func NewAdmin(auth Authorizer, catalog *Catalog, ledger *Ledger, accounts AccountStore, audit AuditLog, reconciler *Reconciler, clock Clock) *Admin {
	if clock == nil {
		clock = RealClock{}
	}
	return &Admin{
		auth:       auth,
		catalog:    catalog,
		ledger:     ledger,
		accounts:   accounts,
		audit:      audit,
		reconciler: reconciler,
		clock:      clock,
	}
}

// =============================================================================
// INVENTORY
// =============================================================================

func (a *Admin) AddItem(ctx context.Context, actor string, shard ShardID, item NewItem) (ItemID, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return 0, err
	}
	id, err := a.catalog.Insert(ctx, shard, item)
	if err != nil {
		return 0, err
	}
	a.record(ctx, actor, AuditItemAdded, itemTarget(shard, id), map[string]any{
		"title":    item.Title,
		"category": item.Category,
		"price":    item.Price,
	})
	return id, nil
}

func (a *Admin) DeleteItem(ctx context.Context, actor string, shard ShardID, id ItemID) (bool, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return false, err
	}
	ok, err := a.catalog.Delete(ctx, shard, id)
	if err != nil {
		return false, err
	}
	if ok {
		a.record(ctx, actor, AuditItemDeleted, itemTarget(shard, id), nil)
	}
	return ok, nil
}

func (a *Admin) EditDescription(ctx context.Context, actor string, shard ShardID, id ItemID, text string) (bool, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return false, err
	}
	ok, err := a.catalog.UpdateDescription(ctx, shard, id, text)
	if err != nil {
		return false, err
	}
	if ok {
		a.record(ctx, actor, AuditDescriptionEdited, itemTarget(shard, id), map[string]any{"description": text})
	}
	return ok, nil
}

// =============================================================================
// BALANCES
// =============================================================================

// Grant credits the account behind identity.
func (a *Admin) Grant(ctx context.Context, actor, identity string, amount int64) (Account, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return Account{}, err
	}
	acct, err := a.ledger.CreditByIdentity(ctx, identity, amount)
	if err != nil {
		return Account{}, err
	}
	a.record(ctx, actor, AuditBalanceGranted, userTarget(acct.UserID), map[string]any{
		"identity": NormalizeIdentity(identity),
		"amount":   amount,
		"balance":  acct.Balance,
	})
	return acct, nil
}

// Revoke debits at most the current balance. applied may be less than amount.
func (a *Admin) Revoke(ctx context.Context, actor, identity string, amount int64) (acct Account, applied int64, err error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return Account{}, 0, err
	}
	acct, applied, err = a.ledger.DebitByIdentity(ctx, identity, amount)
	if err != nil {
		return Account{}, 0, err
	}
	a.record(ctx, actor, AuditBalanceRevoked, userTarget(acct.UserID), map[string]any{
		"identity":  NormalizeIdentity(identity),
		"requested": amount,
		"applied":   applied,
		"balance":   acct.Balance,
	})
	return acct, applied, nil
}

// =============================================================================
// REPORTING
// =============================================================================

// Stats counts users overall, for today plus the previous six days, and since
// the first of the current month. Day boundaries are UTC.
func (a *Admin) Stats(ctx context.Context, actor string) (UserStats, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return UserStats{}, err
	}
	now := a.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var stats UserStats
	var err error
	if stats.Total, err = a.accounts.CountAccounts(ctx, time.Time{}); err != nil {
		return UserStats{}, storageErr("count users", err)
	}
	if stats.LastWeek, err = a.accounts.CountAccounts(ctx, today.AddDate(0, 0, -6)); err != nil {
		return UserStats{}, storageErr("count users", err)
	}
	if stats.ThisMonth, err = a.accounts.CountAccounts(ctx, monthStart); err != nil {
		return UserStats{}, storageErr("count users", err)
	}
	return stats, nil
}

func (a *Admin) Audit(ctx context.Context, actor string, filter AuditFilter) ([]AuditEntry, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return nil, err
	}
	entries, err := a.audit.QueryAudit(ctx, filter)
	if err != nil {
		return nil, storageErr("query audit", err)
	}
	return entries, nil
}

// RecheckPending runs Reconciler.CheckPending on behalf of an operator.
func (a *Admin) RecheckPending(ctx context.Context, actor string, workers, limit int) (PendingReport, error) {
	if err := a.auth.Authorize(ctx, actor); err != nil {
		return PendingReport{}, err
	}
	report, err := a.reconciler.CheckPending(ctx, workers, limit)
	if err != nil {
		return report, err
	}
	payload := map[string]any{"checked": report.Checked}
	for outcome, n := range report.Outcomes {
		payload[string(outcome)] = n
	}
	a.record(ctx, actor, AuditPendingRechecked, "payment_intents", payload)
	return report, nil
}

// record appends an audit entry. The action already happened, so a failure
// here is logged and not returned.
func (a *Admin) record(ctx context.Context, actor string, action AuditAction, target string, payload map[string]any) {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: a.clock.Now(),
		Actor:     NormalizeIdentity(actor),
		Action:    action,
		Target:    target,
		Payload:   payload,
	}
	logger.InfoCtx(ctx, "admin action",
		zap.String("actor", entry.Actor),
		zap.String("action", string(action)),
		zap.String("target", target))
	if err := a.audit.AppendAudit(ctx, entry); err != nil {
		logger.ErrorCtx(ctx, storageErr("append audit", err), zap.String("audit_id", entry.ID))
	}
}

func itemTarget(shard ShardID, id ItemID) string {
	return "item:" + string(shard) + "/" + strconv.FormatInt(int64(id), 10)
}

func userTarget(id UserID) string {
	return "user:" + strconv.FormatInt(int64(id), 10)
}
