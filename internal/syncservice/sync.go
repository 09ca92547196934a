package syncservice

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/mapper"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/orchestrator"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/traces"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// SyncResult summarizes one sync pass for one entity kind. Fetched
// counts wire entities received, Applied counts mirror writes that
// took effect, Stale counts writes dropped by the sync token guard.
type SyncResult struct {
	Kind    mirror.EntityKind `json:"kind"`
	Fetched int               `json:"fetched"`
	Applied int               `json:"applied"`
	Stale   int               `json:"stale"`
}

// prioFor maps a sync strategy to its outbound rate priority. Scheduled
// work yields to anything a user is waiting on.
func prioFor(strategy orchestrator.Strategy) ratelimit.Priority {
	if strategy == orchestrator.Scheduled {
		return ratelimit.Low
	}
	return ratelimit.Medium
}

// SyncBills mirrors every bill from the remote ledger.
func (s *Service) SyncBills(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opBillsSync, mirror.KindBill, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullBills(ctx, prio, filterBills)
	})
}

// SyncInvoices mirrors every invoice from the remote ledger.
func (s *Service) SyncInvoices(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opInvoicesSync, mirror.KindInvoice, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullInvoices(ctx, prio, filterInvoices)
	})
}

// SyncVendors mirrors the vendor list.
func (s *Service) SyncVendors(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opVendorsSync, mirror.KindVendor, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullVendors(ctx, prio)
	})
}

// SyncCustomers mirrors the customer list.
func (s *Service) SyncCustomers(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opCustomersSync, mirror.KindCustomer, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullCustomers(ctx, prio)
	})
}

// SyncAccounts mirrors the chart of accounts and refreshes cash
// balance snapshots for runway math.
func (s *Service) SyncAccounts(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opAccountsSync, mirror.KindAccount, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullAccounts(ctx, prio)
	})
}

// SyncCompany mirrors the company file snapshot.
func (s *Service) SyncCompany(ctx context.Context, strategy orchestrator.Strategy) (SyncResult, error) {
	return s.runSync(ctx, opCompanySync, mirror.KindCompany, strategy, func(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
		return s.pullCompany(ctx, prio)
	})
}

// SyncAll runs every entity sync in a fixed order: reference entities
// first so bill and invoice rows can resolve vendor and customer names.
// It stops at the first failure and returns the results that completed.
func (s *Service) SyncAll(ctx context.Context, strategy orchestrator.Strategy) ([]SyncResult, error) {
	syncs := []func(context.Context, orchestrator.Strategy) (SyncResult, error){
		s.SyncCompany,
		s.SyncVendors,
		s.SyncCustomers,
		s.SyncAccounts,
		s.SyncBills,
		s.SyncInvoices,
	}
	results := make([]SyncResult, 0, len(syncs))
	for _, sync := range syncs {
		res, err := sync(ctx, strategy)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncScheduled is the full pass the background job runner drives. It
// fans the independent reference syncs out in parallel, then bills and
// invoices once vendor and customer names are in place. Everything
// runs at low priority so interactive traffic goes first. On failure
// it returns the results of the phases that completed.
func (s *Service) SyncScheduled(ctx context.Context) ([]SyncResult, error) {
	phases := [][]func(context.Context, orchestrator.Strategy) (SyncResult, error){
		{s.SyncCompany, s.SyncVendors, s.SyncCustomers, s.SyncAccounts},
		{s.SyncBills, s.SyncInvoices},
	}
	var results []SyncResult
	for _, phase := range phases {
		g, gctx := errgroup.WithContext(ctx)
		out := make([]SyncResult, len(phase))
		for i, sync := range phase {
			g.Go(func() error {
				res, err := sync(gctx, orchestrator.Scheduled)
				if err != nil {
					return err
				}
				out[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
		results = append(results, out...)
	}
	return results, nil
}

// runSync wraps one entity sync with orchestration, metrics, and
// lifecycle events. The orchestrator dedupes concurrent identical
// syncs, so a scheduled pass and a user-triggered pass collapse into
// one remote fetch.
func (s *Service) runSync(ctx context.Context, op string, kind mirror.EntityKind, strategy orchestrator.Strategy, pull func(context.Context, ratelimit.Priority) (SyncResult, error)) (SyncResult, error) {
	if strategy == "" {
		strategy = orchestrator.DataSync
	}
	ctx, span := traces.StartSpan(ctx, "sync."+string(kind),
		traces.TenantID(s.tenantID), traces.EntityKind(string(kind)))
	defer span.End()

	prio := prioFor(strategy)
	metrics.SyncAttemptsTotal.WithLabelValues(string(kind)).Inc()
	s.emit(EventSyncStarted, map[string]any{"kind": string(kind), "strategy": string(strategy)})

	start := time.Now()
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: op,
		Strategy:  strategy,
		Priority:  prio,
	}
	res, err := orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (SyncResult, error) {
		return pull(ctx, prio)
	})
	if err != nil {
		s.emit(EventSyncFailed, map[string]any{"kind": string(kind), "error": err.Error()})
		return SyncResult{Kind: kind}, err
	}
	logging.L(ctx).Info("entities synced",
		"tenant_id", s.tenantID,
		"kind", kind,
		"fetched", res.Fetched,
		"applied", res.Applied,
		"stale", res.Stale,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.emit(EventSyncCompleted, res)
	return res, nil
}

// SyncBillWithLog maps one wire bill, diffs it against the mirror, and
// applies it with the given attribution. Reconciliation uses it to
// repair divergent rows under an auditable actor.
func (s *Service) SyncBillWithLog(ctx context.Context, wire ledgerapi.Bill, actorID, sessionID string) (*BillResult, error) {
	row, err := mapper.FromWireBill(wire)
	if err != nil {
		return nil, err
	}
	prev, err := s.store.GetBill(ctx, s.scope, row.ExternalID)
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return nil, err
	}
	rec, err := syncRecord(wire, mapper.DiffBills(prev, row))
	if err != nil {
		return nil, err
	}
	rec.ActorID = actorID
	rec.SessionID = sessionID
	bill, ur, err := s.store.UpsertBill(ctx, s.scope, row, rec)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	return &BillResult{Bill: bill, LogEntryID: ur.LogEntryID, Stale: ur.Stale}, nil
}

func (s *Service) pullBills(ctx context.Context, prio ratelimit.Priority, filter string) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindBill}
	wires, err := s.client.QueryBills(ctx, s.session(prio), filter)
	if err != nil {
		return res, err
	}
	res.Fetched = len(wires)
	for _, w := range wires {
		row, err := mapper.FromWireBill(w)
		if err != nil {
			return res, err
		}
		prev, err := s.store.GetBill(ctx, s.scope, row.ExternalID)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return res, err
		}
		rec, err := syncRecord(w, mapper.DiffBills(prev, row))
		if err != nil {
			return res, err
		}
		_, ur, err := s.store.UpsertBill(ctx, s.scope, row, rec)
		if err != nil {
			return res, err
		}
		res.count(ur)
	}
	return res, nil
}

func (s *Service) pullInvoices(ctx context.Context, prio ratelimit.Priority, filter string) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindInvoice}
	wires, err := s.client.QueryInvoices(ctx, s.session(prio), filter)
	if err != nil {
		return res, err
	}
	res.Fetched = len(wires)
	for _, w := range wires {
		row, err := mapper.FromWireInvoice(w)
		if err != nil {
			return res, err
		}
		prev, err := s.store.GetInvoice(ctx, s.scope, row.ExternalID)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return res, err
		}
		rec, err := syncRecord(w, mapper.DiffInvoices(prev, row))
		if err != nil {
			return res, err
		}
		_, ur, err := s.store.UpsertInvoice(ctx, s.scope, row, rec)
		if err != nil {
			return res, err
		}
		res.count(ur)
	}
	return res, nil
}

func (s *Service) pullVendors(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindVendor}
	wires, err := s.client.QueryVendors(ctx, s.session(prio), filterVendors)
	if err != nil {
		return res, err
	}
	res.Fetched = len(wires)
	for _, w := range wires {
		row, err := mapper.FromWireVendor(w)
		if err != nil {
			return res, err
		}
		prev, err := s.store.GetVendor(ctx, s.scope, row.ExternalID)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return res, err
		}
		rec, err := syncRecord(w, mapper.DiffVendors(prev, row))
		if err != nil {
			return res, err
		}
		_, ur, err := s.store.UpsertVendor(ctx, s.scope, row, rec)
		if err != nil {
			return res, err
		}
		res.count(ur)
	}
	return res, nil
}

func (s *Service) pullCustomers(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindCustomer}
	wires, err := s.client.QueryCustomers(ctx, s.session(prio), filterCustomers)
	if err != nil {
		return res, err
	}
	res.Fetched = len(wires)
	for _, w := range wires {
		row, err := mapper.FromWireCustomer(w)
		if err != nil {
			return res, err
		}
		prev, err := s.store.GetCustomer(ctx, s.scope, row.ExternalID)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return res, err
		}
		rec, err := syncRecord(w, mapper.DiffCustomers(prev, row))
		if err != nil {
			return res, err
		}
		_, ur, err := s.store.UpsertCustomer(ctx, s.scope, row, rec)
		if err != nil {
			return res, err
		}
		res.count(ur)
	}
	return res, nil
}

// pullAccounts mirrors accounts and, for each applied cash account,
// writes a balance snapshot carrying the same sync token. Balance
// writes do not count toward the account SyncResult.
func (s *Service) pullAccounts(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindAccount}
	wires, err := s.client.QueryAccounts(ctx, s.session(prio), filterAccounts)
	if err != nil {
		return res, err
	}
	res.Fetched = len(wires)
	for _, w := range wires {
		row, err := mapper.FromWireAccount(w)
		if err != nil {
			return res, err
		}
		prev, err := s.store.GetAccount(ctx, s.scope, row.ExternalID)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return res, err
		}
		rec, err := syncRecord(w, mapper.DiffAccounts(prev, row))
		if err != nil {
			return res, err
		}
		acct, ur, err := s.store.UpsertAccount(ctx, s.scope, row, rec)
		if err != nil {
			return res, err
		}
		res.count(ur)
		if !ur.Applied || !mapper.IsCashAccount(acct) {
			continue
		}
		if err := s.applyBalance(ctx, w, acct); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Service) applyBalance(ctx context.Context, wire ledgerapi.Account, acct *mirror.Account) error {
	bal := mapper.BalanceFromAccount(acct)
	prev, err := s.store.GetBalance(ctx, s.scope, bal.ExternalID)
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return err
	}
	rec, err := syncRecord(wire, mapper.DiffBalances(prev, bal))
	if err != nil {
		return err
	}
	_, _, err = s.store.UpsertBalance(ctx, s.scope, bal, rec)
	return err
}

func (s *Service) pullCompany(ctx context.Context, prio ratelimit.Priority) (SyncResult, error) {
	res := SyncResult{Kind: mirror.KindCompany}
	w, err := s.client.GetCompanyInfo(ctx, s.session(prio))
	if err != nil {
		return res, err
	}
	res.Fetched = 1
	row, err := mapper.FromWireCompany(*w)
	if err != nil {
		return res, err
	}
	prev, err := s.store.GetCompany(ctx, s.scope)
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return res, err
	}
	rec, err := syncRecord(w, mapper.DiffCompanies(prev, row))
	if err != nil {
		return res, err
	}
	_, ur, err := s.store.UpsertCompany(ctx, s.scope, row, rec)
	if err != nil {
		return res, err
	}
	res.count(ur)
	return res, nil
}

func (r *SyncResult) count(ur mirror.UpsertResult) {
	if ur.Stale {
		r.Stale++
		return
	}
	r.Applied++
}

// ListLog returns the tenant's most recent transaction log entries.
func (s *Service) ListLog(ctx context.Context, limit int) ([]*txlog.Record, error) {
	return s.logs.ListByTenant(ctx, s.tenantID, limit)
}
