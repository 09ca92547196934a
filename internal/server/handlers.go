package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/runwayly/ledgersync/internal/credstore"
	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/events"
	"github.com/runwayly/ledgersync/internal/jobs"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/tenant"
	"github.com/runwayly/ledgersync/internal/txlog"
	"github.com/runwayly/ledgersync/internal/validation"
)

// respondErr translates domain errors into HTTP responses. Sentinel
// errors map directly; everything else goes through the errs taxonomy.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, credstore.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, mirror.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "resource not found"})
		return
	case errors.Is(err, tenant.ErrRealmBound):
		c.JSON(http.StatusConflict, gin.H{"error": "realm_bound", "message": err.Error()})
		return
	case errors.Is(err, tenant.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": err.Error()})
		return
	}

	code, status := "internal_error", http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		code, status = "invalid_request", http.StatusBadRequest
	case errs.CredentialsUnavailable, errs.TokenInvalid:
		code, status = "not_connected", http.StatusConflict
	case errs.RateLimited:
		code, status = "rate_limited", http.StatusTooManyRequests
		if wait := errs.RetryAfterOf(err); wait > 0 {
			secs := int(wait.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	case errs.Transient, errs.Cancelled:
		code, status = "ledger_unavailable", http.StatusServiceUnavailable
	case errs.Permanent:
		code, status = "ledger_rejected", http.StatusBadGateway
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

// -----------------------------------------------------------------------------
// Connect / disconnect
// -----------------------------------------------------------------------------

// connectHandler starts the OAuth flow: the tenant moves to connecting
// and the caller gets the provider authorize URL to send the user to.
func (s *Server) connectHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := s.tenants.BeginConnect(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}

	authURL, state, err := s.creds.BeginConnect(id)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorizeUrl": authURL,
		"state":        state,
		"tenant":       t,
	})
}

// oauthCallbackHandler finishes the OAuth flow. The state nonce names
// the tenant; the code is exchanged for tokens, the realm binding is
// recorded, and a first full sync is enqueued so the mirror warms up
// right away.
func (s *Server) oauthCallbackHandler(c *gin.Context) {
	ctx := c.Request.Context()

	if errCode := c.Query("error"); errCode != "" {
		badRequest(c, "authorization_denied", "provider denied authorization: "+errCode)
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	realmID := c.Query("realmId")
	if state == "" || code == "" || realmID == "" {
		badRequest(c, "invalid_callback", "code, state and realmId are required")
		return
	}
	if !validation.IsValidRealmID(realmID) {
		badRequest(c, "invalid_realm", "realmId is malformed")
		return
	}

	tenantID, ok := s.creds.ConsumeState(state)
	if !ok {
		badRequest(c, "invalid_state", "state is unknown or expired")
		return
	}

	if _, err := s.creds.ExchangeCode(ctx, tenantID, code, realmID); err != nil {
		if _, terr := s.tenants.MarkError(ctx, tenantID); terr != nil {
			logging.L(ctx).Warn("mark error failed", "tenant_id", tenantID, "error", terr)
		}
		respondErr(c, err)
		return
	}

	t, err := s.tenants.CompleteConnect(ctx, tenantID, realmID)
	if err != nil {
		// Tokens are stored but the binding is refused. Drop them again
		// so the tenant does not hold credentials for a realm it cannot
		// own.
		if errors.Is(err, tenant.ErrRealmBound) {
			if derr := s.creds.Disconnect(ctx, tenantID); derr != nil {
				logging.L(ctx).Warn("credential rollback failed", "tenant_id", tenantID, "error", derr)
			}
		}
		respondErr(c, err)
		return
	}

	info, err := s.creds.Info(ctx, tenantID)
	if err != nil {
		respondErr(c, err)
		return
	}

	resp := gin.H{"tenant": t, "credentials": info}

	job, err := s.runner.Submit(ctx, jobs.SubmitRequest{
		TenantID:       tenantID,
		Function:       jobs.FuncSyncTenant,
		IdempotencyKey: "connect-sync:" + state,
	})
	if err != nil {
		logging.L(ctx).Warn("initial sync enqueue failed", "tenant_id", tenantID, "error", err)
	} else {
		resp["syncJobId"] = job.ID
	}

	c.JSON(http.StatusOK, resp)
}

// disconnectHandler revokes credentials and marks the tenant
// disconnected. Cached reads are dropped so a later reconnect starts
// clean.
func (s *Server) disconnectHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.tenants.Get(ctx, id); err != nil {
		respondErr(c, err)
		return
	}

	if err := s.creds.Disconnect(ctx, id); err != nil {
		respondErr(c, err)
		return
	}

	t, err := s.tenants.Disconnect(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}

	s.resultCache.Invalidate(id)

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// -----------------------------------------------------------------------------
// Sync and reads
// -----------------------------------------------------------------------------

// syncHandler enqueues a full sync for the tenant. An Idempotency-Key
// header makes retried requests return the same job.
func (s *Server) syncHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := s.tenants.Get(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if t.Status != tenant.StatusConnected {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_connected",
			"message": "tenant must be connected to sync",
		})
		return
	}

	job, err := s.runner.Submit(ctx, jobs.SubmitRequest{
		TenantID:       id,
		Function:       jobs.FuncSyncTenant,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// syncTenantJob is the handler behind FuncSyncTenant. It walks every
// entity kind at the scheduled strategy and stores the per-kind
// results as the job payload. A rejected token marks the tenant
// expired so operators see the dead connection.
func (s *Server) syncTenantJob(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	svc, err := s.factory.ForTenant(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}

	results, err := svc.SyncScheduled(ctx)
	if err != nil {
		if errs.IsKind(err, errs.TokenInvalid) {
			s.expireTenant(ctx, job.TenantID, err)
		}
		return nil, err
	}

	payload, merr := json.Marshal(results)
	if merr != nil {
		return nil, errs.Wrap(errs.InvariantViolation, "sync-tenant", merr)
	}
	return payload, nil
}

func (s *Server) expireTenant(ctx context.Context, tenantID string, cause error) {
	if _, err := s.tenants.MarkExpired(ctx, tenantID); err != nil {
		logging.L(ctx).Warn("mark expired failed", "tenant_id", tenantID, "error", err)
		return
	}
	s.hub.Publish(events.CredentialsExpired, tenantID, map[string]any{"reason": cause.Error()})
}

// billsHandler returns bills due within the window, served from the
// cache or the provider depending on freshness.
func (s *Server) billsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	raw := c.Query("due_days")
	if verrs := validation.Validate(validation.IntInRange("due_days", raw, 1, 365)); len(verrs) > 0 {
		badRequest(c, "invalid_due_days", verrs.Error())
		return
	}
	dueDays := 30
	if raw != "" {
		dueDays, _ = strconv.Atoi(raw)
	}

	svc, err := s.factory.ForTenant(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}

	bills, err := svc.GetBillsByDueDays(ctx, dueDays)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bills":   bills,
		"count":   len(bills),
		"dueDays": dueDays,
	})
}

// logHandler lists transaction log entries for the tenant, newest
// first. kind and entity narrow to one entity's ascending history.
func (s *Server) logHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.tenants.Get(ctx, id); err != nil {
		respondErr(c, err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if verrs := validation.Validate(validation.IntInRange("limit", raw, 1, 500)); len(verrs) > 0 {
			badRequest(c, "invalid_limit", verrs.Error())
			return
		}
		limit, _ = strconv.Atoi(raw)
	}

	kind := c.Query("kind")
	entityRaw := c.Query("entity")
	if (kind == "") != (entityRaw == "") {
		badRequest(c, "invalid_filter", "kind and entity must be given together")
		return
	}

	var (
		records []*txlog.Record
		err     error
	)
	if kind != "" {
		entityID, perr := strconv.ParseInt(entityRaw, 10, 64)
		if perr != nil {
			badRequest(c, "invalid_entity", "entity must be a numeric row id")
			return
		}
		records, err = s.logs.ListByEntity(ctx, id, kind, entityID, limit)
	} else {
		records, err = s.logs.ListByTenant(ctx, id, limit)
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": records, "count": len(records)})
}

// reconcileHandler runs an on-demand mirror-vs-log consistency check.
// Divergences come back in the report and go out on the event hub; the
// response is 200 either way.
func (s *Server) reconcileHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.tenants.Get(ctx, id); err != nil {
		respondErr(c, err)
		return
	}

	scope, err := mirror.NewScope(id)
	if err != nil {
		respondErr(c, err)
		return
	}

	report, err := s.reconcile.Check(ctx, scope)
	if err != nil {
		respondErr(c, err)
		return
	}

	if !report.Healthy {
		s.hub.Publish(events.ReconciliationDivergence, id, report)
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.runner.Get(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) listJobsHandler(c *gin.Context) {
	f := jobs.Filter{
		TenantID: c.Query("tenant"),
		Function: c.Query("function"),
		Limit:    100,
	}
	if f.TenantID != "" && !validation.IsValidTenantID(f.TenantID) {
		badRequest(c, "invalid_tenant_id", "tenant id must look like ten_ + 24 hex chars")
		return
	}
	if raw := c.Query("status"); raw != "" {
		st := jobs.Status(raw)
		if !st.Valid() {
			badRequest(c, "invalid_status", "status must be pending, running, succeeded, failed, or cancelled")
			return
		}
		f.Status = st
	}
	if raw := c.Query("limit"); raw != "" {
		if verrs := validation.Validate(validation.IntInRange("limit", raw, 1, 500)); len(verrs) > 0 {
			badRequest(c, "invalid_limit", verrs.Error())
			return
		}
		f.Limit, _ = strconv.Atoi(raw)
	}

	list, err := s.runner.List(c.Request.Context(), f)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// cancelJobHandler stops a job. Cancelling a terminal job is a no-op
// and returns it unchanged.
func (s *Server) cancelJobHandler(c *gin.Context) {
	job, err := s.runner.Cancel(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// -----------------------------------------------------------------------------
// Cache control
// -----------------------------------------------------------------------------

func (s *Server) cacheStatsHandler(c *gin.Context) {
	if tid := c.Query("tenant"); tid != "" {
		if !validation.IsValidTenantID(tid) {
			badRequest(c, "invalid_tenant_id", "tenant id must look like ten_ + 24 hex chars")
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": tid, "stats": s.resultCache.Stats(tid)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.resultCache.StatsAll()})
}

func (s *Server) cacheClearHandler(c *gin.Context) {
	var req struct {
		TenantID  string `json:"tenantId" binding:"required"`
		Operation string `json:"operation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "tenantId required")
		return
	}
	if !validation.IsValidTenantID(req.TenantID) {
		badRequest(c, "invalid_tenant_id", "tenant id must look like ten_ + 24 hex chars")
		return
	}

	var invalidated int
	if req.Operation != "" {
		invalidated = s.resultCache.InvalidateOperation(req.TenantID, req.Operation)
	} else {
		invalidated = s.resultCache.Invalidate(req.TenantID)
	}

	c.JSON(http.StatusOK, gin.H{"invalidated": invalidated})
}
