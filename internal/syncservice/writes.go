package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/idgen"
	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/mapper"
	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/orchestrator"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/traces"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// PaymentRequest describes a bill payment to record against the remote
// ledger. RequestID is the idempotency marker; when empty the service
// generates one, so retries must reuse the returned payment's marker.
type PaymentRequest struct {
	VendorExternalID string    `json:"vendorExternalId" binding:"required"`
	VendorName       string    `json:"vendorName,omitempty"`
	BillExternalID   string    `json:"billExternalId,omitempty"`
	AmountCents      int64     `json:"amountCents" binding:"required"`
	TxnDate          time.Time `json:"txnDate,omitempty"`
	PayType          string    `json:"payType,omitempty"`
	Memo             string    `json:"memo,omitempty"`
	RequestID        string    `json:"requestId,omitempty"`
}

// PaymentResult pairs the mirrored payment with the log entry that
// recorded it. Replayed marks an idempotent replay that issued no
// remote call, in which case LogEntryID is zero.
type PaymentResult struct {
	Payment    *mirror.Payment `json:"payment"`
	LogEntryID int64           `json:"logEntryId,omitempty"`
	Replayed   bool            `json:"replayed,omitempty"`
}

// BillResult pairs the mirrored bill with the log entry that recorded
// the mutation.
type BillResult struct {
	Bill       *mirror.Bill `json:"bill"`
	LogEntryID int64        `json:"logEntryId,omitempty"`
	Replayed   bool         `json:"replayed,omitempty"`
	Stale      bool         `json:"stale,omitempty"`
}

// RecordPayment creates a bill payment in the remote ledger and mirrors
// it locally. The request id travels to the provider as its dedup
// header and lands on the mirror row, so a replay at either layer
// resolves to the original payment instead of paying twice.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if req.VendorExternalID == "" {
		return nil, errs.New(errs.Validation, "syncservice: payment vendor required")
	}
	if req.AmountCents <= 0 {
		return nil, errs.Errorf(errs.Validation, "syncservice: payment amount must be positive, got %d", req.AmountCents)
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = idgen.RequestID()
	}

	ctx, span := traces.StartSpan(ctx, "syncservice.RecordPayment",
		traces.TenantID(s.tenantID), traces.ExternalID(req.BillExternalID))
	defer span.End()

	existing, err := s.store.FindPaymentByRequestID(ctx, s.scope, requestID)
	if err == nil {
		logging.L(ctx).Info("payment replayed", "tenant_id", s.tenantID, "request_id", requestID, "external_id", existing.ExternalID)
		return &PaymentResult{Payment: existing, Replayed: true}, nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return nil, err
	}

	txnDate := req.TxnDate
	if txnDate.IsZero() {
		txnDate = time.Now().UTC()
	}
	wire := mapper.ToWirePayment(&mirror.Payment{
		VendorExternalID: req.VendorExternalID,
		VendorName:       req.VendorName,
		TxnDate:          txnDate,
		AmountCents:      req.AmountCents,
		PayType:          req.PayType,
		Memo:             req.Memo,
	})
	wire.ID = ""
	if req.BillExternalID != "" {
		wire.Line = []ledgerapi.Line{{
			Amount:     mapper.ToWireAmount(req.AmountCents),
			DetailType: "LinkedTxn",
			LinkedTxn:  []ledgerapi.LinkedTxn{{TxnID: req.BillExternalID, TxnType: "Bill"}},
		}}
	}

	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opPaymentCreate,
		Args:      requestID,
		Strategy:  orchestrator.Immediate,
		Priority:  ratelimit.High,
	}
	created, err := orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (*ledgerapi.Payment, error) {
		return s.client.CreatePayment(ctx, s.session(ratelimit.High), wire, requestID)
	})
	if err != nil {
		s.logPaymentFailure(ctx, requestID, req, err)
		return nil, err
	}

	row, err := mapper.FromWirePayment(*created)
	if err != nil {
		return nil, err
	}
	row.RequestID = requestID

	rec, err := userRecord(txlog.TypeExecuted, "payment recorded", created, nil)
	if err != nil {
		return nil, err
	}
	payment, ur, err := s.store.UpsertPayment(ctx, s.scope, row, rec)
	if err != nil {
		return nil, err
	}

	s.invalidate()
	s.emit(EventPaymentRecorded, payment)
	logging.L(ctx).Info("payment recorded",
		"tenant_id", s.tenantID,
		"external_id", payment.ExternalID,
		"amount_cents", payment.AmountCents,
		"request_id", requestID,
	)
	return &PaymentResult{Payment: payment, LogEntryID: ur.LogEntryID}, nil
}

// logPaymentFailure appends a failed entry so the attempt is visible in
// the audit trail even though no mirror row changed. Best effort: the
// create error is what the caller needs to see.
func (s *Service) logPaymentFailure(ctx context.Context, requestID string, req PaymentRequest, cause error) {
	payload, err := json.Marshal(req)
	if err != nil {
		payload = nil
	}
	rec := &txlog.Record{
		TenantID:   s.tenantID,
		EntityKind: string(mirror.KindPayment),
		Type:       txlog.TypeFailed,
		Source:     txlog.SourceUser,
		ExternalID: "",
		Payload:    payload,
		Reason:     cause.Error(),
		Metadata:   json.RawMessage(fmt.Sprintf(`{"requestId":%q}`, requestID)),
	}
	if err := s.logs.Append(context.WithoutCancel(ctx), rec); err != nil {
		logging.L(ctx).Warn("payment failure not logged", "tenant_id", s.tenantID, "request_id", requestID, "error", err)
	}
}

// VoidPayment voids a previously recorded payment in the remote ledger
// and applies the voided row locally.
func (s *Service) VoidPayment(ctx context.Context, externalID string) (*PaymentResult, error) {
	if externalID == "" {
		return nil, errs.New(errs.Validation, "syncservice: payment id required")
	}
	ctx, span := traces.StartSpan(ctx, "syncservice.VoidPayment",
		traces.TenantID(s.tenantID), traces.ExternalID(externalID))
	defer span.End()

	prev, err := s.store.GetPayment(ctx, s.scope, externalID)
	if err != nil {
		return nil, err
	}

	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opPaymentVoid,
		Args:      externalID,
		Strategy:  orchestrator.Immediate,
		Priority:  ratelimit.High,
	}
	voided, err := orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (*ledgerapi.Payment, error) {
		return s.client.VoidPayment(ctx, s.session(ratelimit.High), externalID)
	})
	if err != nil {
		return nil, err
	}

	row, err := mapper.FromWirePayment(*voided)
	if err != nil {
		return nil, err
	}
	rec, err := userRecord(txlog.TypeUpdated, "payment voided", voided, mapper.DiffPayments(prev, row))
	if err != nil {
		return nil, err
	}
	payment, ur, err := s.store.UpsertPayment(ctx, s.scope, row, rec)
	if err != nil {
		return nil, err
	}

	s.invalidate()
	s.emit(EventPaymentVoided, payment)
	logging.L(ctx).Info("payment voided", "tenant_id", s.tenantID, "external_id", externalID)
	return &PaymentResult{Payment: payment, LogEntryID: ur.LogEntryID}, nil
}

// ApproveBill marks a mirrored bill approved for payment. The approval
// is pushed to the remote ledger as a note on the bill, then recorded
// locally as an annotation that survives later syncs. Approving an
// already approved bill replays without touching the remote ledger.
func (s *Service) ApproveBill(ctx context.Context, externalID, approvedBy string) (*BillResult, error) {
	if externalID == "" {
		return nil, errs.New(errs.Validation, "syncservice: bill id required")
	}
	if approvedBy == "" {
		return nil, errs.New(errs.Validation, "syncservice: approver required")
	}
	ctx, span := traces.StartSpan(ctx, "syncservice.ApproveBill",
		traces.TenantID(s.tenantID), traces.ExternalID(externalID))
	defer span.End()

	local, err := s.store.GetBill(ctx, s.scope, externalID)
	if err != nil {
		return nil, err
	}
	if local.ApprovedAt != nil {
		return &BillResult{Bill: local, Replayed: true}, nil
	}

	wire := mapper.ToWireBill(local)
	wire.PrivateNote = approvalNote(local.Memo, approvedBy)

	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opBillApprove,
		Args:      externalID,
		Strategy:  orchestrator.Immediate,
		Priority:  ratelimit.High,
	}
	updated, err := orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (*ledgerapi.Bill, error) {
		return s.client.UpdateBill(ctx, s.session(ratelimit.High), wire)
	})
	if err != nil {
		return nil, err
	}

	row, err := mapper.FromWireBill(*updated)
	if err != nil {
		return nil, err
	}
	rec, err := userRecord(txlog.TypeUpdated, "bill approved", updated, mapper.DiffBills(local, row))
	if err != nil {
		return nil, err
	}
	if _, _, err := s.store.UpsertBill(ctx, s.scope, row, rec); err != nil {
		return nil, err
	}

	diff := mapper.Diff{"approved_by": mapper.FieldChange{Old: local.ApprovedBy, New: approvedBy}}
	raw, err := diff.Raw()
	if err != nil {
		return nil, err
	}
	arec := &txlog.Record{
		Type:   txlog.TypeUpdated,
		Source: txlog.SourceUser,
		Diff:   raw,
		Reason: "bill approval recorded",
	}
	bill, err := s.store.SetBillApproval(ctx, s.scope, externalID, approvedBy, arec)
	if err != nil {
		return nil, err
	}

	s.invalidate()
	s.emit(EventBillApproved, bill)
	logging.L(ctx).Info("bill approved", "tenant_id", s.tenantID, "external_id", externalID, "approved_by", approvedBy)
	return &BillResult{Bill: bill, LogEntryID: arec.ID}, nil
}

// approvalNote appends the approval marker to the bill's existing note
// so nothing the bookkeeper wrote is lost.
func approvalNote(memo, approvedBy string) string {
	marker := fmt.Sprintf("[approved by %s]", approvedBy)
	if memo == "" {
		return marker
	}
	return memo + " " + marker
}
