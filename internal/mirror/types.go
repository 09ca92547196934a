package mirror

import "time"

// Bill is a mirrored payable. ApprovedAt and ApprovedBy are local
// annotations that external syncs never touch.
type Bill struct {
	ID               int64      `json:"id"`
	TenantID         string     `json:"tenantId"`
	ExternalID       string     `json:"externalId"`
	SyncToken        int64      `json:"syncToken"`
	VendorExternalID string     `json:"vendorExternalId,omitempty"`
	VendorName       string     `json:"vendorName,omitempty"`
	DocNumber        string     `json:"docNumber,omitempty"`
	TxnDate          time.Time  `json:"txnDate"`
	DueDate          time.Time  `json:"dueDate"`
	AmountCents      int64      `json:"amountCents"`
	BalanceCents     int64      `json:"balanceCents"`
	Memo             string     `json:"memo,omitempty"`
	IsActive         bool       `json:"isActive"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	SourceCreatedAt  time.Time  `json:"sourceCreatedAt"`
	SourceUpdatedAt  time.Time  `json:"sourceUpdatedAt"`
	LastSyncedAt     time.Time  `json:"lastSyncedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Invoice is a mirrored receivable.
type Invoice struct {
	ID                 int64     `json:"id"`
	TenantID           string    `json:"tenantId"`
	ExternalID         string    `json:"externalId"`
	SyncToken          int64     `json:"syncToken"`
	CustomerExternalID string    `json:"customerExternalId,omitempty"`
	CustomerName       string    `json:"customerName,omitempty"`
	DocNumber          string    `json:"docNumber,omitempty"`
	TxnDate            time.Time `json:"txnDate"`
	DueDate            time.Time `json:"dueDate"`
	AmountCents        int64     `json:"amountCents"`
	BalanceCents       int64     `json:"balanceCents"`
	Memo               string    `json:"memo,omitempty"`
	IsActive           bool      `json:"isActive"`
	SourceCreatedAt    time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt    time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt       time.Time `json:"lastSyncedAt"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Vendor is a mirrored supplier record.
type Vendor struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenantId"`
	ExternalID      string    `json:"externalId"`
	SyncToken       int64     `json:"syncToken"`
	DisplayName     string    `json:"displayName"`
	CompanyName     string    `json:"companyName,omitempty"`
	Email           string    `json:"email,omitempty"`
	BalanceCents    int64     `json:"balanceCents"`
	IsActive        bool      `json:"isActive"`
	SourceCreatedAt time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Customer is a mirrored buyer record.
type Customer struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenantId"`
	ExternalID      string    `json:"externalId"`
	SyncToken       int64     `json:"syncToken"`
	DisplayName     string    `json:"displayName"`
	CompanyName     string    `json:"companyName,omitempty"`
	Email           string    `json:"email,omitempty"`
	BalanceCents    int64     `json:"balanceCents"`
	IsActive        bool      `json:"isActive"`
	SourceCreatedAt time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Account is a mirrored chart-of-accounts entry. BalanceCents mirrors the
// provider's CurrentBalance and feeds cash position reads.
type Account struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenantId"`
	ExternalID      string    `json:"externalId"`
	SyncToken       int64     `json:"syncToken"`
	Name            string    `json:"name"`
	AcctNum         string    `json:"acctNum,omitempty"`
	AccountType     string    `json:"accountType,omitempty"`
	AccountSubType  string    `json:"accountSubType,omitempty"`
	Classification  string    `json:"classification,omitempty"`
	BalanceCents    int64     `json:"balanceCents"`
	IsActive        bool      `json:"isActive"`
	SourceCreatedAt time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Payment is a mirrored outbound payment. RequestID is the client
// idempotency marker recorded at creation; replays look it up instead of
// paying twice.
type Payment struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenantId"`
	ExternalID       string    `json:"externalId"`
	SyncToken        int64     `json:"syncToken"`
	VendorExternalID string    `json:"vendorExternalId,omitempty"`
	VendorName       string    `json:"vendorName,omitempty"`
	TxnDate          time.Time `json:"txnDate"`
	AmountCents      int64     `json:"amountCents"`
	PayType          string    `json:"payType,omitempty"`
	DocNumber        string    `json:"docNumber,omitempty"`
	Memo             string    `json:"memo,omitempty"`
	RequestID        string    `json:"requestId,omitempty"`
	IsActive         bool      `json:"isActive"`
	SourceCreatedAt  time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt  time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt     time.Time `json:"lastSyncedAt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Company is the single per-tenant company file snapshot.
type Company struct {
	ID                   int64     `json:"id"`
	TenantID             string    `json:"tenantId"`
	ExternalID           string    `json:"externalId"`
	SyncToken            int64     `json:"syncToken"`
	CompanyName          string    `json:"companyName"`
	LegalName            string    `json:"legalName,omitempty"`
	Country              string    `json:"country,omitempty"`
	FiscalYearStartMonth string    `json:"fiscalYearStartMonth,omitempty"`
	SourceCreatedAt      time.Time `json:"sourceCreatedAt"`
	SourceUpdatedAt      time.Time `json:"sourceUpdatedAt"`
	LastSyncedAt         time.Time `json:"lastSyncedAt"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Balance is a point-in-time cash balance for one ledger account, refreshed
// whenever the account syncs. Only accounts the sync layer treats as cash
// get a balance row, so LatestBalance can sum active rows directly.
type Balance struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenantId"`
	ExternalID   string    `json:"externalId"`
	SyncToken    int64     `json:"syncToken"`
	AccountName  string    `json:"accountName"`
	AccountType  string    `json:"accountType,omitempty"`
	BalanceCents int64     `json:"balanceCents"`
	AsOf         time.Time `json:"asOf"`
	IsActive     bool      `json:"isActive"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CashPosition aggregates a tenant's active balance rows.
type CashPosition struct {
	CashCents    int64     `json:"cashCents"`
	AccountCount int       `json:"accountCount"`
	AsOf         time.Time `json:"asOf"`
}

// UpsertResult reports what an upsert did. Exactly one of Applied and
// Stale is true on success; LogEntryID is set when a log record rode the
// same transaction.
type UpsertResult struct {
	Applied    bool  `json:"applied"`
	Stale      bool  `json:"stale"`
	LogEntryID int64 `json:"logEntryId,omitempty"`
}

// SyncState is one row's external version, used by the reconciler to
// compare mirror contents against the transaction log.
type SyncState struct {
	Kind       EntityKind `json:"kind"`
	LocalID    int64      `json:"localId"`
	ExternalID string     `json:"externalId"`
	SyncToken  int64      `json:"syncToken"`
}
