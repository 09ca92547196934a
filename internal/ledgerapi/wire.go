// Package ledgerapi is the only package that speaks the external ledger's
// wire protocol. It defines the typed payloads, the classification of HTTP
// responses into the shared error taxonomy, and the rate-limited transport
// every outbound call flows through.
package ledgerapi

// Ref is the wire shape of an entity reference (vendor, customer, account).
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// MetaData carries the provider's audit timestamps.
type MetaData struct {
	CreateTime      string `json:"CreateTime,omitempty"`
	LastUpdatedTime string `json:"LastUpdatedTime,omitempty"`
}

// EmailAddr is the wire shape of an email address field.
type EmailAddr struct {
	Address string `json:"Address,omitempty"`
}

// LinkedTxn ties a line item to another transaction (a payment line to the
// bill it settles).
type LinkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

// Line is a transaction line item. Amounts are decimal strings.
type Line struct {
	ID          string      `json:"Id,omitempty"`
	Amount      string      `json:"Amount,omitempty"`
	Description string      `json:"Description,omitempty"`
	DetailType  string      `json:"DetailType,omitempty"`
	LinkedTxn   []LinkedTxn `json:"LinkedTxn,omitempty"`
}

// Bill is a payable as represented on the wire.
type Bill struct {
	ID          string    `json:"Id,omitempty"`
	SyncToken   string    `json:"SyncToken,omitempty"`
	MetaData    *MetaData `json:"MetaData,omitempty"`
	TxnDate     string    `json:"TxnDate,omitempty"`
	DueDate     string    `json:"DueDate,omitempty"`
	TotalAmt    string    `json:"TotalAmt,omitempty"`
	Balance     string    `json:"Balance,omitempty"`
	VendorRef   *Ref      `json:"VendorRef,omitempty"`
	DocNumber   string    `json:"DocNumber,omitempty"`
	PrivateNote string    `json:"PrivateNote,omitempty"`
	Line        []Line    `json:"Line,omitempty"`
}

// Invoice is a receivable as represented on the wire.
type Invoice struct {
	ID          string    `json:"Id,omitempty"`
	SyncToken   string    `json:"SyncToken,omitempty"`
	MetaData    *MetaData `json:"MetaData,omitempty"`
	TxnDate     string    `json:"TxnDate,omitempty"`
	DueDate     string    `json:"DueDate,omitempty"`
	TotalAmt    string    `json:"TotalAmt,omitempty"`
	Balance     string    `json:"Balance,omitempty"`
	CustomerRef *Ref      `json:"CustomerRef,omitempty"`
	DocNumber   string    `json:"DocNumber,omitempty"`
	PrivateNote string    `json:"PrivateNote,omitempty"`
	Line        []Line    `json:"Line,omitempty"`
}

// Vendor is a supplier record as represented on the wire.
type Vendor struct {
	ID               string     `json:"Id,omitempty"`
	SyncToken        string     `json:"SyncToken,omitempty"`
	MetaData         *MetaData  `json:"MetaData,omitempty"`
	DisplayName      string     `json:"DisplayName,omitempty"`
	CompanyName      string     `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddr `json:"PrimaryEmailAddr,omitempty"`
	Balance          string     `json:"Balance,omitempty"`
	Active           *bool      `json:"Active,omitempty"`
}

// Customer is a buyer record as represented on the wire.
type Customer struct {
	ID               string     `json:"Id,omitempty"`
	SyncToken        string     `json:"SyncToken,omitempty"`
	MetaData         *MetaData  `json:"MetaData,omitempty"`
	DisplayName      string     `json:"DisplayName,omitempty"`
	CompanyName      string     `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddr `json:"PrimaryEmailAddr,omitempty"`
	Balance          string     `json:"Balance,omitempty"`
	Active           *bool      `json:"Active,omitempty"`
}

// Account is a chart-of-accounts entry as represented on the wire.
type Account struct {
	ID             string    `json:"Id,omitempty"`
	SyncToken      string    `json:"SyncToken,omitempty"`
	MetaData       *MetaData `json:"MetaData,omitempty"`
	Name           string    `json:"Name,omitempty"`
	AcctNum        string    `json:"AcctNum,omitempty"`
	AccountType    string    `json:"AccountType,omitempty"`
	AccountSubType string    `json:"AccountSubType,omitempty"`
	Classification string    `json:"Classification,omitempty"`
	CurrentBalance string    `json:"CurrentBalance,omitempty"`
	Active         *bool     `json:"Active,omitempty"`
}

// Payment is an outbound bill payment as represented on the wire.
type Payment struct {
	ID          string    `json:"Id,omitempty"`
	SyncToken   string    `json:"SyncToken,omitempty"`
	MetaData    *MetaData `json:"MetaData,omitempty"`
	TxnDate     string    `json:"TxnDate,omitempty"`
	TotalAmt    string    `json:"TotalAmt,omitempty"`
	VendorRef   *Ref      `json:"VendorRef,omitempty"`
	PayType     string    `json:"PayType,omitempty"`
	DocNumber   string    `json:"DocNumber,omitempty"`
	PrivateNote string    `json:"PrivateNote,omitempty"`
	Line        []Line    `json:"Line,omitempty"`
}

// CompanyInfo describes the realm's company file.
type CompanyInfo struct {
	ID                   string    `json:"Id,omitempty"`
	SyncToken            string    `json:"SyncToken,omitempty"`
	MetaData             *MetaData `json:"MetaData,omitempty"`
	CompanyName          string    `json:"CompanyName,omitempty"`
	LegalName            string    `json:"LegalName,omitempty"`
	Country              string    `json:"Country,omitempty"`
	FiscalYearStartMonth string    `json:"FiscalYearStartMonth,omitempty"`
}

// QueryResponse is the provider's paging envelope for query endpoints. Only
// the array matching the queried entity kind is populated.
type QueryResponse struct {
	Bill          []Bill     `json:"Bill,omitempty"`
	Invoice       []Invoice  `json:"Invoice,omitempty"`
	Vendor        []Vendor   `json:"Vendor,omitempty"`
	Customer      []Customer `json:"Customer,omitempty"`
	Account       []Account  `json:"Account,omitempty"`
	Payment       []Payment  `json:"Payment,omitempty"`
	StartPosition int        `json:"startPosition,omitempty"`
	MaxResults    int        `json:"maxResults,omitempty"`
}

// QueryEnvelope wraps every query response.
type QueryEnvelope struct {
	QueryResponse QueryResponse `json:"QueryResponse"`
	Time          string        `json:"time,omitempty"`
}

// Single-entity envelopes. Reads and writes of one resource come back
// wrapped in an object keyed by the entity name.
type BillEnvelope struct {
	Bill Bill `json:"Bill"`
}

type InvoiceEnvelope struct {
	Invoice Invoice `json:"Invoice"`
}

type PaymentEnvelope struct {
	Payment Payment `json:"Payment"`
}

type CompanyInfoEnvelope struct {
	CompanyInfo CompanyInfo `json:"CompanyInfo"`
}

// FaultError is one error inside a provider fault response.
type FaultError struct {
	Message string `json:"Message,omitempty"`
	Detail  string `json:"Detail,omitempty"`
	Code    string `json:"code,omitempty"`
	Element string `json:"element,omitempty"`
}

// Fault is the provider's error envelope.
type Fault struct {
	Fault struct {
		Error []FaultError `json:"Error,omitempty"`
		Type  string       `json:"type,omitempty"`
	} `json:"Fault"`
	Time string `json:"time,omitempty"`
}
