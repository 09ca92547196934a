package mockledger

import (
	"time"

	"github.com/runwayly/ledgersync/internal/ledgerapi"
)

func boolPtr(b bool) *bool { return &b }

// seedStamp is the fixed creation time fixtures carry.
const seedStamp = "2025-06-01T08:00:00Z"

func dueIn(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}

// Seed installs a realm with a deterministic company file: two
// vendors, two customers, four accounts, three bills (one of them
// paid), and two invoices (one of them paid). Due dates sit relative
// to today so due-window reads stay meaningful. The first seeded
// realm becomes the default for the authorize redirect.
func (s *Server) Seed(realmID string) {
	md := &ledgerapi.MetaData{CreateTime: seedStamp, LastUpdatedTime: seedStamp}
	r := newRealm()

	r.company = &ledgerapi.CompanyInfo{
		ID:                   realmID,
		SyncToken:            "0",
		MetaData:             md,
		CompanyName:          "Runway Demo Co",
		LegalName:            "Runway Demo Company LLC",
		Country:              "US",
		FiscalYearStartMonth: "January",
	}

	r.vendors["vendor-1"] = &ledgerapi.Vendor{
		ID: "vendor-1", SyncToken: "0", MetaData: md,
		DisplayName: "Cloudhost Inc", CompanyName: "Cloudhost Inc",
		PrimaryEmailAddr: &ledgerapi.EmailAddr{Address: "billing@cloudhost.example"},
		Balance:          "1250.00", Active: boolPtr(true),
	}
	r.vendors["vendor-2"] = &ledgerapi.Vendor{
		ID: "vendor-2", SyncToken: "0", MetaData: md,
		DisplayName: "Beanfarm Supply Co", CompanyName: "Beanfarm Supply Co",
		Balance: "89.99", Active: boolPtr(true),
	}

	r.customers["customer-1"] = &ledgerapi.Customer{
		ID: "customer-1", SyncToken: "0", MetaData: md,
		DisplayName: "Acme Corp", CompanyName: "Acme Corporation",
		PrimaryEmailAddr: &ledgerapi.EmailAddr{Address: "ap@acme.example"},
		Balance:          "5400.00", Active: boolPtr(true),
	}
	r.customers["customer-2"] = &ledgerapi.Customer{
		ID: "customer-2", SyncToken: "0", MetaData: md,
		DisplayName: "Globex LLC", CompanyName: "Globex LLC",
		Balance: "0.00", Active: boolPtr(true),
	}

	r.accounts["acct-1"] = &ledgerapi.Account{
		ID: "acct-1", SyncToken: "0", MetaData: md,
		Name: "Checking", AcctNum: "1000",
		AccountType: "Bank", AccountSubType: "Checking",
		Classification: "Asset", CurrentBalance: "182500.00", Active: boolPtr(true),
	}
	r.accounts["acct-2"] = &ledgerapi.Account{
		ID: "acct-2", SyncToken: "0", MetaData: md,
		Name: "Savings", AcctNum: "1100",
		AccountType: "Bank", AccountSubType: "Savings",
		Classification: "Asset", CurrentBalance: "60000.00", Active: boolPtr(true),
	}
	r.accounts["acct-3"] = &ledgerapi.Account{
		ID: "acct-3", SyncToken: "0", MetaData: md,
		Name: "Accounts Payable", AcctNum: "2000",
		AccountType: "Accounts Payable", AccountSubType: "AccountsPayable",
		Classification: "Liability", CurrentBalance: "1339.99", Active: boolPtr(true),
	}
	r.accounts["acct-4"] = &ledgerapi.Account{
		ID: "acct-4", SyncToken: "0", MetaData: md,
		Name: "Software & Hosting", AcctNum: "6200",
		AccountType: "Expense", AccountSubType: "OtherBusinessExpenses",
		Classification: "Expense", Active: boolPtr(true),
	}

	r.bills["bill-1"] = &ledgerapi.Bill{
		ID: "bill-1", SyncToken: "0", MetaData: md,
		TxnDate: dueIn(-25), DueDate: dueIn(5),
		TotalAmt: "1250.00", Balance: "1250.00",
		VendorRef: &ledgerapi.Ref{Value: "vendor-1", Name: "Cloudhost Inc"},
		DocNumber: "CH-2025-0713",
		Line: []ledgerapi.Line{{
			ID: "1", Amount: "1250.00", Description: "July hosting",
			DetailType: "AccountBasedExpenseLineDetail",
		}},
	}
	r.bills["bill-2"] = &ledgerapi.Bill{
		ID: "bill-2", SyncToken: "0", MetaData: md,
		TxnDate: dueIn(-10), DueDate: dueIn(20),
		TotalAmt: "89.99", Balance: "89.99",
		VendorRef: &ledgerapi.Ref{Value: "vendor-2", Name: "Beanfarm Supply Co"},
		DocNumber: "BF-88412",
		Line: []ledgerapi.Line{{
			ID: "1", Amount: "89.99", Description: "Office coffee",
			DetailType: "AccountBasedExpenseLineDetail",
		}},
	}
	r.bills["bill-3"] = &ledgerapi.Bill{
		ID: "bill-3", SyncToken: "0", MetaData: md,
		TxnDate: dueIn(-40), DueDate: dueIn(-10),
		TotalAmt: "430.00", Balance: "0.00",
		VendorRef: &ledgerapi.Ref{Value: "vendor-1", Name: "Cloudhost Inc"},
		DocNumber: "CH-2025-0601",
	}

	r.invoices["inv-1"] = &ledgerapi.Invoice{
		ID: "inv-1", SyncToken: "0", MetaData: md,
		TxnDate: dueIn(-16), DueDate: dueIn(14),
		TotalAmt: "5400.00", Balance: "5400.00",
		CustomerRef: &ledgerapi.Ref{Value: "customer-1", Name: "Acme Corp"},
		DocNumber:   "INV-1042",
		Line: []ledgerapi.Line{{
			ID: "1", Amount: "5400.00", Description: "Platform subscription",
			DetailType: "SalesItemLineDetail",
		}},
	}
	r.invoices["inv-2"] = &ledgerapi.Invoice{
		ID: "inv-2", SyncToken: "0", MetaData: md,
		TxnDate: dueIn(-35), DueDate: dueIn(-5),
		TotalAmt: "1200.00", Balance: "0.00",
		CustomerRef: &ledgerapi.Ref{Value: "customer-2", Name: "Globex LLC"},
		DocNumber:   "INV-1018",
	}

	s.mu.Lock()
	s.realms[realmID] = r
	if s.defaultRealm == "" {
		s.defaultRealm = realmID
	}
	s.mu.Unlock()
}
