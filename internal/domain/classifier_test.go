package domain

import "testing"

func TestClassify(t *testing.T) {
	qualified := &BillingProfile{CustomerID: "c-1", IsBusiness: true, VATNumber: "IT01234567890"}
	fiscalOnly := &BillingProfile{CustomerID: "c-1", IsBusiness: true, FiscalCode: "RSSMRA80A01H501U"}
	private := &BillingProfile{CustomerID: "c-1", IsBusiness: false}
	businessNoIDs := &BillingProfile{CustomerID: "c-1", IsBusiness: true}

	tests := []struct {
		name    string
		country string
		profile *BillingProfile
		want    Disposition
	}{
		{name: "foreign with qualified profile", country: "DE", profile: qualified, want: Disposition{Status: InvoiceStatusForeign}},
		{name: "foreign without profile", country: "FR", want: Disposition{Status: InvoiceStatusForeign}},
		{name: "home qualified by vat", country: "IT", profile: qualified, want: Disposition{Status: InvoiceStatusPending, HasVATProfile: true, Enqueue: true}},
		{name: "home qualified by fiscal code", country: " it ", profile: fiscalOnly, want: Disposition{Status: InvoiceStatusPending, HasVATProfile: true, Enqueue: true}},
		{name: "home private", country: "IT", profile: private, want: Disposition{Status: InvoiceStatusCorrispettivo}},
		{name: "home business without identifiers", country: "IT", profile: businessNoIDs, want: Disposition{Status: InvoiceStatusCorrispettivo}},
		{name: "home without profile", country: "IT", want: Disposition{Status: InvoiceStatusPending}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.country, "IT", tt.profile); got != tt.want {
				t.Fatalf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAwaitingProfile(t *testing.T) {
	if !AwaitingProfile(Order{InvoiceStatus: InvoiceStatusPending}) {
		t.Fatal("pending order without vat profile must await profile")
	}
	if AwaitingProfile(Order{InvoiceStatus: InvoiceStatusPending, HasVATProfile: true}) {
		t.Fatal("queued order must not await profile")
	}
	for _, status := range []InvoiceStatus{InvoiceStatusIssued, InvoiceStatusError, InvoiceStatusCancelled, InvoiceStatusForeign, InvoiceStatusCorrispettivo} {
		if AwaitingProfile(Order{InvoiceStatus: status}) {
			t.Fatalf("order in %s must not await profile", status)
		}
	}
}
