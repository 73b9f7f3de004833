package mail

import "testing"

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{9900, "usd", "99.00 USD"},
		{10692, "usd", "106.92 USD"},
		{5, "eur", "0.05 EUR"},
		{0, "usd", "0.00 USD"},
		{-1980, "usd", "-19.80 USD"},
	}
	for _, tc := range tests {
		if got := FormatAmount(tc.amount, tc.currency); got != tc.want {
			t.Fatalf("FormatAmount(%d, %s) = %q, want %q", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("  "); got != "there" {
		t.Fatalf("blank name = %q, want there", got)
	}
	if got := displayName(" Ada "); got != "Ada" {
		t.Fatalf("name = %q, want Ada", got)
	}
}
