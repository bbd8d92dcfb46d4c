package validation

import (
	"strings"
	"testing"
)

func TestIsValidCardNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid example 1",
			number: "79927398713",
			valid:  true,
		},
		{
			name:   "valid example 2",
			number: "4539578763621486",
			valid:  true,
		},
		{
			name:   "invalid checksum",
			number: "79927398710",
			valid:  false,
		},
		{
			name:   "contains letters",
			number: "1234a67890",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidCardNumber(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidCardNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestCheckDigit(t *testing.T) {
	d, err := CheckDigit("7992739871")
	if err != nil {
		t.Fatalf("CheckDigit error: %v", err)
	}
	if d != '3' {
		t.Fatalf("CheckDigit = %c, want 3", d)
	}

	if _, err := CheckDigit("12a"); err == nil {
		t.Fatalf("expected error for non-digit input")
	}
}

func TestGenerateCardNumber(t *testing.T) {
	for i := 0; i < 50; i++ {
		n, err := GenerateCardNumber(DefaultIssuerPrefix)
		if err != nil {
			t.Fatalf("GenerateCardNumber error: %v", err)
		}
		if len(n) != CardNumberLength {
			t.Fatalf("len = %d, want %d", len(n), CardNumberLength)
		}
		if !strings.HasPrefix(n, DefaultIssuerPrefix) {
			t.Fatalf("number %s lacks prefix", n)
		}
		if !IsValidCardNumber(n) {
			t.Fatalf("generated number %s fails Luhn check", n)
		}
	}

	if _, err := GenerateCardNumber(strings.Repeat("1", CardNumberLength)); err == nil {
		t.Fatalf("expected error for oversized prefix")
	}
}
