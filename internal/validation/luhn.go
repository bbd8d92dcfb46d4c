// Package validation содержит функции генерации и проверки номеров карт.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// CardNumberLength задаёт длину выпускаемых номеров карт.
const CardNumberLength = 16

// DefaultIssuerPrefix задаёт префикс эмитента выпускаемых карт.
const DefaultIssuerPrefix = "400000"

// IsValidCardNumber проверяет корректность номера карты по алгоритму Луна.
func IsValidCardNumber(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// CheckDigit вычисляет контрольную цифру Луна для номера без неё.
func CheckDigit(partial string) (byte, error) {
	sum := 0
	double := true

	for i := len(partial) - 1; i >= 0; i-- {
		ch := rune(partial[i])
		if !unicode.IsDigit(ch) {
			return 0, fmt.Errorf("non-digit %q in card number", ch)
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return byte('0' + (10-sum%10)%10), nil
}

// GenerateCardNumber выпускает случайный номер карты с указанным префиксом и корректной контрольной цифрой.
func GenerateCardNumber(prefix string) (string, error) {
	if len(prefix) >= CardNumberLength {
		return "", fmt.Errorf("prefix %q too long", prefix)
	}

	var b strings.Builder
	b.WriteString(prefix)
	for b.Len() < CardNumberLength-1 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("random digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	check, err := CheckDigit(b.String())
	if err != nil {
		return "", err
	}
	b.WriteByte(check)
	return b.String(), nil
}
