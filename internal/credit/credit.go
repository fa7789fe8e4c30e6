// Package credit contains the regulatory constants and small pure helpers
// shared by the stage operations, the scorer worker and the local fallback.
package credit

import (
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	// LegalAge is the minimum client age.
	LegalAge = 18
	// MinimumScore is the blacklist gate applied before risk scoring.
	MinimumScore = 300
	// NoIncomeRatio is reported as the debt ratio of a client without income.
	NoIncomeRatio = 999.9
)

var cpfPattern = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$`)

// ValidCPF reports whether s is in the canonical NNN.NNN.NNN-NN form.
func ValidCPF(s string) bool {
	return cpfPattern.MatchString(s)
}

// NormalizeCPF keeps the digits of s, caps them at eleven and renders them
// with the canonical separators. Partial input yields a partial mask.
func NormalizeCPF(s string) string {
	var digits []byte
	for i := 0; i < len(s) && len(digits) < 11; i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	var b strings.Builder
	for i, d := range digits {
		switch i {
		case 3, 6:
			b.WriteByte('.')
		case 9:
			b.WriteByte('-')
		}
		b.WriteByte(d)
	}
	return b.String()
}

// DebtRatio is amount/income rounded to two decimals. A zero income yields
// NoIncomeRatio.
func DebtRatio(income, amount float64) float64 {
	if income == 0 {
		return NoIncomeRatio
	}
	return Round2(amount / income)
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var brl = message.NewPrinter(language.BrazilianPortuguese)

// FormatBRL renders amount as Brazilian reais, e.g. "R$ 10.000,00".
func FormatBRL(amount float64) string {
	return "R$ " + brl.Sprintf("%.2f", amount)
}

// NewProtocolID returns an eight character upper-case protocol identifier.
func NewProtocolID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
