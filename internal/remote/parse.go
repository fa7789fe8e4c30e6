package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tjfontaine/credit-desk/internal/domain"
)

type wireSignal struct {
	Prediction  *int     `json:"risk_prediction"`
	Probability *float64 `json:"risk_probability"`
	Status      *string  `json:"status"`
}

// ParseSignal decodes a risk payload. JSON is tried first, then the legacy
// dict-literal form ({'status': 'LOW_RISK', ...}). Anything else yields the
// ERROR signal together with ErrMalformedPayload.
func ParseSignal(text string) (domain.RiskSignal, error) {
	text = strings.TrimSpace(text)
	if sig, err := decodeSignal(text); err == nil {
		return sig, nil
	}
	if legacy, ok := legacyToJSON(text); ok {
		if sig, err := decodeSignal(legacy); err == nil {
			return sig, nil
		}
	}
	return domain.ErrorSignal(), fmt.Errorf("%w: %.80q", ErrMalformedPayload, text)
}

func decodeSignal(text string) (domain.RiskSignal, error) {
	var w wireSignal
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return domain.RiskSignal{}, err
	}
	if w.Status == nil || w.Probability == nil {
		return domain.RiskSignal{}, fmt.Errorf("missing status or probability")
	}
	sig := domain.RiskSignal{Probability: *w.Probability, Status: domain.RiskStatus(*w.Status)}
	if w.Prediction != nil {
		sig.Prediction = *w.Prediction
	}
	switch sig.Status {
	case domain.RiskHigh, domain.RiskLow, domain.RiskError:
	default:
		return domain.RiskSignal{}, fmt.Errorf("unknown status %q", sig.Status)
	}
	if sig.Prediction != 0 && sig.Prediction != 1 {
		return domain.RiskSignal{}, fmt.Errorf("prediction %d out of range", sig.Prediction)
	}
	if math.IsNaN(sig.Probability) || sig.Probability < 0 || sig.Probability > 1 {
		return domain.RiskSignal{}, fmt.Errorf("probability %v out of range", sig.Probability)
	}
	return sig, nil
}

// legacyToJSON rewrites a dict literal with single- or double-quoted strings
// and True/False/None constants into JSON.
func legacyToJSON(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			b.WriteByte('"')
			i++
			for ; i < len(s) && s[i] != '\''; i++ {
				switch s[i] {
				case '"':
					b.WriteString(`\"`)
				case '\\':
					if i+1 < len(s) {
						i++
						if s[i] == '\'' {
							b.WriteByte('\'')
						} else {
							b.WriteByte('\\')
							b.WriteByte(s[i])
						}
					}
				default:
					b.WriteByte(s[i])
				}
			}
			if i >= len(s) {
				return "", false
			}
			b.WriteByte('"')
		case ch == '"':
			// repr uses double quotes for strings holding an apostrophe.
			b.WriteByte('"')
			i++
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i])
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return "", false
			}
			b.WriteByte('"')
		case strings.HasPrefix(s[i:], "True"):
			b.WriteString("true")
			i += len("True") - 1
		case strings.HasPrefix(s[i:], "False"):
			b.WriteString("false")
			i += len("False") - 1
		case strings.HasPrefix(s[i:], "None"):
			b.WriteString("null")
			i += len("None") - 1
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), true
}

// ParseRatio decodes a debt ratio payload: a bare number, optionally
// wrapped as {"dti": n}.
func ParseRatio(text string) (float64, error) {
	text = strings.TrimSpace(text)
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		var wrapped struct {
			DTI *float64 `json:"dti"`
		}
		if jerr := json.Unmarshal([]byte(text), &wrapped); jerr != nil || wrapped.DTI == nil {
			return 0, fmt.Errorf("%w: %.80q", ErrMalformedPayload, text)
		}
		v = *wrapped.DTI
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: ratio %v", ErrMalformedPayload, v)
	}
	return v, nil
}
