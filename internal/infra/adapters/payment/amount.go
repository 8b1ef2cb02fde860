package payment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"catalog-billing/internal/domain"
)

// ParseSoums converts a decimal soum string ("14250.00") to tiyin without floating point.
func ParseSoums(s string) (int64, error) {
	whole, frac, hasFrac := strings.Cut(strings.TrimSpace(s), ".")
	if !digits(whole) || (hasFrac && (!digits(frac) || len(frac) > 2)) {
		return 0, domain.ErrInvalidArgument
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > (math.MaxInt64-99)/100 {
		return 0, domain.ErrInvalidArgument
	}
	var f int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		f, _ = strconv.ParseInt(frac, 10, 64)
	}
	return w*100 + f, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatSoums renders tiyin as a two-decimal soum string.
func FormatSoums(tiyin int64) string {
	return fmt.Sprintf("%d.%02d", tiyin/100, tiyin%100)
}
