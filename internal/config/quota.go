package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Peergos/payments/internal/units"
)

// ParseQuota parses a quota size like "50g", "1m" or "1073741824": a
// plain byte count with an optional g (GiB) or m (MiB) suffix.
func ParseQuota(in string) (units.ByteCount, error) {
	s := strings.TrimSpace(strings.ToLower(in))
	if s == "" {
		return 0, fmt.Errorf("empty quota size")
	}

	mult := units.ByteCount(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = units.Gigabyte
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		mult = units.Megabyte
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quota size %q", in)
	}
	bytes, err := units.Bytes(n)
	if err != nil {
		return 0, fmt.Errorf("invalid quota size %q: %w", in, err)
	}
	return bytes.Mul(mult.Int64()), nil
}

// ParseQuotaList parses a comma-separated quota list like "0,1m,50g".
func ParseQuotaList(in string) ([]units.ByteCount, error) {
	parts := strings.Split(in, ",")
	out := make([]units.ByteCount, 0, len(parts))
	for _, part := range parts {
		q, err := ParseQuota(part)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// ParseCentsList parses a comma-separated list of cent amounts like
// "0,500,5000".
func ParseCentsList(in string) ([]units.CentAmount, error) {
	parts := strings.Split(in, ",")
	out := make([]units.CentAmount, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q", part)
		}
		cents, err := units.Cents(n)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", part, err)
		}
		out = append(out, cents)
	}
	return out, nil
}
