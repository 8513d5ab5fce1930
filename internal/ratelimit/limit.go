// Package ratelimit はリクエスト回数制限と、そのストレージ（メモリ/Redis）を提供します。
package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidLimit は制限式を解釈できない場合のエラーです。
var ErrInvalidLimit = errors.New("invalid rate limit expression")

// Limit は Window あたり Requests 回までという制限です。
type Limit struct {
	Requests int
	Window   time.Duration
}

// String は "10 per 1m0s" 形式の表現を返します。ストレージのキーにも使用します。
func (l Limit) String() string {
	return fmt.Sprintf("%d per %s", l.Requests, l.Window)
}

// Validate は Requests と Window が正であることを確認します。
func (l Limit) Validate() error {
	if l.Requests <= 0 || l.Window <= 0 {
		return fmt.Errorf("%w: %d per %s", ErrInvalidLimit, l.Requests, l.Window)
	}
	return nil
}

var units = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// ParseLimits は "200 per day; 50/hour, 10 per 5 minutes" のような式を解釈します。
// 区切りは ';' または ','、各項目は "N per [M] unit" または "N/[M]unit" です。
func ParseLimits(expr string) ([]Limit, error) {
	var limits []Limit
	for _, part := range strings.FieldsFunc(expr, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		limit, err := parseLimit(part)
		if err != nil {
			return nil, err
		}
		limits = append(limits, limit)
	}
	if len(limits) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLimit, expr)
	}
	return limits, nil
}

func parseLimit(item string) (Limit, error) {
	var amount, period string
	lower := strings.ToLower(item)
	switch {
	case strings.Contains(lower, " per "):
		amount, period, _ = strings.Cut(lower, " per ")
	case strings.Contains(lower, "/"):
		amount, period, _ = strings.Cut(lower, "/")
	default:
		return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
	}

	requests, err := strconv.Atoi(strings.TrimSpace(amount))
	if err != nil || requests <= 0 {
		return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
	}

	fields := strings.Fields(period)
	multiplier := 1
	switch len(fields) {
	case 1:
		// "5minutes" のように数字と単位が続いている場合も受け付ける
		digits := strings.TrimRightFunc(fields[0], func(r rune) bool { return r < '0' || r > '9' })
		if digits != "" {
			multiplier, err = strconv.Atoi(digits)
			if err != nil {
				return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
			}
			fields[0] = strings.TrimPrefix(fields[0], digits)
		}
	case 2:
		multiplier, err = strconv.Atoi(fields[0])
		if err != nil {
			return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
		}
		fields = fields[1:]
	default:
		return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
	}
	if multiplier <= 0 {
		return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, item)
	}

	unit, ok := units[strings.TrimSuffix(fields[0], "s")]
	if !ok {
		return Limit{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidLimit, item)
	}

	return Limit{
		Requests: requests,
		Window:   time.Duration(multiplier) * unit,
	}, nil
}
