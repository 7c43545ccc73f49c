// Package timefmt renders durations for progress displays: a spoken form
// ("1 นาที 30 วินาที") for estimates and a MM:SS countdown for the next batch.
package timefmt

import (
	"fmt"
	"strings"
	"time"
)

// Locale selects the unit words used by FormatDuration.
type Locale string

// Supported locales.
const (
	LocaleThai    Locale = "th"
	LocaleEnglish Locale = "en"
)

type units struct {
	hour, minute, second string
	plural               bool
}

var localeUnits = map[Locale]units{
	LocaleThai:    {hour: "ชั่วโมง", minute: "นาที", second: "วินาที"},
	LocaleEnglish: {hour: "hour", minute: "minute", second: "second", plural: true},
}

// ParseLocale maps a configuration string onto a Locale.
func ParseLocale(s string) (Locale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "th", "th-th", "thai":
		return LocaleThai, nil
	case "en", "en-us", "en-gb", "english":
		return LocaleEnglish, nil
	default:
		return "", fmt.Errorf("unsupported locale %q", s)
	}
}

// FormatDuration decomposes d into whole hours, minutes and seconds. Zero
// components are omitted, except that seconds are printed when every
// component is zero. Negative durations format as zero.
func FormatDuration(d time.Duration, loc Locale) string {
	u, ok := localeUnits[loc]
	if !ok {
		u = localeUnits[LocaleThai]
	}
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	hours := ms / 3_600_000
	minutes := (ms % 3_600_000) / 60_000
	seconds := (ms % 60_000) / 1000

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, u.format(hours, u.hour))
	}
	if minutes > 0 {
		parts = append(parts, u.format(minutes, u.minute))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, u.format(seconds, u.second))
	}
	return strings.Join(parts, " ")
}

func (u units) format(n int64, word string) string {
	if u.plural && n != 1 {
		word += "s"
	}
	return fmt.Sprintf("%d %s", n, word)
}

// FormatCountdown renders d as zero-padded MM:SS. Negative input clamps to 00:00.
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return "00:00"
	}
	total := d.Milliseconds() / 1000
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatCountdownPtr is FormatCountdown for an optional value; nil renders 00:00.
func FormatCountdownPtr(d *time.Duration) string {
	if d == nil {
		return "00:00"
	}
	return FormatCountdown(*d)
}
