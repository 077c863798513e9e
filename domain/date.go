package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a civil calendar date with no time-of-day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

var dateLayouts = []string{
	dateLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf takes the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate accepts a bare date or a timestamp. Timestamps keep the date as
// written, without converting to another zone.
func ParseDate(raw string) (Date, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("parse date %q: unsupported format", raw)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// String formats as YYYY-MM-DD, the form the service stores.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Format uses time.Time layouts.
func (d Date) Format(layout string) string {
	return d.Time().Format(layout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if raw == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
