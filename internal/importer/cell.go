package importer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerdesk/backend/internal/money"
)

type CellKind int

const (
	CellEmpty CellKind = iota
	CellNumber
	CellDate
	CellText
)

func (k CellKind) String() string {
	switch k {
	case CellNumber:
		return "number"
	case CellDate:
		return "date"
	case CellText:
		return "text"
	default:
		return "empty"
	}
}

// Cell is a raw spreadsheet value after classification. Only the field that
// matches Kind is meaningful; Text always holds the trimmed raw value.
type Cell struct {
	Kind   CellKind
	Text   string
	Number decimal.Decimal
	Date   time.Time
}

// Classify interprets raw according to the role of its column. Date columns
// yield CellDate or CellText, numeric columns CellNumber or CellText, and
// everything else CellText. Blank input is always CellEmpty.
func Classify(role Role, raw string) Cell {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Cell{Kind: CellEmpty}
	}
	switch role {
	case RoleDate:
		if d, ok := ParseDate(text); ok {
			return Cell{Kind: CellDate, Text: text, Date: d}
		}
	case RolePrice, RoleQuantity, RoleTotal:
		if n, ok := money.ParseLoose(text); ok {
			return Cell{Kind: CellNumber, Text: text, Number: n}
		}
	}
	return Cell{Kind: CellText, Text: text}
}

// NumberOr returns the numeric value, or fallback for non-numeric cells.
func (c Cell) NumberOr(fallback decimal.Decimal) decimal.Decimal {
	if c.Kind == CellNumber {
		return c.Number
	}
	return fallback
}

func (c Cell) TextOr(fallback string) string {
	if c.Kind == CellEmpty {
		return fallback
	}
	return c.Text
}

var (
	excelEpoch   = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	serialRe     = regexp.MustCompile(`^\d{2,6}(\.\d+)?$`)
	dayMonthRe   = regexp.MustCompile(`^(\d{1,2})[/\-](\d{1,2})[/\-](\d{2,4})(?:\s|$)`)
	genericForms = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"2006/01/02",
		"Jan 2, 2006",
		"2 Jan 2006",
		"January 2, 2006",
	}
)

const maxYear = 2100

// ParseDate accepts, in order: an Excel serial day number, dd/mm/yyyy or
// dd-mm-yy (two-digit years are 20xx), then a handful of generic layouts.
// Dates past maxYear are rejected as garbage.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if serialRe.MatchString(s) {
		days, err := strconv.ParseFloat(s, 64)
		if err == nil {
			d := excelEpoch.Add(time.Duration(days * float64(24*time.Hour))).Round(time.Second)
			return checkYear(d)
		}
	}

	if m := dayMonthRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month >= 1 && month <= 12 && day >= 1 {
			d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			// reject 31/02 and friends instead of rolling into the next month
			if d.Day() == day {
				return checkYear(d)
			}
		}
	}

	for _, layout := range genericForms {
		if d, err := time.Parse(layout, s); err == nil {
			return checkYear(d.UTC())
		}
	}
	return time.Time{}, false
}

func checkYear(d time.Time) (time.Time, bool) {
	if d.Year() > maxYear {
		return time.Time{}, false
	}
	return d, true
}
