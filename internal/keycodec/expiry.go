package keycodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var monthsByName = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var monthNames = map[time.Month]string{
	time.January: "jan", time.February: "feb", time.March: "mar",
	time.April: "apr", time.May: "may", time.June: "jun",
	time.July: "jul", time.August: "aug", time.September: "sep",
	time.October: "oct", time.November: "nov", time.December: "dec",
}

// deribitSettlementHour is the fixed UTC settlement time for derivatives
// venue expiries.
const deribitSettlementHour = 8

// splitExpiryToken lexes a token into leading digits, month letters, and
// trailing digits.
func splitExpiryToken(tok string) (lead, mon, trail string, err error) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	j := i
	for j < len(tok) && tok[j] >= 'a' && tok[j] <= 'z' {
		j++
	}
	for k := j; k < len(tok); k++ {
		if tok[k] < '0' || tok[k] > '9' {
			return "", "", "", fmt.Errorf("unexpected character %q", tok[k])
		}
	}
	lead, mon, trail = tok[:i], tok[i:j], tok[j:]
	if lead == "" || mon == "" {
		return "", "", "", errors.New("missing day or month")
	}
	return lead, mon, trail, nil
}

// ParseExpiryToken parses one of the three recognized expiry shapes:
//
//	YYMMMDD   — explicit year, month, day
//	DDMMM     — day and month; year assumed from now, rolled forward if the
//	            computed date is already in the past
//	DDMMMHHMM — intraday; same rollover rule applied to the date portion only
//
// The reference time is supplied by the caller so parsing stays
// deterministic. Days in the short shapes must not be zero-padded, which
// keeps Render an exact inverse.
func ParseExpiryToken(tok string, now time.Time) (time.Time, ExpiryShape, error) {
	lead, monStr, trail, err := splitExpiryToken(strings.ToLower(tok))
	if err != nil {
		return time.Time{}, ExpiryNone, err
	}
	mon, ok := monthsByName[monStr]
	if !ok {
		return time.Time{}, ExpiryNone, fmt.Errorf("unknown month %q", monStr)
	}

	switch {
	case len(lead) == 2 && len(trail) == 2:
		// YYMMMDD
		yy, _ := strconv.Atoi(lead)
		day, _ := strconv.Atoi(trail)
		year := 2000 + yy
		if year < now.Year()-1 || year > now.Year()+10 {
			return time.Time{}, ExpiryNone, fmt.Errorf("implausible year %d", year)
		}
		t, err := makeDate(year, mon, day, 0, 0)
		return t, ExpiryYearFull, err

	case len(trail) == 0:
		// DDMMM
		day, err := parseShortDay(lead)
		if err != nil {
			return time.Time{}, ExpiryNone, err
		}
		t, err := makeDate(now.Year(), mon, day, 0, 0)
		if err != nil {
			return time.Time{}, ExpiryNone, err
		}
		return rollForward(t, now), ExpiryDayMonth, nil

	case len(trail) == 4:
		// DDMMMHHMM
		day, err := parseShortDay(lead)
		if err != nil {
			return time.Time{}, ExpiryNone, err
		}
		hh, _ := strconv.Atoi(trail[:2])
		mm, _ := strconv.Atoi(trail[2:])
		if hh > 23 || mm > 59 {
			return time.Time{}, ExpiryNone, fmt.Errorf("bad time of day %q", trail)
		}
		t, err := makeDate(now.Year(), mon, day, hh, mm)
		if err != nil {
			return time.Time{}, ExpiryNone, err
		}
		return rollForward(t, now), ExpiryIntraday, nil
	}

	return time.Time{}, ExpiryNone, fmt.Errorf("unrecognized expiry shape %q", tok)
}

// parseShortDay rejects zero-padded days so short tokens round-trip exactly.
func parseShortDay(s string) (int, error) {
	if len(s) > 2 || (len(s) == 2 && s[0] == '0') {
		return 0, fmt.Errorf("bad day %q", s)
	}
	return strconv.Atoi(s)
}

// makeDate builds a UTC timestamp and rejects days that do not exist in the
// given month (time.Date would silently normalize them).
func makeDate(year int, mon time.Month, day, hh, mm int) (time.Time, error) {
	if day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("bad day %d", day)
	}
	t := time.Date(year, mon, day, hh, mm, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != mon {
		return time.Time{}, fmt.Errorf("day %d does not exist in %s", day, monthNames[mon])
	}
	return t, nil
}

// rollForward advances t by one year when its date portion is strictly
// before now's date portion.
func rollForward(t, now time.Time) time.Time {
	ty, tm, td := t.Date()
	ny, nm, nd := now.UTC().Date()
	tDate := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	nDate := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	if tDate.Before(nDate) {
		return t.AddDate(1, 0, 0)
	}
	return t
}

// parseDeribitDate parses the derivatives venue date shape DMMMYY
// (unpadded day, month letters, two-digit year). Settlement time is fixed
// at 08:00 UTC.
func parseDeribitDate(raw, tok string) (time.Time, error) {
	lead, monStr, trail, err := splitExpiryToken(tok)
	if err != nil {
		return time.Time{}, parseErr(raw, "expiry token %q: %v", tok, err)
	}
	if len(trail) != 2 {
		return time.Time{}, parseErr(raw, "expiry token %q: expected two-digit year", tok)
	}
	mon, ok := monthsByName[monStr]
	if !ok {
		return time.Time{}, parseErr(raw, "expiry token %q: unknown month", tok)
	}
	day, err := parseShortDay(lead)
	if err != nil {
		return time.Time{}, parseErr(raw, "expiry token %q: %v", tok, err)
	}
	yy, _ := strconv.Atoi(trail)
	t, err := makeDate(2000+yy, mon, day, deribitSettlementHour, 0)
	if err != nil {
		return time.Time{}, parseErr(raw, "expiry token %q: %v", tok, err)
	}
	return t, nil
}

// renderExpiry reproduces the token shape recorded at parse time.
func renderExpiry(d MarketDescriptor) string {
	t := d.Expiry
	switch d.ExpiryShape {
	case ExpiryYearFull:
		return fmt.Sprintf("%02d%s%02d", t.Year()%100, monthNames[t.Month()], t.Day())
	case ExpiryDayMonth:
		return fmt.Sprintf("%d%s", t.Day(), monthNames[t.Month()])
	case ExpiryIntraday:
		return fmt.Sprintf("%d%s%02d%02d", t.Day(), monthNames[t.Month()], t.Hour(), t.Minute())
	case ExpiryDeribit:
		return fmt.Sprintf("%d%s%02d", t.Day(), monthNames[t.Month()], t.Year()%100)
	default:
		return ""
	}
}

// ExpiryToken renders the canonical storage token for an expiry timestamp,
// upper case with a zero-padded day (e.g. 08JUN25).
func ExpiryToken(t time.Time) string {
	return strings.ToUpper(fmt.Sprintf("%02d%s%02d", t.Day(), monthNames[t.Month()], t.Year()%100))
}

// ExpiryISO renders the UTC ISO-8601 instant used in store keys.
func ExpiryISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
