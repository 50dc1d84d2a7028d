// Package keycodec parses venue ticker strings into structured market
// descriptors and re-serializes them deterministically. Parsing is total:
// anything the grammar does not recognize is a ParseError, never a guess.
package keycodec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InstrumentType classifies the contract behind a ticker.
type InstrumentType string

const (
	InstrumentBinary InstrumentType = "binary" // prediction-market yes/no contract
	InstrumentOption InstrumentType = "option"
	InstrumentFuture InstrumentType = "future"
)

// StrikeType qualifies the market's threshold.
type StrikeType uint8

const (
	StrikeNone    StrikeType = iota
	StrikeNumeric            // bare numeric strike
	StrikeGreater            // floor set, cap unset
	StrikeLess               // cap set, floor unset
	StrikeBetween            // M-token: single representative value held in FloorStrike
)

func (s StrikeType) String() string {
	switch s {
	case StrikeNone:
		return "none"
	case StrikeNumeric:
		return "numeric"
	case StrikeGreater:
		return "greater"
	case StrikeLess:
		return "less"
	case StrikeBetween:
		return "between"
	default:
		return "unknown"
	}
}

// ExpiryShape records which grammar produced the expiry so Render can
// reproduce the original token byte-for-byte.
type ExpiryShape uint8

const (
	ExpiryNone     ExpiryShape = iota
	ExpiryYearFull             // YYMMMDD
	ExpiryDayMonth             // DDMMM, year assumed from reference time
	ExpiryIntraday             // DDMMMHHMM
	ExpiryDeribit              // DMMMYY (day not zero-padded)
)

// MarketDescriptor is the parsed, immutable form of a ticker. It is
// re-derived on every inbound message rather than cached, so upstream
// ticker-format changes cannot leave stale descriptors behind.
//
// For StrikeBetween the venue encodes only a single representative value;
// it is stored in FloorStrike with HasCap false. Persisting such a market
// with one resolved bound is the documented degraded fallback.
type MarketDescriptor struct {
	Currency   string // underlying code, upper case (BTC, ETH, ...)
	Series     string // venue series token, lower case, venue prefix stripped
	Instrument InstrumentType

	Expiry      time.Time
	ExpiryShape ExpiryShape
	HasTime     bool // expiry carries an intraday time component

	StrikeType  StrikeType
	FloorStrike float64
	CapStrike   float64
	HasFloor    bool
	HasCap      bool

	OptionKind string // "c" or "p" for derivatives options, otherwise empty
}

// ParseError reports a ticker the codec could not understand.
type ParseError struct {
	Ticker string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("keycodec: cannot parse %q: %s", e.Ticker, e.Reason)
}

func parseErr(ticker, format string, args ...any) error {
	return &ParseError{Ticker: ticker, Reason: fmt.Sprintf(format, args...)}
}

// venuePrefix is stripped from prediction-market series tokens when
// canonicalizing; Parse accepts tickers with or without it.
const venuePrefix = "kx"

// knownCurrencies maps underlying codes recognized inside series tokens
// and as derivatives base currencies.
var knownCurrencies = []string{"BTC", "ETH", "SOL", "XRP", "DOGE"}

// Canonical lowercases a ticker and strips the venue series prefix.
// Render(Parse(t)) == Canonical(t) for every ticker Parse accepts.
func Canonical(ticker string) string {
	t := strings.ToLower(strings.TrimSpace(ticker))
	if rest, ok := strings.CutPrefix(t, venuePrefix); ok && rest != "" {
		return rest
	}
	return t
}

// Parse converts a ticker into a MarketDescriptor. The caller supplies the
// reference time used for year rollover in short expiry tokens; Parse never
// reads the wall clock, so results are reproducible.
func Parse(ticker string, now time.Time) (MarketDescriptor, error) {
	raw := strings.TrimSpace(ticker)
	if raw == "" {
		return MarketDescriptor{}, parseErr(ticker, "empty ticker")
	}

	parts := strings.Split(Canonical(raw), "-")
	if d, ok, err := parseDerivative(raw, parts); ok {
		return d, err
	}
	return parseBinary(raw, parts, now)
}

// parseDerivative recognizes the derivatives venue grammar
// CCY-DMMMYY-STRIKE-K (option) and CCY-DMMMYY (future). It reports ok=false
// when the ticker does not look like a derivatives instrument at all, so
// the caller can fall through to the binary grammar.
func parseDerivative(raw string, parts []string) (MarketDescriptor, bool, error) {
	if len(parts) != 2 && len(parts) != 4 {
		return MarketDescriptor{}, false, nil
	}
	ccy := strings.ToUpper(parts[0])
	if !isKnownCurrency(ccy) {
		return MarketDescriptor{}, false, nil
	}

	expiry, err := parseDeribitDate(raw, parts[1])
	if err != nil {
		return MarketDescriptor{}, true, err
	}

	d := MarketDescriptor{
		Currency:    ccy,
		Series:      parts[0],
		Expiry:      expiry,
		ExpiryShape: ExpiryDeribit,
	}

	if len(parts) == 2 {
		d.Instrument = InstrumentFuture
		d.StrikeType = StrikeNone
		return d, true, nil
	}

	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return MarketDescriptor{}, true, parseErr(raw, "bad option strike %q", parts[2])
	}
	kind := parts[3]
	if kind != "c" && kind != "p" {
		return MarketDescriptor{}, true, parseErr(raw, "bad option kind %q", parts[3])
	}
	d.Instrument = InstrumentOption
	d.StrikeType = StrikeNumeric
	d.FloorStrike = strike
	d.HasFloor = true
	d.OptionKind = kind
	return d, true, nil
}

// parseBinary recognizes the prediction-market grammar
// SERIES-EXPIRY-STRIKE.
func parseBinary(raw string, parts []string, now time.Time) (MarketDescriptor, error) {
	if len(parts) != 3 {
		return MarketDescriptor{}, parseErr(raw, "expected 3 segments, got %d", len(parts))
	}
	series := parts[0]
	if series == "" {
		return MarketDescriptor{}, parseErr(raw, "empty series segment")
	}

	expiry, shape, err := ParseExpiryToken(parts[1], now)
	if err != nil {
		return MarketDescriptor{}, parseErr(raw, "expiry token %q: %v", parts[1], err)
	}

	d := MarketDescriptor{
		Currency:    seriesCurrency(series),
		Series:      series,
		Instrument:  InstrumentBinary,
		Expiry:      expiry,
		ExpiryShape: shape,
		HasTime:     shape == ExpiryIntraday,
	}
	if err := applyStrikeToken(&d, raw, parts[2]); err != nil {
		return MarketDescriptor{}, err
	}
	return d, nil
}

func applyStrikeToken(d *MarketDescriptor, raw, tok string) error {
	if tok == "" {
		return parseErr(raw, "empty strike segment")
	}

	parseVal := func(s string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, parseErr(raw, "bad strike value %q", s)
		}
		return v, nil
	}

	switch tok[0] {
	case 'b': // B<value>: price below value
		v, err := parseVal(tok[1:])
		if err != nil {
			return err
		}
		d.StrikeType = StrikeLess
		d.CapStrike = v
		d.HasCap = true
	case 't': // T<value>: price above value
		v, err := parseVal(tok[1:])
		if err != nil {
			return err
		}
		d.StrikeType = StrikeGreater
		d.FloorStrike = v
		d.HasFloor = true
	case 'm': // M<value>: between-market representative value only
		v, err := parseVal(tok[1:])
		if err != nil {
			return err
		}
		d.StrikeType = StrikeBetween
		d.FloorStrike = v
		d.HasFloor = true
	default:
		v, err := parseVal(tok)
		if err != nil {
			return err
		}
		d.StrikeType = StrikeNumeric
		d.FloorStrike = v
		d.HasFloor = true
	}
	return nil
}

// seriesCurrency extracts the underlying code from a series token, falling
// back to the upper-cased token itself when no known code matches.
func seriesCurrency(series string) string {
	up := strings.ToUpper(series)
	for _, ccy := range knownCurrencies {
		if strings.HasPrefix(up, ccy) {
			return ccy
		}
	}
	return up
}

func isKnownCurrency(ccy string) bool {
	for _, c := range knownCurrencies {
		if c == ccy {
			return true
		}
	}
	return false
}

// Render serializes a descriptor back to its canonical ticker string.
// It is a left-inverse of Parse over Canonical: parsing the rendered form
// yields an equal descriptor.
func Render(d MarketDescriptor) string {
	switch d.Instrument {
	case InstrumentOption:
		return fmt.Sprintf("%s-%s-%s-%s",
			d.Series, renderExpiry(d), formatStrike(d.FloorStrike), d.OptionKind)
	case InstrumentFuture:
		return fmt.Sprintf("%s-%s", d.Series, renderExpiry(d))
	default:
		return fmt.Sprintf("%s-%s-%s", d.Series, renderExpiry(d), renderStrikeToken(d))
	}
}

func renderStrikeToken(d MarketDescriptor) string {
	switch d.StrikeType {
	case StrikeLess:
		return "b" + formatStrike(d.CapStrike)
	case StrikeGreater:
		return "t" + formatStrike(d.FloorStrike)
	case StrikeBetween:
		return "m" + formatStrike(d.FloorStrike)
	case StrikeNumeric:
		return formatStrike(d.FloorStrike)
	default:
		return ""
	}
}

// formatStrike renders a strike with no trailing zeros and no exponent.
func formatStrike(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
