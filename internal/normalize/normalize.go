package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
)

type SightingFields struct {
	Timestamp  string
	Addr       string
	Zone       string
	Power      string
	FrameType  string
	Randomized string
	Extras     map[string]string
	Raw        string
}

func Normalize(fields SightingFields, cfg *config.Config) (model.Sighting, error) {
	addr := CanonicalAddr(fields.Addr)
	if addr == "" {
		return model.Sighting{}, errors.New("missing device address")
	}

	zoneID := cfg.Ingest.Parser.DefaultZone
	if z := strings.TrimSpace(fields.Zone); z != "" {
		parsed, err := strconv.ParseInt(z, 10, 64)
		if err != nil {
			return model.Sighting{}, fmt.Errorf("parse zone: %w", err)
		}
		zoneID = parsed
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Sighting{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	power := 0
	if p := strings.TrimSpace(fields.Power); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return model.Sighting{}, fmt.Errorf("parse power: %w", err)
		}
		power = parsed
	}

	randomized := IsLocallyAdministered(addr)
	if r := strings.TrimSpace(fields.Randomized); r != "" {
		parsed, err := strconv.ParseBool(r)
		if err != nil {
			return model.Sighting{}, fmt.Errorf("parse randomized: %w", err)
		}
		randomized = parsed
	}

	return model.Sighting{
		Addr:       addr,
		DetectedAt: ts,
		Power:      power,
		Frame:      ParseFrameType(fields.FrameType),
		ZoneID:     zoneID,
		Randomized: randomized,
		Source:     "capture",
	}, nil
}

// CanonicalAddr reduces a MAC to uppercase colon-grouped form so the same
// device never counts twice under different separators or casing. Returns
// "" when the value is not 12 hex digits.
func CanonicalAddr(addr string) string {
	var hex strings.Builder
	for _, ch := range strings.ToUpper(strings.TrimSpace(addr)) {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'A' && ch <= 'F':
			hex.WriteRune(ch)
		case ch == ':' || ch == '-' || ch == '.':
		default:
			return ""
		}
	}
	digits := hex.String()
	if len(digits) != 12 {
		return ""
	}
	var out strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			out.WriteByte(':')
		}
		out.WriteString(digits[i : i+2])
	}
	return out.String()
}

// IsLocallyAdministered reports whether the address has the locally
// administered bit set, which is how randomized MACs are minted.
func IsLocallyAdministered(addr string) bool {
	if len(addr) < 2 {
		return false
	}
	b, err := strconv.ParseUint(addr[:2], 16, 8)
	if err != nil {
		return false
	}
	return b&0x02 != 0
}

func ParseFrameType(value string) model.FrameType {
	n := strings.ToLower(strings.TrimSpace(value))
	n = strings.ReplaceAll(n, "_", " ")
	n = strings.ReplaceAll(n, "-", " ")
	switch n {
	case "probe request", "probe req", "probereq", "probe":
		return model.FrameProbeRequest
	case "":
		return model.FrameProbeRequest
	}
	words := strings.Fields(n)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return model.FrameType(strings.Join(words, " "))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
