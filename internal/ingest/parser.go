package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"crowdsense/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)
	reMAC       = regexp.MustCompile(`(?i)\b([0-9a-f]{2}(?:[:-][0-9a-f]{2}){5})\b`)
)

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.SightingFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.SightingFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) (*normalize.SightingFields, error) {
	fields := &normalize.SightingFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		key := strings.ToLower(match[1])
		kv[key] = match[2]
	}
	fields.Addr = firstNonEmpty(kv, "device_addr", "addr", "mac", "station", "device")
	fields.Zone = firstNonEmpty(kv, "zone", "zone_id", "section", "sensor")
	fields.Power = firstNonEmpty(kv, "device_power", "power", "rssi", "signal")
	fields.FrameType = firstNonEmpty(kv, "frame_type", "frame", "subtype")
	fields.Randomized = firstNonEmpty(kv, "is_randomized", "randomized", "random")
	for k, v := range kv {
		fields.Extras[k] = v
	}

	if fields.Addr == "" && rest != "" {
		if m := reMAC.FindString(rest); m != "" {
			fields.Addr = m
		}
	}
	if fields.Timestamp == "" {
		if ts2, _ := extractTimestamp(rest); ts2 != "" {
			fields.Timestamp = ts2
		}
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.SightingFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.SightingFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
	} else {
		if len(record) >= 1 {
			fields.Timestamp = record[0]
		}
		if len(record) >= 2 {
			fields.Addr = record[1]
		}
		if len(record) >= 3 {
			fields.Zone = record[2]
		}
		if len(record) >= 4 {
			fields.Power = record[3]
		}
		if len(record) >= 5 {
			fields.FrameType = record[4]
		}
		if len(record) >= 6 {
			fields.Randomized = record[5]
		}
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "timestamp", "time", "ts", "date_detected", "device_addr", "addr", "mac", "zone", "zone_id", "device_power", "power", "rssi", "frame_type", "frame", "is_randomized", "randomized":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.SightingFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "ts", "date_detected":
		fields.Timestamp = value
	case "device_addr", "addr", "mac", "station", "device":
		fields.Addr = value
	case "zone", "zone_id", "section", "sensor":
		fields.Zone = value
	case "device_power", "power", "rssi", "signal":
		fields.Power = value
	case "frame_type", "frame", "subtype":
		fields.FrameType = value
	case "is_randomized", "randomized", "random":
		fields.Randomized = value
	default:
		if fields.Extras != nil {
			fields.Extras[name] = value
		}
	}
}
