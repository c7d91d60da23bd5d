package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"crowdsense/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.SightingFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.SightingFields {
	fields := &normalize.SightingFields{Extras: map[string]string{}}
	for key, val := range obj {
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts", "date_detected")
	fields.Addr = firstNonEmpty(fields.Extras, "device_addr", "addr", "mac", "station", "device")
	fields.Zone = firstNonEmpty(fields.Extras, "zone", "zone_id", "section", "sensor")
	fields.Power = firstNonEmpty(fields.Extras, "device_power", "power", "rssi", "signal")
	fields.FrameType = firstNonEmpty(fields.Extras, "frame_type", "frame", "subtype")
	fields.Randomized = firstNonEmpty(fields.Extras, "is_randomized", "randomized", "random")
	return fields
}
