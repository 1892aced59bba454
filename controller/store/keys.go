package store

import (
	"fmt"
	"time"
)

// Cache key builders. Key shapes are part of the external contract:
// other services read the same entries.

// FieldConfigKey addresses the cached per-field configuration.
// Format: field:config:{fieldID}
func FieldConfigKey(fieldID string) string {
	return "field:config:" + fieldID
}

// IrrigationStatusKey addresses the live status of a run. 24h TTL.
// Format: irrigation:status:{scheduleID}
func IrrigationStatusKey(scheduleID string) string {
	return "irrigation:status:" + scheduleID
}

// ActiveScheduleKey maps a field to its active schedule ID. 24h TTL.
// Format: irrigation:field:{fieldID}
func ActiveScheduleKey(fieldID string) string {
	return "irrigation:field:" + fieldID
}

// RainfallKey addresses cached rainfall data. 5 min TTL.
// Format: awd:rainfall:{fieldID}
func RainfallKey(fieldID string) string {
	return "awd:rainfall:" + fieldID
}

// PredictionKey addresses the last persisted performance prediction.
// Format: awd:prediction:{fieldID}
func PredictionKey(fieldID string) string {
	return "awd:prediction:" + fieldID
}

// GateCommandIdemKey dedupes actuator commands on (stationCode, startTime).
// Format: gate:cmd:{stationCode}:{unixStartTime}
func GateCommandIdemKey(stationCode string, startTime time.Time) string {
	return fmt.Sprintf("gate:cmd:%s:%d", stationCode, startTime.Unix())
}
