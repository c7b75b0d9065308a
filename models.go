package leakwatch

// Level is the severity of an Event as reported by the backend.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Event is one record of the device event log. Events are immutable once received.
type Event struct {
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// Cursor marks how far the client has read through the event log. Both values are
// issued by the server and only ever forwarded.
type Cursor struct {
	LastTimestamp string `json:"last_timestamp"`
	EventsSince   string `json:"events_since"`
}

type Outlet struct {
	Enabled bool `json:"enabled"`
	State   bool `json:"state"`
}

// PacketInfo holds the decoded sensor fields of the last packet received from the
// frontend board.
type PacketInfo struct {
	BoardTempThreshold     float64 `json:"board_temp_threshold"`
	BoardHumidityThreshold float64 `json:"board_humidity_threshold"`
	ProbeTemp1Threshold    float64 `json:"probe_temp_1_threshold"`
	ProbeTemp2Threshold    float64 `json:"probe_temp_2_threshold"`

	BoardTemp     float64 `json:"board_temp"`
	BoardHumidity float64 `json:"board_humidity"`
	ProbeTemp1    float64 `json:"probe_temp_1"`
	ProbeTemp2    float64 `json:"probe_temp_2"`

	LeakDetected   bool `json:"leak_detected"`
	LeakContinuity bool `json:"cont"`
	Fault          bool `json:"fault"`
	Warning        bool `json:"warning"`
	SensorStatus   int  `json:"sensor_status"`
}

// SystemState is the "system" subtree of the monitored device.
type SystemState struct {
	Fault        bool              `json:"fault"`
	Warning      bool              `json:"warning"`
	Status       string            `json:"status,omitempty"`
	GoodPackets  int               `json:"good_packets"`
	BadPackets   int               `json:"bad_packets"`
	TimeReceived string            `json:"time_received,omitempty"`
	Outlets      map[string]Outlet `json:"outlets"`
	PacketInfo   *PacketInfo       `json:"packet_info,omitempty"`
}

// Outlet returns the named outlet. Unknown outlets report disabled and off.
func (s SystemState) Outlet(name string) Outlet {
	return s.Outlets[name]
}

// SystemResponse is the body returned by GET <base>/system.
type SystemResponse struct {
	System SystemState `json:"system"`
}
