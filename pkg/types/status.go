package types

// Transport names reported in DeviceStatus.
const (
	TransportWebSocket = "ws"
	TransportHTTP      = "http"
)

// DeviceStatus is one device row of /status.
type DeviceStatus struct {
	ID        string         `json:"id"`
	LastSeen  float64        `json:"last_seen"`
	IP        string         `json:"ip"`
	Info      map[string]any `json:"info"`
	Queue     int            `json:"queue"`
	Logs      int            `json:"logs"`
	Results   int            `json:"results"`
	Transport string         `json:"transport"`
	Online    bool           `json:"online"`
}

// StatusResponse is a snapshot of all known devices.
type StatusResponse struct {
	OK           bool           `json:"ok"`
	ServerTS     int64          `json:"server_ts"`
	Devices      []DeviceStatus `json:"devices"`
	LastDeviceID string         `json:"last_device_id"`
	Server       *ServerHealth  `json:"server,omitempty"`
}

// ServerHealth contains process level metrics for the sync server.
type ServerHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Devices       int     `json:"devices"`
	Sockets       int     `json:"sockets"`
}
