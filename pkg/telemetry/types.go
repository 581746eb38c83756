package telemetry

import "time"

// Kind identifies the modality of a collected sample.
type Kind string

const (
	KindDevice    Kind = "device"
	KindNetwork   Kind = "network"
	KindLocation  Kind = "location"
	KindKeystroke Kind = "keystroke"
	KindPointer   Kind = "pointer"
)

// DeviceInfo describes the declared characteristics of the client device.
// Fields are supplied by external probes; the engine never performs the
// platform introspection itself.
type DeviceInfo struct {
	Platform            string `json:"platform"`
	OS                  string `json:"os"`
	Browser             string `json:"browser"`
	ScreenResolution    string `json:"screen_resolution"`
	TouchSupport        bool   `json:"touch_support"`
	TouchPoints         int    `json:"touch_points"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	DeviceMemoryGB      int    `json:"device_memory_gb"`
	SecureContext       bool   `json:"secure_context"`
	Timezone            string `json:"timezone"`
}

// GeoPoint is a geolocation fix with accuracy.
type GeoPoint struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
}

// ThreatIntel carries best-effort reputation verdicts for an address.
type ThreatIntel struct {
	MaliciousActivity bool     `json:"malicious_activity"`
	ThreatTypes       []string `json:"threat_types"`
}

// NetworkInfo describes the network path the session arrived over.
type NetworkInfo struct {
	IP            string      `json:"ip"`
	ISP           string      `json:"isp,omitempty"`
	ASN           string      `json:"asn,omitempty"`
	VPNDetected   bool        `json:"vpn_detected"`
	ProxyDetected bool        `json:"proxy_detected"`
	TorDetected   bool        `json:"tor_detected"`
	DatacenterIP  bool        `json:"datacenter_ip"`
	ThreatIntel   ThreatIntel `json:"threat_intel"`
}

// KeystrokeEvent is a single key press/release timing.
type KeystrokeEvent struct {
	Key       string  `json:"key"`
	PressedAt int64   `json:"pressed_at"` // milliseconds since epoch
	HoldTime  float64 `json:"hold_time"`  // milliseconds
}

// PointerEvent is a single mouse/touch movement or click.
type PointerEvent struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	At        int64   `json:"at"` // milliseconds since epoch
	EventType string  `json:"event_type"`
	Velocity  float64 `json:"velocity"`
}

// Sample is an immutable timestamped measurement. Exactly one payload field
// matching Kind is populated.
type Sample struct {
	Timestamp  time.Time        `json:"timestamp"`
	Kind       Kind             `json:"kind"`
	Device     *DeviceInfo      `json:"device,omitempty"`
	Network    *NetworkInfo     `json:"network,omitempty"`
	Location   *GeoPoint        `json:"location,omitempty"`
	Keystrokes []KeystrokeEvent `json:"keystrokes,omitempty"`
	Pointer    []PointerEvent   `json:"pointer,omitempty"`
}

// ConnectionMetrics is one measurement of connection quality.
type ConnectionMetrics struct {
	Latency        time.Duration `json:"latency"`
	PacketLossPct  float64       `json:"packet_loss_pct"`
	ConnectionType string        `json:"connection_type,omitempty"`
}

// ConnectionQuality classifies recent connection metrics.
type ConnectionQuality string

const (
	QualityGood ConnectionQuality = "good"
	QualityFair ConnectionQuality = "fair"
	QualityPoor ConnectionQuality = "poor"
)

// NetworkQuality summarizes the rolling connection-metric window.
type NetworkQuality struct {
	AvgLatency    time.Duration     `json:"avg_latency"`
	AvgPacketLoss float64           `json:"avg_packet_loss"`
	Quality       ConnectionQuality `json:"quality"`
}
