package models

import "time"

// Device classes. The class controls slot density and pricing multipliers.
const (
	ClassAndroidTV        = "ANDROID_TV"
	ClassDigitalSignage   = "DIGITAL_SIGNAGE"
	ClassInteractiveKiosk = "INTERACTIVE_KIOSK"
	ClassVehicleMounted   = "VEHICLE_MOUNTED"
	ClassRetailDisplay    = "RETAIL_DISPLAY"
)

// Device statuses. Only ACTIVE devices receive scheduled deliveries; devices
// in MAINTENANCE or SUSPENDED still accept heartbeats but no scheduling.
const (
	DeviceStatusPending     = "PENDING"
	DeviceStatusActive      = "ACTIVE"
	DeviceStatusInactive    = "INACTIVE"
	DeviceStatusSuspended   = "SUSPENDED"
	DeviceStatusMaintenance = "MAINTENANCE"
)

// DeviceStatuses enumerates every live status. There is no soft-deleted
// state; aggregations count exactly these five.
var DeviceStatuses = []string{
	DeviceStatusPending,
	DeviceStatusActive,
	DeviceStatusInactive,
	DeviceStatusSuspended,
	DeviceStatusMaintenance,
}

// Device health, derived from heartbeats.
const (
	HealthUnknown  = "UNKNOWN"
	HealthHealthy  = "HEALTHY"
	HealthWarning  = "WARNING"
	HealthCritical = "CRITICAL"
	HealthOffline  = "OFFLINE"
)

// TargetSlotsPerHour is the baseline slot density per device class. The
// scheduler adjusts it +-20% in peak and off-peak hours.
var TargetSlotsPerHour = map[string]int{
	ClassAndroidTV:        12,
	ClassDigitalSignage:   20,
	ClassInteractiveKiosk: 30,
	ClassVehicleMounted:   15,
	ClassRetailDisplay:    10,
}

// Location is the device's physical placement plus venue metadata used by
// location targeting and pricing.
type Location struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	LocationType string  `json:"location_type"` // urban, suburban, rural
	VenueType    string  `json:"venue_type,omitempty"`
	City         string  `json:"city,omitempty"`
}

// DeviceSpecs are optional hardware details supplied at registration.
type DeviceSpecs struct {
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	ScreenW    int    `json:"screen_w,omitempty"`
	ScreenH    int    `json:"screen_h,omitempty"`
	Storage    int64  `json:"storage,omitempty"`
	Networking string `json:"networking,omitempty"`
}

// Device is one display endpoint in a partner's fleet.
type Device struct {
	ID          string      `json:"id"`
	PartnerID   string      `json:"partner_id"`
	Fingerprint string      `json:"fingerprint"` // stable identifier supplied at registration
	Class       string      `json:"class"`
	Location    Location    `json:"location"`
	Specs       DeviceSpecs `json:"specs,omitempty"`
	Status      string      `json:"status"`
	Health      string      `json:"health"`
	LastSeen    time.Time   `json:"last_seen"`
	// ConfigVersion is bumped when partner config changes; heartbeat responses
	// set configUpdated when the device's acknowledged version is behind.
	ConfigVersion int       `json:"config_version"`
	RegisteredAt  time.Time `json:"registered_at"`
	// Fallback overrides the partner and class defaults for this device.
	Fallback *Fallback `json:"fallback,omitempty"`
}

// Schedulable reports whether the device may receive new deliveries.
func (d *Device) Schedulable() bool {
	return d.Status == DeviceStatusActive && d.Health != HealthOffline
}
