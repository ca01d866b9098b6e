package models

import "time"

// Partner owns a fleet of devices and earns a revenue share on plays.
type Partner struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	APIToken string `json:"api_token"` // partner-scoped token secret
	// RevenueShare is the fraction of delivery cost paid out to the partner.
	RevenueShare float64 `json:"revenue_share"`
	// ConfigVersion is bumped on any partner config change and compared to the
	// device-acknowledged version on heartbeat.
	ConfigVersion int       `json:"config_version"`
	Fallback      *Fallback `json:"fallback,omitempty"` // partner-wide fallback override
	CreatedAt     time.Time `json:"created_at"`
}

// Fallback is a content descriptor served when no scheduled delivery is
// promotable. Fallback plays produce no Delivery row and no billing event.
type Fallback struct {
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	Duration  int    `json:"duration"`
}

// classFallbacks are the device-class defaults, used when neither the device
// nor the partner carries an override.
var classFallbacks = map[string]Fallback{
	ClassAndroidTV:        {MediaType: MediaVideo, URL: "/fallback/tv.mp4", Format: "mp4", Duration: 30},
	ClassDigitalSignage:   {MediaType: MediaImage, URL: "/fallback/billboard.jpg", Format: "jpeg", Duration: 20},
	ClassInteractiveKiosk: {MediaType: MediaHTML, URL: "/fallback/kiosk.html", Format: "html", Duration: 25},
	ClassVehicleMounted:   {MediaType: MediaImage, URL: "/fallback/vehicle.jpg", Format: "jpeg", Duration: 20},
	ClassRetailDisplay:    {MediaType: MediaVideo, URL: "/fallback/retail.mp4", Format: "mp4", Duration: 30},
}

// ClassFallback returns the default fallback for a device class.
func ClassFallback(class string) Fallback {
	if f, ok := classFallbacks[class]; ok {
		return f
	}
	return classFallbacks[ClassDigitalSignage]
}
