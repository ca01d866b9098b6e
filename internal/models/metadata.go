package models

import "encoding/json"

// DeliveryMetadata kinds. Metadata is a tagged variant rather than a free
// JSON blob: each entry carries exactly one populated case.
const (
	MetaReason   = "reason"
	MetaPriority = "priority"
	MetaPlayback = "playback"
	MetaAudience = "audience"
	MetaError    = "error"
)

// Well-known cancellation / failure reasons.
const (
	ReasonPreempted      = "preempted-by-higher-priority"
	ReasonCampaignPaused = "campaign-paused"
	ReasonReportMissing  = "playback-report-missing"
	ReasonExpired        = "slot-window-elapsed"
)

// DeliveryMetadata is one typed annotation on a Delivery. Exactly one of the
// case fields is set, indicated by Kind.
type DeliveryMetadata struct {
	Kind     string            `json:"kind"`
	Reason   string            `json:"reason,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Playback *PlaybackReport   `json:"playback,omitempty"`
	Audience *AudienceSnapshot `json:"audience,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ReasonMeta tags a delivery with a cancellation or failure reason.
func ReasonMeta(reason string) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaReason, Reason: reason}
}

// PriorityMeta records a manual priority override.
func PriorityMeta(p int) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaPriority, Priority: p}
}

// PlaybackMeta attaches the applied playback report.
func PlaybackMeta(r PlaybackReport) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaPlayback, Playback: &r}
}

// AudienceMeta attaches the audience snapshot observed during playback.
func AudienceMeta(a AudienceSnapshot) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaAudience, Audience: &a}
}

// ErrorMeta records an error descriptor on a failed delivery.
func ErrorMeta(err string) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaError, Error: err}
}

// FindMeta returns the first metadata entry of the given kind.
func FindMeta(meta []DeliveryMetadata, kind string) (DeliveryMetadata, bool) {
	for _, m := range meta {
		if m.Kind == kind {
			return m, true
		}
	}
	return DeliveryMetadata{}, false
}

// MarshalMeta serializes metadata for storage. A nil slice becomes "[]" so
// the persisted column is always valid JSON.
func MarshalMeta(meta []DeliveryMetadata) ([]byte, error) {
	if meta == nil {
		meta = []DeliveryMetadata{}
	}
	return json.Marshal(meta)
}
