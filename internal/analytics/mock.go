package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/openooh/doohserve/internal/models"
)

var _ Service = (*MockAnalytics)(nil)

// MockAnalytics collects records in memory for testing.
type MockAnalytics struct {
	mu      sync.Mutex
	Records []DeliveryRecord
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

func (m *MockAnalytics) RecordDelivery(_ context.Context, d *models.Delivery, deviceClass, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, DeliveryRecord{
		Timestamp:   d.UpdatedAt,
		DeliveryID:  d.ID,
		CampaignID:  d.CampaignID,
		CreativeID:  d.CreativeID,
		DeviceID:    d.DeviceID,
		DeviceClass: deviceClass,
		PartnerID:   partnerID,
		State:       d.State,
		Impressions: d.Impressions,
		Engagements: d.Engagements,
		Completions: d.Completions,
		Cost:        d.Cost,
	})
	return nil
}

func (m *MockAnalytics) PartnerRevenue(_ context.Context, partnerID string, from, to time.Time, share float64) (RevenueReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := RevenueReport{PartnerID: partnerID}
	for _, r := range m.Records {
		if r.PartnerID != partnerID || r.State != models.StateDelivered {
			continue
		}
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		report.Plays++
		report.Impressions += r.Impressions
		report.GrossCost += r.Cost
	}
	report.PartnerCut = report.GrossCost * share
	return report, nil
}

func (m *MockAnalytics) DeliveriesBetween(_ context.Context, from, to time.Time) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryRecord
	for _, r := range m.Records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}
