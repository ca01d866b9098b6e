package models

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DataStore provides thread-safe access to catalog data without global
// variables. Readers see a consistent snapshot per call; writes swap the
// snapshot atomically so the hot scheduling path never takes a lock.
type DataStore interface {
	// Read operations (hot path)
	GetCampaign(id string) *Campaign
	GetCreative(id string) *Creative
	GetDevice(id string) *Device
	GetPartner(id string) *Partner
	GetDeviceByFingerprint(partnerID, fingerprint string) *Device

	// Index reads
	ActiveCampaigns() []*Campaign
	ApprovedCreatives(campaignID string) []*Creative
	ActiveTestForCampaign(campaignID string) *ABTest
	DevicesByPartner(partnerID string) []*Device
	AllDevices() []*Device
	AllCampaigns() []Campaign
	CountDevicesByStatus() map[string]int

	// Write operations
	UpsertDevice(d Device) error
	SetDeviceHealth(id, health string, lastSeen time.Time) error
	AddCampaignSpend(id string, amount float64) error
	SetCreativeVerification(id, status, method string, reasons []string) error
	UpdateCreativeCounters(id string, impressions, engagements int64, attention float64) error

	// Atomic bulk reload
	ReloadAll(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) error
}

// snapshot is one immutable view of the catalog.
type snapshot struct {
	campaigns       map[string]*Campaign
	creatives       map[string]*Creative
	devices         map[string]*Device
	partners        map[string]*Partner
	tests           map[string]*ABTest // campaign ID -> active test
	activeCampaigns []*Campaign
	// approvedByCampaign indexes selectable creatives so eligibility checks
	// are sub-linear in the creative table.
	approvedByCampaign map[string][]*Creative
	devicesByPartner   map[string][]*Device
	fingerprintIndex   map[string]*Device // partnerID+"\x00"+fingerprint
}

func fingerprintKey(partnerID, fingerprint string) string {
	return partnerID + "\x00" + fingerprint
}

func buildSnapshot(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) *snapshot {
	s := &snapshot{
		campaigns:          make(map[string]*Campaign, len(campaigns)),
		creatives:          make(map[string]*Creative, len(creatives)),
		devices:            make(map[string]*Device, len(devices)),
		partners:           make(map[string]*Partner, len(partners)),
		tests:              make(map[string]*ABTest),
		approvedByCampaign: make(map[string][]*Creative),
		devicesByPartner:   make(map[string][]*Device),
		fingerprintIndex:   make(map[string]*Device),
	}
	for i := range campaigns {
		c := &campaigns[i]
		s.campaigns[c.ID] = c
		if c.Status == CampaignStatusActive {
			s.activeCampaigns = append(s.activeCampaigns, c)
		}
	}
	for i := range creatives {
		cr := &creatives[i]
		s.creatives[cr.ID] = cr
		if cr.Status == CreativeStatusApproved {
			s.approvedByCampaign[cr.CampaignID] = append(s.approvedByCampaign[cr.CampaignID], cr)
		}
	}
	for i := range devices {
		d := &devices[i]
		s.devices[d.ID] = d
		s.devicesByPartner[d.PartnerID] = append(s.devicesByPartner[d.PartnerID], d)
		if d.Fingerprint != "" {
			s.fingerprintIndex[fingerprintKey(d.PartnerID, d.Fingerprint)] = d
		}
	}
	for i := range partners {
		p := &partners[i]
		s.partners[p.ID] = p
	}
	for i := range tests {
		t := &tests[i]
		if t.Status == ABTestStatusActive {
			s.tests[t.CampaignID] = t
		}
	}
	return s
}

// clone deep-copies the snapshot's slices so a mutation can swap in a fresh
// view without disturbing concurrent readers.
func (s *snapshot) clone() ([]Campaign, []Creative, []Device, []Partner, []ABTest) {
	campaigns := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		campaigns = append(campaigns, *c)
	}
	creatives := make([]Creative, 0, len(s.creatives))
	for _, c := range s.creatives {
		creatives = append(creatives, *c)
	}
	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d)
	}
	partners := make([]Partner, 0, len(s.partners))
	for _, p := range s.partners {
		partners = append(partners, *p)
	}
	tests := make([]ABTest, 0, len(s.tests))
	for _, t := range s.tests {
		tests = append(tests, *t)
	}
	return campaigns, creatives, devices, partners, tests
}

// InMemoryDataStore implements DataStore with atomic snapshot swaps.
type InMemoryDataStore struct {
	data atomic.Pointer[snapshot]
}

// NewInMemoryDataStore creates an empty store.
func NewInMemoryDataStore() *InMemoryDataStore {
	s := &InMemoryDataStore{}
	s.data.Store(buildSnapshot(nil, nil, nil, nil, nil))
	return s
}

func (s *InMemoryDataStore) GetCampaign(id string) *Campaign {
	return s.data.Load().campaigns[id]
}

func (s *InMemoryDataStore) GetCreative(id string) *Creative {
	return s.data.Load().creatives[id]
}

func (s *InMemoryDataStore) GetDevice(id string) *Device {
	return s.data.Load().devices[id]
}

func (s *InMemoryDataStore) GetPartner(id string) *Partner {
	return s.data.Load().partners[id]
}

func (s *InMemoryDataStore) GetDeviceByFingerprint(partnerID, fingerprint string) *Device {
	return s.data.Load().fingerprintIndex[fingerprintKey(partnerID, fingerprint)]
}

// ActiveCampaigns returns campaigns in status ACTIVE. The slice is shared
// with the snapshot and must not be mutated.
func (s *InMemoryDataStore) ActiveCampaigns() []*Campaign {
	return s.data.Load().activeCampaigns
}

// ApprovedCreatives returns the selectable creatives of a campaign.
func (s *InMemoryDataStore) ApprovedCreatives(campaignID string) []*Creative {
	return s.data.Load().approvedByCampaign[campaignID]
}

func (s *InMemoryDataStore) ActiveTestForCampaign(campaignID string) *ABTest {
	return s.data.Load().tests[campaignID]
}

func (s *InMemoryDataStore) DevicesByPartner(partnerID string) []*Device {
	return s.data.Load().devicesByPartner[partnerID]
}

func (s *InMemoryDataStore) AllDevices() []*Device {
	data := s.data.Load()
	out := make([]*Device, 0, len(data.devices))
	for _, d := range data.devices {
		out = append(out, d)
	}
	return out
}

func (s *InMemoryDataStore) AllCampaigns() []Campaign {
	data := s.data.Load()
	out := make([]Campaign, 0, len(data.campaigns))
	for _, c := range data.campaigns {
		out = append(out, *c)
	}
	return out
}

// CountDevicesByStatus aggregates the fleet by the five live statuses.
func (s *InMemoryDataStore) CountDevicesByStatus() map[string]int {
	data := s.data.Load()
	out := make(map[string]int, len(DeviceStatuses))
	for _, st := range DeviceStatuses {
		out[st] = 0
	}
	for _, d := range data.devices {
		if _, ok := out[d.Status]; ok {
			out[d.Status]++
		}
	}
	return out
}

// mutate clones the current snapshot, applies fn to the cloned slices and
// swaps in the rebuilt snapshot. Writers are serialized by the swap loop.
func (s *InMemoryDataStore) mutate(fn func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error)) error {
	for {
		old := s.data.Load()
		campaigns, creatives, devices, partners, tests := old.clone()
		campaigns, creatives, devices, partners, tests, err := fn(campaigns, creatives, devices, partners, tests)
		if err != nil {
			return err
		}
		if s.data.CompareAndSwap(old, buildSnapshot(campaigns, creatives, devices, partners, tests)) {
			return nil
		}
	}
}

// UpsertDevice inserts or replaces a device by ID.
func (s *InMemoryDataStore) UpsertDevice(d Device) error {
	return s.mutate(func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error) {
		replaced := false
		for i := range devices {
			if devices[i].ID == d.ID {
				devices[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			devices = append(devices, d)
		}
		return campaigns, creatives, devices, partners, tests, nil
	})
}

// SetDeviceHealth updates a device's health and lastSeen.
func (s *InMemoryDataStore) SetDeviceHealth(id, health string, lastSeen time.Time) error {
	return s.mutate(func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error) {
		for i := range devices {
			if devices[i].ID == id {
				devices[i].Health = health
				if lastSeen.After(devices[i].LastSeen) {
					devices[i].LastSeen = lastSeen
				}
				return campaigns, creatives, devices, partners, tests, nil
			}
		}
		return nil, nil, nil, nil, nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	})
}

// AddCampaignSpend adds amount to the campaign's accumulated spend.
func (s *InMemoryDataStore) AddCampaignSpend(id string, amount float64) error {
	return s.mutate(func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error) {
		for i := range campaigns {
			if campaigns[i].ID == id {
				campaigns[i].Spend += amount
				return campaigns, creatives, devices, partners, tests, nil
			}
		}
		return nil, nil, nil, nil, nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	})
}

// SetCreativeVerification records the verification verdict on a creative.
func (s *InMemoryDataStore) SetCreativeVerification(id, status, method string, reasons []string) error {
	return s.mutate(func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error) {
		for i := range creatives {
			if creatives[i].ID == id {
				creatives[i].Status = status
				creatives[i].VerificationMethod = method
				creatives[i].RejectionReasons = reasons
				return campaigns, creatives, devices, partners, tests, nil
			}
		}
		return nil, nil, nil, nil, nil, fmt.Errorf("creative %s: %w", id, ErrNotFound)
	})
}

// UpdateCreativeCounters folds one play's counters and attention score into
// the creative's running totals (incremental mean over DeliveryCount).
func (s *InMemoryDataStore) UpdateCreativeCounters(id string, impressions, engagements int64, attention float64) error {
	return s.mutate(func(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) ([]Campaign, []Creative, []Device, []Partner, []ABTest, error) {
		for i := range creatives {
			if creatives[i].ID == id {
				cr := &creatives[i]
				cr.Impressions += impressions
				cr.Engagements += engagements
				prev := cr.DeliveryCount
				cr.DeliveryCount++
				cr.AttentionScore = (cr.AttentionScore*float64(prev) + attention) / float64(prev+1)
				cr.UpdatedAt = time.Now()
				return campaigns, creatives, devices, partners, tests, nil
			}
		}
		return nil, nil, nil, nil, nil, fmt.Errorf("creative %s: %w", id, ErrNotFound)
	})
}

// ReloadAll atomically replaces every table in a single snapshot swap.
func (s *InMemoryDataStore) ReloadAll(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner, tests []ABTest) error {
	s.data.Store(buildSnapshot(campaigns, creatives, devices, partners, tests))
	return nil
}
