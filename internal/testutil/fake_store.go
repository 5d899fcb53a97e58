// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	credentials map[string]*gateway.Credential
	quarantined map[string]bool
	keys        map[string]*gateway.APIKey
	usage       []gateway.UsageRecord
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		credentials: make(map[string]*gateway.Credential),
		quarantined: make(map[string]bool),
		keys:        make(map[string]*gateway.APIKey),
	}
}

// --- CredentialStore ---

func (s *FakeStore) AddCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.credentials[c.ID] = &cp
	return nil
}

func (s *FakeStore) GetCredential(_ context.Context, id string) (*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *FakeStore) GetCredentialByName(_ context.Context, provider, name string) (*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Provider == provider && c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListCredentials(_ context.Context, provider string, includeQuarantined bool) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Credential
	for _, c := range s.credentials {
		if c.Provider != provider {
			continue
		}
		if !includeQuarantined && s.quarantined[c.ID] {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FakeStore) ListQuarantined(_ context.Context, provider string) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Credential
	for _, c := range s.credentials {
		if c.Provider == provider && s.quarantined[c.ID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *c
	s.credentials[c.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.credentials, id)
	delete(s.quarantined, id)
	return nil
}

func (s *FakeStore) SetActiveCredential(_ context.Context, provider, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.credentials[id]
	if !ok || target.Provider != provider {
		return gateway.ErrNotFound
	}
	for _, c := range s.credentials {
		if c.Provider == provider {
			c.Active = false
		}
	}
	target.Active = true
	return nil
}

func (s *FakeStore) IncrementCredentialError(_ context.Context, id, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return 0, gateway.ErrNotFound
	}
	c.ErrorCount++
	c.LastError = reason
	return c.ErrorCount, nil
}

func (s *FakeStore) ResetCredentialError(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.ErrorCount = 0
	c.LastError = ""
	delete(s.quarantined, id)
	return nil
}

func (s *FakeStore) SetCredentialQuarantined(_ context.Context, id string, quarantined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if quarantined {
		s.quarantined[id] = true
		c.Active = false
	} else {
		delete(s.quarantined, id)
	}
	return nil
}

func (s *FakeStore) UpdateCredentialToken(_ context.Context, id, accessToken string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.AccessToken = accessToken
	c.ExpiresAt = expiresAt
	return nil
}

func (s *FakeStore) IncrementCredentialUse(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.UseCount++
	return nil
}

// IsQuarantined reports the quarantine flag for assertions.
func (s *FakeStore) IsQuarantined(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quarantined[id]
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return nil
}

func (s *FakeStore) UsageTotals(_ context.Context, keyID string, dayStart, monthStart time.Time) (*gateway.KeyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u gateway.KeyUsage
	for _, r := range s.usage {
		if r.KeyID != keyID {
			continue
		}
		u.TotalRequests++
		u.TotalCost += r.CostUSD
		if !r.CreatedAt.Before(dayStart) {
			u.DailyRequests++
			u.DailyCost += r.CostUSD
		}
		if !r.CreatedAt.Before(monthStart) {
			u.MonthlyRequests++
			u.MonthlyCost += r.CostUSD
		}
	}
	return &u, nil
}

func (s *FakeStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.usage[:0]
	var removed int64
	for _, r := range s.usage {
		if r.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return removed, nil
}

// UsageRecords returns a snapshot of all inserted records.
func (s *FakeStore) UsageRecords() []gateway.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *FakeStore) Close() error { return nil }
