package memstore

import (
	"context"
	"encoding/json"
	"time"

	"studio-jobcore/internal/models"
)

func (s *Store) GetProject(_ context.Context, id string) (models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return models.Project{}, models.ErrProjectNotFound
	}
	p.Metadata = append(json.RawMessage(nil), p.Metadata...)
	return p, nil
}

func (s *Store) UpsertProject(_ context.Context, p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p.Metadata) == 0 {
		p.Metadata = json.RawMessage("{}")
	}
	if p.DataProfile == "" {
		p.DataProfile = models.DataProfileReal
	}
	p.Metadata = append(json.RawMessage(nil), p.Metadata...)
	p.UpdatedAt = s.now()
	s.projects[p.ID] = p
	return nil
}

// UpdateProjectMetadata applies fn to the stored document under the store
// mutex. fn must not call back into the store.
func (s *Store) UpdateProjectMetadata(_ context.Context, id string, fn func(doc []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return models.ErrProjectNotFound
	}
	next, err := fn(append([]byte(nil), p.Metadata...))
	if err != nil {
		return err
	}
	p.Metadata = append(json.RawMessage(nil), next...)
	p.UpdatedAt = s.now()
	s.projects[id] = p
	return nil
}

func (s *Store) UpdateProjectStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return models.ErrProjectNotFound
	}
	p.StatusKey = status
	p.UpdatedAt = s.now()
	s.projects[id] = p
	return nil
}

func (s *Store) TryAcquireLease(_ context.Context, scopeID, kind, holderID string, ttl time.Duration) (*models.WorkflowLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := scopeID + "\x00" + kind
	if cur, ok := s.leases[key]; ok && !cur.ExpiresAt.Before(now) {
		return nil, nil
	}
	l := models.WorkflowLease{ScopeID: scopeID, Kind: kind, HolderID: holderID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.leases[key] = l
	return &l, nil
}

func (s *Store) RenewLease(_ context.Context, scopeID, kind, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := scopeID + "\x00" + kind
	cur, ok := s.leases[key]
	if !ok || cur.HolderID != holderID || cur.ExpiresAt.Before(now) {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	s.leases[key] = cur
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, scopeID, kind, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeID + "\x00" + kind
	if cur, ok := s.leases[key]; ok && cur.HolderID == holderID {
		delete(s.leases, key)
	}
	return nil
}
