package store

import (
	"sort"
	"sync"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store used by tests and local
// development runs without a database file.
type InMemoryStore struct {
	mu           sync.Mutex
	participants map[int64]models.Participant
	states       map[int64]models.ConversationState
	retros       map[int64]models.Retro
	retroByDate  map[retroKey]int64
	followUps    map[retroKey]models.FollowUp
	nextRetroID  int64
	nextFollowID int64
}

type retroKey struct {
	participantID int64
	date          string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[int64]models.Participant),
		states:       make(map[int64]models.ConversationState),
		retros:       make(map[int64]models.Retro),
		retroByDate:  make(map[retroKey]int64),
		followUps:    make(map[retroKey]models.FollowUp),
		nextRetroID:  1,
		nextFollowID: 1,
	}
}

func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetParticipant(id int64) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s *InMemoryStore) ListParticipants() ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetConversationState(participantID int64) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[participantID]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (s *InMemoryStore) SaveConversationState(st models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ParticipantID] = st
	return nil
}

func (s *InMemoryStore) UpdateConversationState(st models.ConversationState, expectedStep models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[st.ParticipantID]
	if !ok || current.CurrentStep != expectedStep {
		return models.ErrStateConflict
	}
	s.states[st.ParticipantID] = st
	return nil
}

func (s *InMemoryStore) DeleteConversationState(participantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, participantID)
	return nil
}

func (s *InMemoryStore) DeleteExpiredConversationStates(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, st := range s.states {
		if st.ExpiresAt != nil && st.ExpiresAt.Before(before) {
			delete(s.states, id)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) GetRetro(id int64) (*models.Retro, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retros[id]
	if !ok {
		return nil, nil
	}
	cp := cloneRetro(r)
	return &cp, nil
}

func (s *InMemoryStore) GetRetroByDate(participantID int64, date string) (*models.Retro, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.retroByDate[retroKey{participantID, date}]
	if !ok {
		return nil, nil
	}
	cp := cloneRetro(s.retros[id])
	return &cp, nil
}

func (s *InMemoryStore) SaveRetro(r *models.Retro) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextRetroID
		s.nextRetroID++
	}
	s.retros[r.ID] = cloneRetro(*r)
	s.retroByDate[retroKey{r.ParticipantID, r.Date}] = r.ID
	return nil
}

func (s *InMemoryStore) UpsertFollowUp(f *models.FollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := retroKey{f.ParticipantID, f.Date}
	if existing, ok := s.followUps[key]; ok {
		f.ID = existing.ID
	} else {
		f.ID = s.nextFollowID
		s.nextFollowID++
	}
	s.followUps[key] = cloneFollowUp(*f)
	return nil
}

func (s *InMemoryStore) GetFollowUpByDate(participantID int64, date string) (*models.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followUps[retroKey{participantID, date}]
	if !ok {
		return nil, nil
	}
	cp := cloneFollowUp(f)
	return &cp, nil
}

func (s *InMemoryStore) ListFollowUpParticipants(date string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for key := range s.followUps {
		if key.date == date {
			ids = append(ids, key.participantID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *InMemoryStore) DeleteFollowUpsBefore(date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for key := range s.followUps {
		if key.date < date {
			delete(s.followUps, key)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func cloneRetro(r models.Retro) models.Retro {
	r.Wins = append([]string(nil), r.Wins...)
	r.Learnings = append([]string(nil), r.Learnings...)
	r.NextActions = append([]string(nil), r.NextActions...)
	r.MITs = append([]string(nil), r.MITs...)
	return r
}

func cloneFollowUp(f models.FollowUp) models.FollowUp {
	f.NextActions = append([]string(nil), f.NextActions...)
	f.MITs = append([]string(nil), f.MITs...)
	return f
}
