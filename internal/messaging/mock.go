package messaging

import (
	"context"
	"sync"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// SentMessage records one outbound message delivered through MockService.
type SentMessage struct {
	To      int64
	Text    string
	Buttons []Button
}

// EditedMessage records one in-place edit delivered through MockService.
type EditedMessage struct {
	To        int64
	MessageID int
	Text      string
}

// MockService is an in-memory Service and AudioSource for tests.
type MockService struct {
	mu        sync.Mutex
	Sent      []SentMessage
	Edited    []EditedMessage
	SendErr   error
	EditErr   error
	FetchPath string
	FetchSize int64
	FetchErr  error
	nextID    int
	responses chan models.Response
}

// NewMockService creates an empty mock delivery service.
func NewMockService() *MockService {
	return &MockService{responses: make(chan models.Response, 16)}
}

func (m *MockService) SendMessage(_ context.Context, to int64, text string) (int, error) {
	return m.record(to, text, nil)
}

func (m *MockService) SendMessageWithButtons(_ context.Context, to int64, text string, buttons []Button) (int, error) {
	return m.record(to, text, buttons)
}

func (m *MockService) record(to int64, text string, buttons []Button) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return 0, m.SendErr
	}
	m.nextID++
	m.Sent = append(m.Sent, SentMessage{To: to, Text: text, Buttons: buttons})
	return m.nextID, nil
}

func (m *MockService) EditMessage(_ context.Context, to int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	m.Edited = append(m.Edited, EditedMessage{To: to, MessageID: messageID, Text: text})
	return nil
}

func (m *MockService) Fetch(_ context.Context, _, _ string, _ int64) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return "", 0, m.FetchErr
	}
	return m.FetchPath, m.FetchSize, nil
}

func (m *MockService) Start(_ context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.responses)
	return nil
}

func (m *MockService) Responses() <-chan models.Response { return m.responses }

// Inject queues an inbound response as if a participant had sent it.
func (m *MockService) Inject(resp models.Response) {
	m.responses <- resp
}

// LastSent returns the most recent outbound message, or nil.
func (m *MockService) LastSent() *SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	msg := m.Sent[len(m.Sent)-1]
	return &msg
}

// LastEdited returns the most recent edit, or nil.
func (m *MockService) LastEdited() *EditedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edited) == 0 {
		return nil
	}
	e := m.Edited[len(m.Edited)-1]
	return &e
}
