package gmail

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAPI is an in-memory API implementation for tests, with error
// injection and call tracking.
type MockAPI struct {
	mu sync.Mutex

	// Profile to return.
	Profile *Profile

	// Messages indexed by ID.
	Messages map[string]*RawMessage

	// MessagePages defines list pagination: each entry is one page of IDs.
	MessagePages [][]string

	// FetchDelay stalls every GetMessageRaw call, for timeout tests.
	FetchDelay time.Duration

	// Error injection.
	ProfileError      error
	ListMessagesError error
	GetMessageError   map[string]error // per-message full-fetch errors
	GetLabelsError    map[string]error // per-message label-fetch errors
	BatchModifyError  error            // returned by every BatchModify call

	// Call tracking.
	ProfileCalls      int
	ListMessagesCalls int
	LastQuery         string
	GetMessageCalls   []string
	GetLabelsCalls    []string
	BatchModifyCalls  [][]string
	RemovedLabels     [][]string
}

// NewMockAPI creates an empty mock.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*RawMessage),
		GetMessageError: make(map[string]error),
		GetLabelsError:  make(map[string]error),
	}
}

// AddMessage registers a message and appends its ID to the last page,
// starting a new page when the current one holds pageSize IDs.
func (m *MockAPI) AddMessage(msg *RawMessage, pageSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages[msg.ID] = msg
	if len(m.MessagePages) == 0 || len(m.MessagePages[len(m.MessagePages)-1]) >= pageSize {
		m.MessagePages = append(m.MessagePages, nil)
	}
	last := len(m.MessagePages) - 1
	m.MessagePages[last] = append(m.MessagePages[last], msg.ID)
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{
			EmailAddress:  "test@example.com",
			MessagesTotal: int64(len(m.Messages)),
		}, nil
	}
	return m.Profile, nil
}

// ListMessages returns mock pages with synthetic page tokens.
func (m *MockAPI) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesCalls++
	m.LastQuery = query

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	pageNum := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &pageNum); err != nil {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
	}

	if pageNum >= len(m.MessagePages) {
		return &MessageListResponse{}, nil
	}

	page := m.MessagePages[pageNum]
	refs := make([]MessageRef, len(page))
	for i, id := range page {
		threadID := "thread_" + id
		if msg, ok := m.Messages[id]; ok && msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		refs[i] = MessageRef{ID: id, ThreadID: threadID}
	}

	nextToken := ""
	if pageNum+1 < len(m.MessagePages) {
		nextToken = fmt.Sprintf("page_%d", pageNum+1)
	}

	var total int64
	for _, p := range m.MessagePages {
		total += int64(len(p))
	}

	return &MessageListResponse{
		Messages:           refs,
		NextPageToken:      nextToken,
		ResultSizeEstimate: total,
	}, nil
}

// GetMessageRaw returns the registered message or an injected error.
func (m *MockAPI) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)
	err := m.GetMessageError[messageID]
	msg := m.Messages[messageID]
	delay := m.FetchDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, &NotFoundError{Path: messageID}
	}
	return msg, nil
}

// GetMessageLabels returns the label set of a registered message.
func (m *MockAPI) GetMessageLabels(ctx context.Context, messageID string) (*MessageLabels, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetLabelsCalls = append(m.GetLabelsCalls, messageID)

	if err := m.GetLabelsError[messageID]; err != nil {
		return nil, err
	}
	msg := m.Messages[messageID]
	if msg == nil {
		return nil, &NotFoundError{Path: messageID}
	}
	return &MessageLabels{ID: messageID, LabelIDs: msg.LabelIDs}, nil
}

// BatchModify records the call and applies label changes to registered
// messages unless an error is injected.
func (m *MockAPI) BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := append([]string(nil), messageIDs...)
	m.BatchModifyCalls = append(m.BatchModifyCalls, ids)
	m.RemovedLabels = append(m.RemovedLabels, append([]string(nil), removeLabelIDs...))

	if m.BatchModifyError != nil {
		return m.BatchModifyError
	}
	if len(messageIDs) > MaxBatchModify {
		return fmt.Errorf("batch modify limited to %d messages, got %d", MaxBatchModify, len(messageIDs))
	}

	remove := make(map[string]bool, len(removeLabelIDs))
	for _, l := range removeLabelIDs {
		remove[l] = true
	}

	for _, id := range messageIDs {
		msg, ok := m.Messages[id]
		if !ok {
			continue
		}
		var labels []string
		for _, l := range msg.LabelIDs {
			if !remove[l] {
				labels = append(labels, l)
			}
		}
		labels = append(labels, addLabelIDs...)
		msg.LabelIDs = labels
	}
	return nil
}

// Close is a no-op.
func (m *MockAPI) Close() error { return nil }

// Ensure MockAPI implements the API interface.
var _ API = (*MockAPI)(nil)
