package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

// memSessions is an in-memory SessionStore that keeps items in sort-key
// order like a DynamoDB query.
type memSessions struct {
	mu      sync.Mutex
	items   map[int64]map[string]domain.Session
	puts    int
	listErr error
	putErr  error
	// putErrAfter fails every put once this many puts have succeeded; 0 disables it.
	putErrAfter int
	setErr      error
	deleteErr   error
}

func newMemSessions() *memSessions {
	return &memSessions{items: map[int64]map[string]domain.Session{}}
}

func (m *memSessions) ListSessions(_ context.Context, userID int64) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Session
	for _, s := range m.items[userID] {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (m *memSessions) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.putErrAfter > 0 && m.puts >= m.putErrAfter {
		return errors.New("put throttled")
	}
	m.puts++
	if m.items[s.UserID] == nil {
		m.items[s.UserID] = map[string]domain.Session{}
	}
	m.items[s.UserID][s.SK] = cloneSession(s)
	return nil
}

func (m *memSessions) SetSessionActive(_ context.Context, userID int64, sk string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	s, ok := m.items[userID][sk]
	if !ok {
		return fmt.Errorf("set active %s: %w", sk, domain.ErrNotFound)
	}
	s.IsActive = active
	m.items[userID][sk] = s
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, userID int64, sk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.items[userID], sk)
	return nil
}

func (m *memSessions) get(t *testing.T, userID int64, sk string) domain.Session {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[userID][sk]
	require.True(t, ok, "session %s not stored", sk)
	return cloneSession(s)
}

func (m *memSessions) activeCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.items[userID] {
		if s.IsActive {
			n++
		}
	}
	return n
}

func cloneSession(s domain.Session) domain.Session {
	s.Conversation = append([]domain.Message(nil), s.Conversation...)
	return s
}

// memArchives is an in-memory ArchiveStore keyed like the S3 layout.
type memArchives struct {
	mu      sync.Mutex
	records map[string]domain.ArchiveRecord
	putErr  error
	listErr error
	getErr  error
}

func newMemArchives() *memArchives {
	return &memArchives{records: map[string]domain.ArchiveRecord{}}
}

func archiveKey(userID int64, sessionID string) string {
	return fmt.Sprintf("archives/%d/%s.json", userID, sessionID)
}

func (m *memArchives) PutArchive(_ context.Context, rec domain.ArchiveRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	k := archiveKey(rec.UserID, rec.SessionID)
	m.records[k] = rec
	return k, nil
}

func (m *memArchives) ListArchives(_ context.Context, userID int64) ([]domain.ArchiveSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	prefix := fmt.Sprintf("archives/%d/", userID)
	var out []domain.ArchiveSummary
	for k, rec := range m.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.ArchiveSummary{
				SessionID:    rec.SessionID,
				Key:          k,
				Size:         2048,
				LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memArchives) GetArchive(_ context.Context, userID int64, sessionID string) (domain.ArchiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.ArchiveRecord{}, m.getErr
	}
	rec, ok := m.records[archiveKey(userID, sessionID)]
	if !ok {
		return domain.ArchiveRecord{}, fmt.Errorf("get archive: %w", domain.ErrNotFound)
	}
	return rec, nil
}

// memLedger is an in-memory DedupLedger.
type memLedger struct {
	mu   sync.Mutex
	seen map[int64]bool
	err  error
}

func newMemLedger() *memLedger { return &memLedger{seen: map[int64]bool{}} }

func (l *memLedger) ClaimUpdate(_ context.Context, updateID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.seen[updateID] {
		return false, nil
	}
	l.seen[updateID] = true
	return true, nil
}

type sentDocument struct {
	chatID   int64
	fileName string
	content  []byte
	caption  string
}

type editedMessage struct {
	chatID    int64
	messageID int64
	text      string
}

// recordingMessenger captures every outbound call.
type recordingMessenger struct {
	mu        sync.Mutex
	nextID    int64
	sent      []string
	edits     []editedMessage
	documents []sentDocument
	files     map[string][]byte
	sendErr   error
	editErr   error
	docErr    error
	fileErr   error
	// maxRunes rejects longer texts like the platform does; 0 disables it.
	maxRunes int
	// ctxErrs records ctx.Err() as seen by each send or edit.
	ctxErrs []error
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{nextID: 100, files: map[string][]byte{}}
}

func (m *recordingMessenger) SendMessage(ctx context.Context, _ int64, text string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	if m.tooLong(text) {
		return 0, errors.New("Bad Request: message is too long")
	}
	m.sent = append(m.sent, text)
	m.nextID++
	return m.nextID, nil
}

func (m *recordingMessenger) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.editErr != nil {
		return m.editErr
	}
	if m.tooLong(text) {
		return errors.New("Bad Request: message is too long")
	}
	m.edits = append(m.edits, editedMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (m *recordingMessenger) SendDocument(_ context.Context, chatID int64, fileName string, content []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docErr != nil {
		return m.docErr
	}
	m.documents = append(m.documents, sentDocument{chatID: chatID, fileName: fileName, content: content, caption: caption})
	return nil
}

func (m *recordingMessenger) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileErr != nil {
		return nil, m.fileErr
	}
	return m.files[fileID], nil
}

func (m *recordingMessenger) tooLong(text string) bool {
	return m.maxRunes > 0 && utf8.RuneCountInString(text) > m.maxRunes
}

func (m *recordingMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

// fakeLLM returns a canned answer and records the request.
type fakeLLM struct {
	answer    string
	err       error
	models    []string
	modelsErr error
	block     bool
	gotModel  string
	gotMsgs   []domain.ChatMessage
	calls     int
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	f.calls++
	f.gotModel = model
	f.gotMsgs = messages
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, f.err
}

func (f *fakeLLM) ListModels(_ context.Context) ([]string, error) {
	return f.models, f.modelsErr
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

// sequentialUUIDs makes newUUID deterministic for the duration of a test.
func sequentialUUIDs(t *testing.T) {
	t.Helper()
	orig := newUUID
	n := 0
	newUUID = func() string {
		n++
		return fmt.Sprintf("%08d-0000-4000-8000-000000000000", n)
	}
	t.Cleanup(func() { newUUID = orig })
}

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}
