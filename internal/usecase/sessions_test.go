package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

const testUser int64 = 42

func newTestSessions(t *testing.T, store SessionStore) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(store, "tinyllama", nil)
	require.NoError(t, err)
	m.now = fixedClock(1_700_000_000)
	return m
}

func TestNewSessionManager(t *testing.T) {
	_, err := NewSessionManager(nil, "m", nil)
	require.Error(t, err)

	m, err := NewSessionManager(newMemSessions(), " ", nil)
	require.NoError(t, err)
	require.Equal(t, "tinyllama", m.DefaultModel())
}

func TestGetOrCreateActive_CreatesLazily(t *testing.T) {
	sequentialUUIDs(t)
	store := newMemSessions()
	m := newTestSessions(t, store)

	s, err := m.GetOrCreateActive(context.Background(), testUser)
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Equal(t, "tinyllama", s.ModelName)
	require.Equal(t, domain.SessionSK("tinyllama", s.SessionID), s.SK)
	require.Empty(t, s.Conversation)

	again, err := m.GetOrCreateActive(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, s.SK, again.SK)
	require.Equal(t, 1, store.activeCount(testUser))
}

func TestCreate_DeactivatesOthers(t *testing.T) {
	sequentialUUIDs(t)
	store := newMemSessions()
	m := newTestSessions(t, store)
	ctx := context.Background()

	first, err := m.Create(ctx, testUser, "")
	require.NoError(t, err)
	second, err := m.Create(ctx, testUser, "llama3")
	require.NoError(t, err)

	require.Equal(t, "llama3", second.ModelName)
	require.False(t, store.get(t, testUser, first.SK).IsActive)
	require.True(t, store.get(t, testUser, second.SK).IsActive)
	require.Equal(t, 1, store.activeCount(testUser))
}

func TestCreateAndSwitch_SingleActiveInvariant(t *testing.T) {
	sequentialUUIDs(t)
	store := newMemSessions()
	m := newTestSessions(t, store)
	ctx := context.Background()

	steps := []struct {
		create bool
		arg    string
	}{
		{create: true}, {create: true}, {arg: "1"}, {create: true}, {arg: "3"}, {arg: "2"}, {arg: "9"}, {arg: "x"}, {create: true}, {arg: "1"},
	}
	for i, step := range steps {
		if step.create {
			_, err := m.Create(ctx, testUser, "")
			require.NoError(t, err)
		} else {
			_, _, _ = m.Switch(ctx, testUser, step.arg)
		}
		require.Equal(t, 1, store.activeCount(testUser), "after step %d", i)
	}
}

func TestSwitch(t *testing.T) {
	sequentialUUIDs(t)
	store := newMemSessions()
	m := newTestSessions(t, store)
	ctx := context.Background()

	a, err := m.Create(ctx, testUser, "")
	require.NoError(t, err)
	_, err = m.Create(ctx, testUser, "")
	require.NoError(t, err)

	s, n, err := m.Switch(ctx, testUser, " 1 ")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, a.SK, s.SK)
	require.True(t, s.IsActive)
	require.True(t, store.get(t, testUser, a.SK).IsActive)
	require.Equal(t, 1, store.activeCount(testUser))
}

func TestSwitch_Errors(t *testing.T) {
	sequentialUUIDs(t)
	store := newMemSessions()
	m := newTestSessions(t, store)
	ctx := context.Background()
	_, err := m.Create(ctx, testUser, "")
	require.NoError(t, err)

	cases := []struct {
		arg    string
		code   ErrorCode
		reason string
	}{
		{arg: "", code: ErrorInvalidInput, reason: "index_not_integer"},
		{arg: "one", code: ErrorInvalidInput, reason: "index_not_integer"},
		{arg: "1.5", code: ErrorInvalidInput, reason: "index_not_integer"},
		{arg: "0", code: ErrorInvalidInput, reason: "index_not_positive"},
		{arg: "-1", code: ErrorInvalidInput, reason: "index_not_positive"},
		{arg: "2", code: ErrorIndexOutOfRange, reason: "index_out_of_range"},
	}
	for _, tc := range cases {
		t.Run(tc.arg, func(t *testing.T) {
			_, _, err := m.Switch(ctx, testUser, tc.arg)
			expectError(t, err, tc.code, tc.reason)
		})
	}

	store.setErr = errors.New("throttled")
	_, _, err = m.Switch(ctx, testUser, "1")
	expectError(t, err, ErrorStoreUnavailable, "session_activate_error")
}

func TestStoreFailuresAreStoreUnavailable(t *testing.T) {
	store := newMemSessions()
	store.listErr = errors.New("dynamodb down")
	m := newTestSessions(t, store)

	_, err := m.GetOrCreateActive(context.Background(), testUser)
	expectError(t, err, ErrorStoreUnavailable, "session_list_error")

	store.listErr = nil
	store.putErr = errors.New("dynamodb down")
	_, err = m.Create(context.Background(), testUser, "")
	expectError(t, err, ErrorStoreUnavailable, "session_put_error")

	s := domain.Session{UserID: testUser, SK: "MODEL#m#SESSION#x"}
	expectError(t, m.Append(context.Background(), &s, domain.RoleUser, "hi"), ErrorStoreUnavailable, "session_append_error")
}

func TestAppend(t *testing.T) {
	store := newMemSessions()
	m := newTestSessions(t, store)
	s := domain.Session{UserID: testUser, SK: domain.SessionSK("m", "x"), SessionID: "x", IsActive: true}

	require.NoError(t, m.Append(context.Background(), &s, domain.RoleUser, "hello"))
	require.Equal(t, []domain.Message{{Role: "user", Content: "hello", TS: 1_700_000_000}}, s.Conversation)
	require.Equal(t, int64(1_700_000_000), s.LastMessageTS)
	require.Equal(t, s.Conversation, store.get(t, testUser, s.SK).Conversation)
}

func TestPendingGuard(t *testing.T) {
	store := newMemSessions()
	m := newTestSessions(t, store)
	s := domain.Session{UserID: testUser, SK: domain.SessionSK("m", "x")}

	require.NoError(t, m.BeginPending(context.Background(), &s))
	start := time.Unix(s.PendingRequestTS, 0)
	require.Equal(t, s.PendingRequestTS, store.get(t, testUser, s.SK).PendingRequestTS)

	require.True(t, m.Busy(s, start))
	require.True(t, m.Busy(s, start.Add(54*time.Second)))
	require.False(t, m.Busy(s, start.Add(55*time.Second)))
	require.False(t, m.Busy(s, start.Add(56*time.Second)))

	require.NoError(t, m.EndPending(context.Background(), &s))
	require.Zero(t, store.get(t, testUser, s.SK).PendingRequestTS)
	require.False(t, m.Busy(s, start))
}

func TestSessionTail(t *testing.T) {
	s := domain.Session{}
	for i := 0; i < 12; i++ {
		s.Conversation = append(s.Conversation, domain.Message{Role: "user", Content: "m", TS: int64(i)})
	}
	require.Len(t, s.Tail(10), 10)
	require.Equal(t, int64(2), s.Tail(10)[0].TS)
	require.Len(t, s.Tail(5), 5)
	require.Len(t, s.Tail(50), 12)
}
