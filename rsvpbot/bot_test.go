package rsvpbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testStart = time.Date(2030, time.March, 14, 12, 0, 0, 0, time.UTC)

// testClock is a manually-advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "123456789"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Scheduler.LogLevel.Set(logLevel)
	return cfg
}

func setupTestDatabase(t testing.TB) *database {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

// newTestRegistry returns an empty registry backed by a temporary
// sqlite database, with its clock set to testStart
func newTestRegistry(t testing.TB) (*Registry, *database, *testClock) {
	t.Helper()
	db := setupTestDatabase(t)
	clock := newTestClock()
	reg := NewRegistry(db, nil)
	reg.now = clock.Now
	return reg, db, clock
}

// newTestBot returns a Bot with an initialized database and registry,
// and a mock discord session. It isn't connected or running.
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession, *testClock) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.initDB(context.Background()))
	t.Cleanup(
		func() {
			if sqlDB, e := b.db.DB().DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	clock := newTestClock()
	b.now = clock.Now
	b.registry.now = clock.Now

	session := newMockDiscordSession()
	b.discord.session = session
	return b, session, clock
}

func newTestEvent(ownerID string, start time.Time) NewEvent {
	return NewEvent{
		Title:           "Game night",
		Description:     "Board games in the lounge",
		OwnerID:         ownerID,
		GuildID:         "guild-1",
		ChannelID:       "channel-1",
		StartTime:       start,
		DurationMinutes: DefaultEventDurationMinutes,
	}
}

// failingStore wraps a Store, failing every Upsert while failUpserts
// is set
type failingStore struct {
	Store
	failUpserts atomic.Bool
	upserts     atomic.Int64
}

var errStoreUnavailable = errors.New("store unavailable")

func (f *failingStore) Upsert(ctx context.Context, event Event) error {
	f.upserts.Add(1)
	if f.failUpserts.Load() {
		return &StoreError{Op: "upsert", Err: errStoreUnavailable}
	}
	return f.Store.Upsert(ctx, event)
}

// mockDiscordSession implements DiscordSessionHandler, recording the
// messages and interaction responses sent
type mockDiscordSession struct {
	mu        sync.Mutex
	sent      []*discordgo.MessageSend
	channels  []string
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.MessageEdit
	commands  []*discordgo.ApplicationCommand
	status    string
	handlers  int
	opened    bool

	// sendErr, if set, is returned by ChannelMessageSendComplex
	sendErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: message})
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channels = append(m.channels, channelID)
	m.sent = append(m.sent, data)
	return &discordgo.Message{
		ID:        fmt.Sprintf("message-%d", len(m.sent)),
		ChannelID: channelID,
		Content:   data.Content,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	created := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmd := *c
		cmd.ID = fmt.Sprintf("command-%d", i)
		cmd.ApplicationID = appID
		created[i] = &cmd
	}
	return created, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) {}

func (m *mockDiscordSession) sentMessages() []*discordgo.MessageSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make([]*discordgo.MessageSend, len(m.sent))
	copy(sent, m.sent)
	return sent
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	_, err := New(cfg)
	require.Error(t, err)

	cfg = DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestBot_InitDiscordSession(t *testing.T) {
	b, session, _ := newTestBot(t)
	wg := &sync.WaitGroup{}

	require.NoError(t, b.initDiscordSession(context.Background(), wg))
	assert.Equal(t, 4, session.handlers)

	// re-initializing replaces the handlers rather than adding more
	require.NoError(t, b.initDiscordSession(context.Background(), wg))
	assert.Equal(t, 4, session.handlers)

	b.closeDiscord(context.Background())
	assert.Equal(t, 0, session.handlers)
	assert.False(t, session.opened)
}

func TestBot_RegisterCommands(t *testing.T) {
	b, session, _ := newTestBot(t)

	created, err := b.discord.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 5)

	names := make([]string, 0, len(session.commands))
	for _, c := range session.commands {
		names = append(names, c.Name)
		require.NotNil(t, c.DMPermission)
		assert.False(t, *c.DMPermission)
	}
	assert.ElementsMatch(
		t,
		[]string{
			commandCreateEvent,
			commandEvents,
			commandEventInfo,
			commandCancelEvent,
			commandRSVP,
		},
		names,
	)
}

func TestBot_ShutdownWaitsForScheduler(t *testing.T) {
	b, session, _ := newTestBot(t)
	b.config.Scheduler.SweepInterval = time.Hour
	b.scheduler = NewReminderScheduler(
		b.registry,
		newDiscordNotifier(session, nil),
		*b.config.Scheduler,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	require.NoError(t, b.initDiscordSession(ctx, wg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.scheduler.Run(gctx)
		},
	)
	require.Eventually(t, b.scheduler.Running, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, b.shutdown(context.Background(), g, wg))
	assert.False(t, b.scheduler.Running())
	assert.Equal(t, 0, session.handlers)
}
