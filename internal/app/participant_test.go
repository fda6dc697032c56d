package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/discovery/memstore"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/scene"
	"github.com/cory-johannsen/lobbysync/internal/transport/grpclink"
)

const testCatalog = `
scenes:
  - name: Bootstrap
    steps: 1
    step_delay: 1ms
  - name: MainMenu
    steps: 4
    step_delay: 5ms
  - name: GameScene
    steps: 10
    step_delay: 5ms
`

type recordingEvents struct {
	mu   sync.Mutex
	ends []netscene.Result
}

func (e *recordingEvents) OnLoadStart(netscene.OpInfo)                  {}
func (e *recordingEvents) OnLoadPercentChange(netscene.OpInfo, float64) {}
func (e *recordingEvents) OnLoadEnd(_ netscene.OpInfo, r netscene.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends = append(e.ends, r)
}

func (e *recordingEvents) results() []netscene.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]netscene.Result(nil), e.ends...)
}

func testConfig(t *testing.T, name, visibility string) config.Config {
	t.Helper()
	catalog := filepath.Join(t.TempDir(), "scenes.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(testCatalog), 0o600))

	v := viper.New()
	config.SetDefaults(v)
	v.Set("session.user_id", name)
	v.Set("session.display_name", name)
	v.Set("session.default_visibility", visibility)
	v.Set("scenes.catalog", catalog)
	v.Set("coordinator.load_timeout", "10s")
	v.Set("discovery.call_timeout", "5s")
	v.Set("discovery.refresh_timeout", "5s")
	cfg, err := config.LoadFromViper(v)
	require.NoError(t, err)
	return cfg
}

func startParticipant(t *testing.T, store discovery.Store, name, visibility string) (*Participant, *recordingEvents) {
	t.Helper()
	events := &recordingEvents{}
	p, err := Build(testConfig(t, name, visibility), store, scene.NopUI{}, events, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.Leave(context.Background())
		p.Stop()
		p.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Bootstrap(ctx))
	return p, events
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootstrap_LoadsMainMenu(t *testing.T) {
	p, _ := startParticipant(t, memstore.New(), "Alice", "private")
	assert.True(t, p.Engine.IsLoaded("MainMenu"))
	assert.True(t, p.Engine.IsLoaded("Bootstrap"))
}

func TestStartGame_Offline(t *testing.T) {
	p, events := startParticipant(t, memstore.New(), "Alice", "private")
	require.NoError(t, p.StartGame(testCtx(t), true))

	assert.True(t, p.Engine.IsLoaded("GameScene"))
	assert.False(t, p.Engine.IsLoaded("MainMenu"))
	assert.Empty(t, events.results(), "offline start does not coordinate")
}

func TestStartGame_OnlineRequiresHosting(t *testing.T) {
	p, _ := startParticipant(t, memstore.New(), "Alice", "private")
	assert.ErrorIs(t, p.StartGame(testCtx(t), false), netscene.ErrNotArmed)
}

func TestHostAndGuest_StartGame(t *testing.T) {
	ctx := testCtx(t)
	store := memstore.New()
	host, hostEvents := startParticipant(t, store, "Alice", "private")
	guest, _ := startParticipant(t, store, "Bob", "private")

	hosted, err := host.Host(ctx)
	require.NoError(t, err)
	assert.Equal(t, lobby.RoleHost, hosted.Role)
	assert.Equal(t, 4, hosted.Capacity)
	assert.Equal(t, lobby.VisibilityPrivate, hosted.Visibility)
	assert.Equal(t, "Alice's lobby", hosted.Metadata[lobby.MetaName])
	assert.NotEmpty(t, hosted.Metadata[lobby.MetaHostAddress])

	joined, err := guest.Join(ctx, hosted.ID)
	require.NoError(t, err)
	assert.Equal(t, lobby.RoleGuest, joined.Role)
	assert.Equal(t, hosted.ID, joined.ID)
	assert.Equal(t, "Alice's lobby", joined.Metadata[lobby.MetaName])
	assert.Len(t, host.Link.ConnectionSet(), 2)

	require.NoError(t, host.StartGame(ctx, false))

	for _, p := range []*Participant{host, guest} {
		assert.True(t, p.Engine.IsLoaded("GameScene"))
		assert.False(t, p.Engine.IsLoaded("MainMenu"))
	}
	results := hostEvents.results()
	require.Len(t, results, 1)
	assert.Equal(t, netscene.OpComplete, results[0].Outcome)
	assert.Len(t, results[0].Completed, 2)
	assert.Contains(t, results[0].Completed, grpclink.LocalConn)
	assert.Empty(t, results[0].Excluded)
}

func TestGuest_CannotModifySession(t *testing.T) {
	ctx := testCtx(t)
	store := memstore.New()
	host, _ := startParticipant(t, store, "Alice", "private")
	guest, _ := startParticipant(t, store, "Bob", "private")

	hosted, err := host.Host(ctx)
	require.NoError(t, err)
	_, err = guest.Join(ctx, hosted.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, guest.Sessions.SetMetadata(ctx, lobby.MetaName, "Bob's lobby"), lobby.ErrAuthorityViolation)
	name, err := host.Sessions.Metadata(ctx, lobby.MetaName)
	require.NoError(t, err)
	assert.Equal(t, "Alice's lobby", name)
}

func TestLobbyRows(t *testing.T) {
	ctx := testCtx(t)
	store := memstore.New()
	host, _ := startParticipant(t, store, "Alice", "public")
	guest, _ := startParticipant(t, store, "Bob", "private")

	rows, err := guest.LobbyRows(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, rows)

	hosted, err := host.Host(ctx)
	require.NoError(t, err)

	rows, err = guest.LobbyRows(ctx, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, LobbyRow{ID: hosted.ID, Name: "Alice's lobby", Capacity: "1/4"}, rows[0])

	_, err = guest.Join(ctx, hosted.ID)
	require.NoError(t, err)

	cached, err := guest.LobbyRows(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, rows, cached, "an unforced read returns the cached list")

	rows, err = guest.LobbyRows(ctx, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2/4", rows[0].Capacity)
}

func TestHostLeaves_GuestReturnsToIdle(t *testing.T) {
	ctx := testCtx(t)
	store := memstore.New()
	host, _ := startParticipant(t, store, "Alice", "private")
	guest, _ := startParticipant(t, store, "Bob", "private")

	hosted, err := host.Host(ctx)
	require.NoError(t, err)
	_, err = guest.Join(ctx, hosted.ID)
	require.NoError(t, err)

	watch := guest.Sessions.Watch(notify.DefaultBuffer)
	defer guest.Sessions.Unwatch(watch)

	require.NoError(t, host.Leave(ctx))
	assert.Equal(t, lobby.StateIdle, host.Sessions.State())

	select {
	case ch := <-watch.C():
		assert.Equal(t, lobby.StateIdle, ch.To)
		assert.ErrorIs(t, ch.Err, lobby.ErrHostLost)
	case <-ctx.Done():
		t.Fatal("guest never noticed the host leaving")
	}
	assert.False(t, guest.Coordinator.Armed())

	_, err = store.Get(ctx, hosted.ID)
	assert.ErrorIs(t, err, discovery.ErrSessionNotFound, "the owner leaving deletes the session")
}

func TestGuestLeaves_HostStartsGameAlone(t *testing.T) {
	ctx := testCtx(t)
	store := memstore.New()
	host, hostEvents := startParticipant(t, store, "Alice", "private")
	guest, _ := startParticipant(t, store, "Bob", "private")

	hosted, err := host.Host(ctx)
	require.NoError(t, err)
	_, err = guest.Join(ctx, hosted.ID)
	require.NoError(t, err)

	require.NoError(t, guest.Leave(ctx))
	require.Eventually(t, func() bool { return len(host.Link.ConnectionSet()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, host.StartGame(ctx, false))
	results := hostEvents.results()
	require.Len(t, results, 1)
	assert.Equal(t, []lobby.ConnID{grpclink.LocalConn}, results[0].Completed)
	assert.True(t, guest.Engine.IsLoaded("MainMenu"), "a departed guest keeps its scenes")
}
