package netscene

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

func TestCoordinator_HostToGuestSceneChange(t *testing.T) {
	h := newHostFixture(t, time.Minute, "MainMenu")
	guest := h.addPeer(t, "g1", "MainMenu")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{
		Scene: "GameScene",
		Close: []string{"MainMenu"},
		Scope: []lobby.ConnID{"g1"},
	})
	require.NoError(t, err)
	assert.False(t, h.engine.IsLoaded("MainMenu"), "host closes locally before fan-out")

	waitStarted(t, guest.loader, "GameScene")
	assert.False(t, guest.loader.IsLoaded("MainMenu"), "close is applied before the load")

	guest.loader.emit("GameScene", 0.45)
	waitPercent(t, h.events, 0.5)
	guest.loader.emit("GameScene", 0.9)
	guest.loader.finish("GameScene", true)

	res := waitResult(t, op)
	assert.Equal(t, OpComplete, res.Outcome)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Completed)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Excluded)
	assert.True(t, guest.loader.IsLoaded("GameScene"))

	time.Sleep(20 * time.Millisecond)
	starts, percents, ends := h.events.snapshot()
	assert.Equal(t, 1, starts)
	assert.Equal(t, []float64{0.5, 1.0}, percents)
	assert.Len(t, ends, 1)
	assert.Equal(t, OpComplete, op.State())

	var kinds []CommandKind
	for _, cmd := range h.net.sentCommands() {
		assert.Equal(t, testSession, cmd.SessionID)
		assert.Equal(t, op.ID(), cmd.OpID)
		kinds = append(kinds, cmd.Kind)
	}
	assert.Equal(t, []CommandKind{CommandClose, CommandLoad}, kinds)
}

func TestCoordinator_GuestDisconnectMidLoadIsExcluded(t *testing.T) {
	h := newHostFixture(t, time.Minute, "MainMenu")
	h.addLocalPeer(t)
	guest := h.addPeer(t, "g1", "MainMenu")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene", Close: []string{"MainMenu"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []lobby.ConnID{"local", "g1"}, op.Scope())

	waitStarted(t, h.loader, "GameScene")
	waitStarted(t, guest.loader, "GameScene")

	h.loader.emit("GameScene", 0.9)
	h.loader.finish("GameScene", true)
	guest.loader.emit("GameScene", 0.36)
	waitPercent(t, h.events, 0.4)

	h.net.disconnect("g1")

	res := waitResult(t, op)
	assert.Equal(t, OpComplete, res.Outcome)
	assert.Equal(t, []lobby.ConnID{"local"}, res.Completed)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Excluded)
	assert.Empty(t, res.Failed)
	assert.True(t, h.engine.IsLoaded("GameScene"))

	time.Sleep(20 * time.Millisecond)
	_, _, ends := h.events.snapshot()
	assert.Len(t, ends, 1)
}

func TestCoordinator_PeerFailureDegradesToPartialFailure(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	h.addLocalPeer(t)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	waitStarted(t, h.loader, "GameScene")
	waitStarted(t, guest.loader, "GameScene")

	guest.loader.finish("GameScene", false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, OpAggregating, op.State(), "one failed peer does not end the operation")

	h.loader.emit("GameScene", 0.9)
	h.loader.finish("GameScene", true)

	res := waitResult(t, op)
	assert.Equal(t, OpPartialFailure, res.Outcome)
	assert.Equal(t, []lobby.ConnID{"local"}, res.Completed)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Failed)
	assert.Contains(t, res.Errors["g1"], "scene load failed")
	assert.True(t, h.engine.IsLoaded("GameScene"), "other peers keep loading")
}

func TestCoordinator_CoalescesSameScene(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1")

	first, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	second, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	waitStarted(t, guest.loader, "GameScene")
	guest.loader.finish("GameScene", true)
	waitResult(t, first)
	assert.Equal(t, 1, guest.loader.callCount("GameScene"))
	_, _, ends := h.events.snapshot()
	assert.Len(t, ends, 1)
}

func TestCoordinator_DuplicateLoadCommandDoesNotRestart(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	waitStarted(t, guest.loader, "GameScene")

	require.NoError(t, guest.link.down.Publish(Command{SessionID: testSession, OpID: op.ID(), Kind: CommandLoad, Scene: "GameScene"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, guest.loader.callCount("GameScene"))

	guest.loader.finish("GameScene", true)
	assert.Equal(t, OpComplete, waitResult(t, op).Outcome)
}

func TestCoordinator_NotArmed(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	h.coord.SessionEnded(testSession)
	assert.False(t, h.coord.Armed())

	_, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	assert.ErrorIs(t, err, ErrNotArmed)

	h.coord.SessionStarted(lobby.Session{ID: "s2", Role: lobby.RoleGuest})
	_, err = h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	assert.ErrorIs(t, err, ErrNotArmed)

	h.coord.SessionStarted(lobby.Session{ID: "s2", Role: lobby.RoleHost})
	_, err = h.coord.IssueSceneChange(context.Background(), Request{})
	assert.ErrorIs(t, err, scene.ErrInvalidSceneName)
}

func TestCoordinator_EmptyScopeCompletesImmediately(t *testing.T) {
	h := newHostFixture(t, time.Minute, "MainMenu")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene", Close: []string{"MainMenu"}})
	require.NoError(t, err)
	res := waitResult(t, op)
	assert.Equal(t, OpComplete, res.Outcome)
	assert.False(t, h.engine.IsLoaded("MainMenu"))

	starts, _, ends := h.events.snapshot()
	assert.Equal(t, 1, starts)
	assert.Len(t, ends, 1)
}

func TestCoordinator_ScopeCapturedAtIssue(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	late := h.addPeer(t, "g2")

	waitStarted(t, guest.loader, "GameScene")
	guest.loader.finish("GameScene", true)
	res := waitResult(t, op)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Completed)
	assert.Equal(t, 0, late.loader.callCount("GameScene"))
}

func TestCoordinator_FailedSendExcludesPeer(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	h.addPeer(t, "g1")
	h.net.mu.Lock()
	h.net.failSend["g1"] = true
	h.net.mu.Unlock()

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	res := waitResult(t, op)
	assert.Equal(t, OpComplete, res.Outcome)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Excluded)
}

func TestCoordinator_StaleReportsDropped(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	waitStarted(t, guest.loader, "GameScene")

	require.NoError(t, h.net.inbound.Publish(Inbound{Conn: "g1", Report: Report{SessionID: "old", OpID: op.ID(), Kind: ReportLoaded}}))
	require.NoError(t, h.net.inbound.Publish(Inbound{Conn: "g1", Report: Report{SessionID: testSession, OpID: "other-op", Kind: ReportLoaded}}))
	require.NoError(t, h.net.inbound.Publish(Inbound{Conn: "intruder", Report: Report{SessionID: testSession, OpID: op.ID(), Kind: ReportLoaded}}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, OpAggregating, op.State())

	guest.loader.finish("GameScene", true)
	assert.Equal(t, OpComplete, waitResult(t, op).Outcome)
}

func TestCoordinator_LoadTimeoutFailsUnfinishedPeers(t *testing.T) {
	h := newHostFixture(t, 30*time.Millisecond)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	waitStarted(t, guest.loader, "GameScene")

	res := waitResult(t, op)
	assert.Equal(t, OpPartialFailure, res.Outcome)
	assert.Equal(t, []lobby.ConnID{"g1"}, res.Failed)
	assert.Equal(t, ErrLoadTimeout.Error(), res.Errors["g1"])
}

func TestCoordinator_SessionEndCancelsInFlight(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1")

	op, err := h.coord.IssueSceneChange(context.Background(), Request{Scene: "GameScene"})
	require.NoError(t, err)
	waitStarted(t, guest.loader, "GameScene")

	h.coord.SessionEnded(testSession)
	guest.recv.SessionEnded(testSession)
	res := waitResult(t, op)
	assert.Equal(t, OpCancelled, res.Outcome)

	guest.loader.finish("GameScene", true)
	time.Sleep(20 * time.Millisecond)
	_, _, ends := h.events.snapshot()
	assert.Len(t, ends, 1)
	assert.Equal(t, OpCancelled, op.State())
}

func TestCoordinator_CloseRequestClosesEverywhere(t *testing.T) {
	h := newHostFixture(t, time.Minute, "Arena")
	guest := h.addPeer(t, "g1", "Arena")
	other := h.addPeer(t, "g2", "Arena")

	require.NoError(t, guest.recv.RequestClose("Arena"))
	require.Eventually(t, func() bool {
		return !h.engine.IsLoaded("Arena") && !guest.engine.IsLoaded("Arena") && !other.engine.IsLoaded("Arena")
	}, 2*time.Second, time.Millisecond)
}

func TestReceiver_DropsCommandsForOtherSession(t *testing.T) {
	h := newHostFixture(t, time.Minute)
	guest := h.addPeer(t, "g1", "Arena")

	require.NoError(t, guest.link.down.Publish(Command{SessionID: "other", Kind: CommandLoad, Scene: "GameScene"}))
	require.NoError(t, guest.link.down.Publish(Command{SessionID: "other", Kind: CommandClose, Scene: "Arena"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, guest.loader.callCount("GameScene"))
	assert.True(t, guest.engine.IsLoaded("Arena"))

	guest.recv.SessionEnded(testSession)
	assert.ErrorIs(t, guest.recv.RequestClose("Arena"), ErrNotArmed)
	assert.ErrorIs(t, guest.recv.RequestClose(""), scene.ErrInvalidSceneName)
}

func TestOpTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	startOpTimer(time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	stopped := startOpTimer(20*time.Millisecond, func() { t.Error("stopped timer fired") })
	stopped.Stop()
	stopped.Stop()
	time.Sleep(40 * time.Millisecond)

	var none *opTimer
	none.Stop()
}

// Property: for any interleaving of peer reports, percent changes strictly
// increase and exactly one terminal event is emitted.
func TestPropertyCoordinator_AggregateMinimum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		peers := rapid.IntRange(1, 4).Draw(t, "peers")
		net := newTestNetwork()
		events := &recordingEvents{}
		engine := scene.NewEngine(newStepLoader(), nil, zap.NewNop())
		coord := NewCoordinator(net, engine, events, 0, zap.NewNop())
		if err := coord.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer coord.Stop()
		coord.SessionStarted(lobby.Session{ID: testSession, Role: lobby.RoleHost})

		conns := make([]lobby.ConnID, peers)
		for i := range conns {
			conns[i] = lobby.ConnID(rune('a' + i))
			net.connect(conns[i])
		}
		op, err := coord.IssueSceneChange(context.Background(), Request{Scene: "S"})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		var reports []Inbound
		for _, c := range conns {
			steps := rapid.SliceOfN(rapid.Float64Range(0, 1), 0, 5).Draw(t, "steps_"+string(c))
			for _, p := range steps {
				reports = append(reports, Inbound{Conn: c, Report: Report{SessionID: testSession, OpID: op.ID(), Kind: ReportProgress, Progress: p}})
			}
			reports = append(reports, Inbound{Conn: c, Report: Report{SessionID: testSession, OpID: op.ID(), Kind: ReportLoaded}})
		}
		order := rapid.Permutation(reports).Draw(t, "order")
		for _, in := range order {
			if err := net.inbound.Publish(in); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := op.Wait(ctx)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if res.Outcome != OpComplete {
			t.Fatalf("outcome %s", res.Outcome)
		}
		_, percents, ends := events.snapshot()
		if len(ends) != 1 {
			t.Fatalf("expected one end, got %d", len(ends))
		}
		for i := 1; i < len(percents); i++ {
			if percents[i] <= percents[i-1] {
				t.Fatalf("percent did not increase: %v", percents)
			}
		}
		if len(percents) > 0 && percents[len(percents)-1] != 1 {
			t.Fatalf("final percent %v", percents[len(percents)-1])
		}
	})
}
