package grpclink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
)

func TestWelcome(t *testing.T) {
	conn, err := decodeWelcome(encodeWelcome("c-1"))
	require.NoError(t, err)
	assert.Equal(t, lobby.ConnID("c-1"), conn)

	_, err = decodeWelcome(&structpb.Struct{})
	assert.ErrorIs(t, err, errMalformed)
}

func TestDecode_RejectsWrongKind(t *testing.T) {
	cmd := encodeCommand(netscene.Command{SessionID: "s1", OpID: "op", Kind: netscene.CommandLoad, Scene: "GameScene"})
	_, err := decodeReport(cmd)
	assert.ErrorIs(t, err, errMalformed)

	cmd.Fields["command"] = structpb.NewStringValue("teleport")
	_, err = decodeCommand(cmd)
	assert.ErrorIs(t, err, errMalformed)

	rep := encodeReport(netscene.Report{Kind: netscene.ReportLoaded})
	rep.Fields["report"] = structpb.NewStringValue("")
	_, err = decodeReport(rep)
	assert.ErrorIs(t, err, errMalformed)
}

func TestReport_FailedCarriesError(t *testing.T) {
	in := netscene.Report{SessionID: "s1", OpID: "op", Kind: netscene.ReportFailed, Scene: "GameScene", Progress: 0.4, Error: "scene load failed"}
	out, err := decodeReport(encodeReport(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// Property: every command and report survives the envelope encoding.
func TestPropertyEnvelopePreservesMessages(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cmd := netscene.Command{
			SessionID: lobby.SessionID(rapid.String().Draw(t, "session")),
			OpID:      rapid.String().Draw(t, "op"),
			Kind:      netscene.CommandKind(rapid.IntRange(0, 1).Draw(t, "cmd_kind")),
			Scene:     rapid.String().Draw(t, "scene"),
		}
		gotCmd, err := decodeCommand(encodeCommand(cmd))
		if err != nil || gotCmd != cmd {
			t.Fatalf("command %+v decoded as %+v (%v)", cmd, gotCmd, err)
		}

		rep := netscene.Report{
			SessionID: cmd.SessionID,
			OpID:      cmd.OpID,
			Kind:      netscene.ReportKind(rapid.IntRange(0, 3).Draw(t, "report_kind")),
			Scene:     cmd.Scene,
			Progress:  rapid.Float64Range(0, 1).Draw(t, "progress"),
			Error:     rapid.String().Draw(t, "error"),
		}
		gotRep, err := decodeReport(encodeReport(rep))
		if err != nil || gotRep != rep {
			t.Fatalf("report %+v decoded as %+v (%v)", rep, gotRep, err)
		}
	})
}
