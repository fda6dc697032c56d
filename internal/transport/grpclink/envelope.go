package grpclink

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
)

// Envelope kinds carried in the "kind" field.
const (
	kindWelcome = "welcome"
	kindCommand = "command"
	kindReport  = "report"
)

// errMalformed is returned for envelopes that cannot be decoded.
var errMalformed = errors.New("malformed envelope")

var commandKinds = map[string]netscene.CommandKind{
	netscene.CommandClose.String(): netscene.CommandClose,
	netscene.CommandLoad.String():  netscene.CommandLoad,
}

var reportKinds = map[string]netscene.ReportKind{
	netscene.ReportProgress.String():     netscene.ReportProgress,
	netscene.ReportLoaded.String():       netscene.ReportLoaded,
	netscene.ReportFailed.String():       netscene.ReportFailed,
	netscene.ReportCloseRequest.String(): netscene.ReportCloseRequest,
}

// encodeWelcome builds the first envelope the host sends, naming the
// connection id it assigned.
func encodeWelcome(conn lobby.ConnID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind": structpb.NewStringValue(kindWelcome),
		"conn": structpb.NewStringValue(string(conn)),
	}}
}

func decodeWelcome(s *structpb.Struct) (lobby.ConnID, error) {
	if err := expectKind(s, kindWelcome); err != nil {
		return "", err
	}
	conn := stringField(s, "conn")
	if conn == "" {
		return "", fmt.Errorf("%w: welcome without connection id", errMalformed)
	}
	return lobby.ConnID(conn), nil
}

func encodeCommand(cmd netscene.Command) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(kindCommand),
		"session_id": structpb.NewStringValue(string(cmd.SessionID)),
		"op_id":      structpb.NewStringValue(cmd.OpID),
		"command":    structpb.NewStringValue(cmd.Kind.String()),
		"scene":      structpb.NewStringValue(cmd.Scene),
	}}
}

func decodeCommand(s *structpb.Struct) (netscene.Command, error) {
	if err := expectKind(s, kindCommand); err != nil {
		return netscene.Command{}, err
	}
	kind, ok := commandKinds[stringField(s, "command")]
	if !ok {
		return netscene.Command{}, fmt.Errorf("%w: unknown command %q", errMalformed, stringField(s, "command"))
	}
	return netscene.Command{
		SessionID: lobby.SessionID(stringField(s, "session_id")),
		OpID:      stringField(s, "op_id"),
		Kind:      kind,
		Scene:     stringField(s, "scene"),
	}, nil
}

func encodeReport(r netscene.Report) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(kindReport),
		"session_id": structpb.NewStringValue(string(r.SessionID)),
		"op_id":      structpb.NewStringValue(r.OpID),
		"report":     structpb.NewStringValue(r.Kind.String()),
		"scene":      structpb.NewStringValue(r.Scene),
		"progress":   structpb.NewNumberValue(r.Progress),
	}
	if r.Error != "" {
		fields["error"] = structpb.NewStringValue(r.Error)
	}
	return &structpb.Struct{Fields: fields}
}

func decodeReport(s *structpb.Struct) (netscene.Report, error) {
	if err := expectKind(s, kindReport); err != nil {
		return netscene.Report{}, err
	}
	kind, ok := reportKinds[stringField(s, "report")]
	if !ok {
		return netscene.Report{}, fmt.Errorf("%w: unknown report %q", errMalformed, stringField(s, "report"))
	}
	return netscene.Report{
		SessionID: lobby.SessionID(stringField(s, "session_id")),
		OpID:      stringField(s, "op_id"),
		Kind:      kind,
		Scene:     stringField(s, "scene"),
		Progress:  s.GetFields()["progress"].GetNumberValue(),
		Error:     stringField(s, "error"),
	}, nil
}

func expectKind(s *structpb.Struct, want string) error {
	if got := stringField(s, "kind"); got != want {
		return fmt.Errorf("%w: kind %q, want %q", errMalformed, got, want)
	}
	return nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
