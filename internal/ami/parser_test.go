package ami_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return data
}

func TestParseOriginateAnswered(t *testing.T) {
	msgs := ami.ParseBytes(loadFixture(t, "originate-answered.raw"))

	if len(msgs) != 11 {
		t.Fatalf("expected 11 messages, got %d", len(msgs))
	}

	// Banner is skipped; the login reply comes first
	if !msgs[0].IsResponse() || msgs[0].Get("Message") != "Authentication accepted" {
		t.Errorf("expected login response first, got %q", msgs[0].String())
	}

	responses := 0
	for _, m := range msgs {
		if m.IsResponse() {
			responses++
		}
	}
	if responses != 2 {
		t.Errorf("expected 2 action responses, got %d", responses)
	}

	types := countEventTypes(msgs)
	assertEventCount(t, types, "FullyBooted", 1)
	assertEventCount(t, types, "Newchannel", 2)
	assertEventCount(t, types, "Newstate", 1)
	assertEventCount(t, types, ami.EventOriginateResponse, 1)
	assertEventCount(t, types, "VarSet", 1)
	assertEventCount(t, types, "SoftHangupRequest", 1)
	assertEventCount(t, types, ami.EventHangup, 2)

	orig := filterByType(msgs, ami.EventOriginateResponse)[0]
	if orig.IsResponse() {
		t.Error("OriginateResponse is an event, not an action response")
	}
	if orig.ActionID() != "9b7c2e10-0d4e-4a52-9a43-5f0f6c1d2e01" {
		t.Errorf("unexpected ActionID %q", orig.ActionID())
	}
	if orig.UniqueID() != "1770890000.101" {
		t.Errorf("expected Uniqueid=1770890000.101, got %q", orig.UniqueID())
	}
	if orig.Channel() != "Local/000@origin-00000001;1" {
		t.Errorf("unexpected Channel %q", orig.Channel())
	}
	if !orig.Has("Application") || orig.Get("Application") != "" {
		t.Errorf("expected empty Application header to be kept")
	}

	for _, h := range filterByType(msgs, ami.EventHangup) {
		if h.GetInt("Cause") != 16 {
			t.Errorf("expected Cause=16, got %d", h.GetInt("Cause"))
		}
		if h.Get("Cause-txt") != "Normal Clearing" {
			t.Errorf("expected Cause-txt=Normal Clearing, got %q", h.Get("Cause-txt"))
		}
	}
}

func TestParseOriginateFailed(t *testing.T) {
	msgs := ami.ParseBytes(loadFixture(t, "originate-failed.raw"))

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	orig := msgs[1]
	if orig.Type() != ami.EventOriginateResponse {
		t.Fatalf("expected OriginateResponse, got %q", orig.Type())
	}
	if orig.UniqueID() != ami.NullUniqueID {
		t.Errorf("expected Uniqueid=%s, got %q", ami.NullUniqueID, orig.UniqueID())
	}
	if orig.Get("Response") != "Failure" {
		t.Errorf("expected Response=Failure, got %q", orig.Get("Response"))
	}
}

func TestParseEmptyInput(t *testing.T) {
	events := ami.ParseBytes([]byte(""))
	if len(events) != 0 {
		t.Errorf("expected 0 events from empty input, got %d", len(events))
	}
}

func TestParseBannerOnly(t *testing.T) {
	events := ami.ParseBytes([]byte("Asterisk Call Manager/5.0.1\r\n\r\n"))
	if len(events) != 0 {
		t.Errorf("expected 0 events from banner only, got %d", len(events))
	}
}

func TestParseKeyWithoutValue(t *testing.T) {
	events := ami.ParseBytes([]byte("Event: VarSet\r\nValue:\r\nVariable: X\r\n\r\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].Has("Value") || events[0].Get("Value") != "" {
		t.Errorf("expected empty Value header, got %q", events[0].String())
	}
	if events[0].Get("Variable") != "X" {
		t.Errorf("expected Variable=X, got %q", events[0].Get("Variable"))
	}
}

func TestParseLongLine(t *testing.T) {
	long := strings.Repeat("x", 100*1024)
	events := ami.ParseBytes([]byte("Event: VarSet\r\nValue: " + long + "\r\n\r\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0].Get("Value")) != len(long) {
		t.Errorf("expected %d byte value, got %d", len(long), len(events[0].Get("Value")))
	}
}

func TestEventAccessors(t *testing.T) {
	evt := ami.NewEvent(
		"Event", "Hangup",
		"Cause", "16",
		"Channel", "PJSIP/1986-00000019",
		"Uniqueid", "1770888509.40",
		"ActionID", "abc",
	)

	if evt.Type() != "Hangup" {
		t.Errorf("expected Type()=Hangup, got %q", evt.Type())
	}
	if evt.GetInt("Cause") != 16 {
		t.Errorf("expected GetInt(Cause)=16, got %d", evt.GetInt("Cause"))
	}
	if evt.UniqueID() != "1770888509.40" || evt.Channel() != "PJSIP/1986-00000019" || evt.ActionID() != "abc" {
		t.Errorf("unexpected accessor values in %q", evt.String())
	}
	if evt.Get("Missing") != "" || evt.Has("Missing") {
		t.Errorf("expected missing key to be absent")
	}
	if evt.GetInt("Channel") != 0 {
		t.Errorf("expected GetInt on non-numeric to return 0, got %d", evt.GetInt("Channel"))
	}
	if evt.IsResponse() {
		t.Error("expected IsResponse()=false for an event")
	}

	resp := ami.NewEvent("Response", "Success", "Message", "Authentication accepted")
	if !resp.IsResponse() {
		t.Error("expected IsResponse()=true for response event")
	}
}

func TestEventStringRoundTrip(t *testing.T) {
	evt := ami.NewEvent("Event", "Newstate", "Uniqueid", "A1", "ChannelStateDesc", "Up")
	if got := evt.String(); got != "Event: Newstate\r\nUniqueid: A1\r\nChannelStateDesc: Up\r\n\r\n" {
		t.Fatalf("unexpected wire form %q", got)
	}

	parsed := ami.ParseBytes([]byte(evt.String()))
	if len(parsed) != 1 || parsed[0].UniqueID() != "A1" || parsed[0].Get("ChannelStateDesc") != "Up" {
		t.Errorf("unexpected reparse %+v", parsed)
	}
}

func TestParserStreamReading(t *testing.T) {
	input := "Event: Test\r\nKey: Value\r\n\r\nEvent: Test2\r\nKey2: Value2\r\n\r\n"
	parser := ami.NewParser(strings.NewReader(input))

	evt1, ok := parser.Next()
	if !ok {
		t.Fatal("expected first event")
	}
	if evt1.Type() != "Test" {
		t.Errorf("expected Test, got %q", evt1.Type())
	}

	evt2, ok := parser.Next()
	if !ok {
		t.Fatal("expected second event")
	}
	if evt2.Type() != "Test2" {
		t.Errorf("expected Test2, got %q", evt2.Type())
	}

	_, ok = parser.Next()
	if ok {
		t.Error("expected no more events")
	}
	if parser.Err() != nil {
		t.Errorf("expected no read error at EOF, got %v", parser.Err())
	}
}

func TestParserNoTrailingBlankLine(t *testing.T) {
	input := "Event: Final\r\nKey: Value"
	events := ami.ParseBytes([]byte(input))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type() != "Final" {
		t.Errorf("expected Final, got %q", events[0].Type())
	}
}

// helpers

func countEventTypes(events []ami.Event) map[string]int {
	types := map[string]int{}
	for _, e := range events {
		if t := e.Type(); t != "" {
			types[t]++
		}
	}
	return types
}

func assertEventCount(t *testing.T, types map[string]int, eventType string, expected int) {
	t.Helper()
	if types[eventType] != expected {
		t.Errorf("expected %d %s events, got %d", expected, eventType, types[eventType])
	}
}

func filterByType(events []ami.Event, eventType string) []ami.Event {
	var result []ami.Event
	for _, e := range events {
		if e.Type() == eventType {
			result = append(result, e)
		}
	}
	return result
}
