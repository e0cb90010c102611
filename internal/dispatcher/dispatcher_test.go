package dispatcher_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sweeney/callctl/internal/answer"
	"github.com/sweeney/callctl/internal/dispatcher"
	"github.com/sweeney/callctl/internal/history"
	"github.com/sweeney/callctl/internal/reconcile"
	"github.com/sweeney/callctl/internal/session"
)

func TestOutboundCallAnswered(t *testing.T) {
	h := newHarness(t)

	h.feed("CALL/1001/2002/ch-1")
	h.expectMode("ch-1", session.RingingMe)
	if !h.d.Ringing() {
		t.Fatal("expected ringing cue after CALL for me")
	}

	res := h.d.Handle("CONNECTED/1001/2002/ch-1/171000000000")
	if !res.Applied || res.Plan == nil || res.Plan.Rule != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	snap, _ := h.d.Session("ch-1")
	if snap.Mode != session.AnsweredMe {
		t.Errorf("expected ANSWERED_ME, got %s", snap.Mode)
	}
	if snap.ConnectedTo != "2002" {
		t.Errorf("expected connectedTo 2002, got %q", snap.ConnectedTo)
	}
	if h.d.Ringing() {
		t.Error("cue still playing after answer")
	}

	eventually(t, "answer notification", func() bool { return h.answerCount() == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := h.answerCount(); n != 1 {
		t.Errorf("expected exactly one answer notification, got %d", n)
	}
}

func TestCallIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/1001/2002/ch-1/1000")

	res := h.d.Handle("CALL/1001/2002/ch-1/1000")
	if res.Applied || res.Reason != dispatcher.ReasonTracked {
		t.Fatalf("expected duplicate CALL to be ignored, got %+v", res)
	}
	if n := len(h.d.Sessions()); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}
	h.expectMode("ch-1", session.RingingMe)
	if h.cueStarts != 1 {
		t.Errorf("expected cue started once, got %d", h.cueStarts)
	}
}

func TestCallShapes(t *testing.T) {
	h := newHarness(t)
	h.feed(
		"CALL/5550001/2005/ch-general/1000",
		"CALL/5550002/1001/ch-in",
		"CALL/1001/5550003/ch-out",
	)

	tests := []struct {
		ch          string
		mode        session.Mode
		connectedTo string
		originator  string
		outgoing    bool
	}{
		{"ch-general", session.Ringing, "5550001", "5550001", false},
		{"ch-in", session.RingingMe, "5550002", "5550002", false},
		{"ch-out", session.RingingMe, "5550003", "1001", true},
	}
	for _, tt := range tests {
		t.Run(tt.ch, func(t *testing.T) {
			snap, ok := h.d.Session(tt.ch)
			if !ok {
				t.Fatal("not tracked")
			}
			if snap.Mode != tt.mode || snap.ConnectedTo != tt.connectedTo || snap.Originator != tt.originator || snap.Outgoing != tt.outgoing {
				t.Errorf("unexpected session %+v", snap)
			}
		})
	}

	snap, _ := h.d.Session("ch-general")
	if !snap.Created.Equal(time.UnixMilli(1000)) {
		t.Errorf("expected creation time from message, got %v", snap.Created)
	}
}

func TestIgnoredMessages(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		reason string
	}{
		{"empty", "", dispatcher.ReasonUnrecognized},
		{"unknown command", "PARK/ch-1", dispatcher.ReasonUnrecognized},
		{"call too short", "CALL/1001/2002", dispatcher.ReasonUnrecognized},
		{"call too long", "CALL/1001/2002/ch-1/1/2", dispatcher.ReasonUnrecognized},
		{"queue wrong arity", "QUEUE/q/ch-1", dispatcher.ReasonUnrecognized},
		{"locked wrong arity", "LOCKED/ch-1/x", dispatcher.ReasonUnrecognized},
		{"hangup alone", "HANGUP", dispatcher.ReasonUnrecognized},
		{"bad creation time", "CALL/1001/2002/ch-1/soon", dispatcher.ReasonMalformed},
		{"bad connect time", "CONNECTED/1001/2002/ch-1/soon", dispatcher.ReasonMalformed},
		{"untracked field", "UPDATEFIELD/alert/ch-9/Warning@@2", dispatcher.ReasonUntracked},
		{"untracked hangup", "HANGUP/x/ch-9", dispatcher.ReasonUntracked},
		{"untracked lock", "LOCKED/ch-9", dispatcher.ReasonUntracked},
		{"untracked endpoint", "ENDPOINT/ch-9/ch-10/5550001", dispatcher.ReasonUntracked},
		{"bad person id", "CHANGED/ch-9/someone", dispatcher.ReasonMalformed},
		{"bad failure code", "FAILED/ch-9/busy", dispatcher.ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.d.Handle(tt.msg)
			if res.Applied {
				t.Fatalf("expected %q to be ignored", tt.msg)
			}
			if res.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, res.Reason)
			}
			if n := len(h.d.Sessions()); n != 0 {
				t.Errorf("expected no sessions, got %d", n)
			}
		})
	}
}

func TestUnreconciledConnectIsIgnored(t *testing.T) {
	h := newHarness(t)
	res := h.d.Handle("CONNECTED/5550001/5550002/ch-1")
	if res.Applied || res.Plan == nil || res.Plan.Kind != reconcile.Ignore || res.Plan.Rule != 4 {
		t.Fatalf("expected rule 4 ignore, got %+v", res)
	}
	if len(h.d.Sessions()) != 0 {
		t.Error("unreconciled connect created a session")
	}
}

func TestUpdateFieldFromBus(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1")
	h.feed("UPDATEFIELD/conversation/ch-1/asked about 1%2F2 price")
	h.feed("UPDATEFIELD/conversation/ch-1/asked about 1%2F2 price")

	snap, _ := h.d.Session("ch-1")
	if v := snap.Fields["conversation"]; v != "asked about 1/2 price" {
		t.Errorf("unexpected field value %q", v)
	}
	if len(h.fields) != 1 {
		t.Errorf("expected one field notification for an unchanged repeat, got %d", len(h.fields))
	}
}

func TestHangupRemovesSession(t *testing.T) {
	for _, msg := range []string{"HANGUP/ch-1", "HANGUP/1001/2002/ch-1", "HANGUPREQUEST/x/ch-1"} {
		t.Run(msg, func(t *testing.T) {
			h := newHarness(t)
			h.feed("CALL/2002/1001/ch-1")
			if !h.d.Ringing() {
				t.Fatal("expected cue")
			}

			h.feed(msg)
			if _, ok := h.d.Session("ch-1"); ok {
				t.Fatal("session survived hangup")
			}
			if h.d.Ringing() {
				t.Error("cue still playing after hangup")
			}
			if len(h.d.RingingChannels()) != 0 {
				t.Errorf("ringing set not emptied: %v", h.d.RingingChannels())
			}
			if len(h.removed) != 1 || h.removed[0].Channel != "ch-1" {
				t.Errorf("unexpected removals %+v", h.removed)
			}
			time.Sleep(10 * time.Millisecond)
			before := h.blinkCount("ch-1")
			time.Sleep(20 * time.Millisecond)
			if h.blinkCount("ch-1") != before {
				t.Error("blink timer outlived its session")
			}
		})
	}
}

func TestBridgeDirectionsDeduplicate(t *testing.T) {
	forward := "CONNECTED/1001/2002/ch-1"
	reverse := "CONNECTED/2002/1001/ch-2"

	tests := []struct {
		name  string
		order []string
	}{
		{"forward first", []string{forward, reverse}},
		{"reverse first", []string{reverse, forward}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, m := range tt.order {
				h.d.Handle(m)
			}
			sessions := h.d.Sessions()
			if len(sessions) != 1 {
				t.Fatalf("expected one live session, got %d: %+v", len(sessions), sessions)
			}
			if sessions[0].Mode != session.AnsweredMe || sessions[0].ConnectedTo != "2002" {
				t.Errorf("unexpected surviving session %+v", sessions[0])
			}
			if !h.d.IsAlreadyConnected("2002") {
				t.Error("expected 2002 to be already connected")
			}
		})
	}
}

func TestSecondLegSwapsChannel(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1/1000")
	h.feed("UPDATEFIELD/conversation/ch-1/returning caller")

	res := h.d.Handle("CONNECTED/5550001/1001/ch-2")
	if !res.Applied || res.Plan.Kind != reconcile.Swap || res.Plan.Replace != "ch-1" {
		t.Fatalf("expected swap of ch-1, got %+v", res)
	}
	if _, ok := h.d.Session("ch-1"); ok {
		t.Error("old leg still tracked")
	}
	snap, ok := h.d.Session("ch-2")
	if !ok {
		t.Fatal("new leg not tracked")
	}
	if snap.Mode != session.AnsweredMe {
		t.Errorf("expected ANSWERED_ME, got %s", snap.Mode)
	}
	if !snap.Created.Equal(time.UnixMilli(1000)) {
		t.Errorf("creation time not inherited: %v", snap.Created)
	}
	if snap.Fields["conversation"] != "returning caller" {
		t.Errorf("fields not inherited: %v", snap.Fields)
	}
	if h.d.Ringing() || len(h.d.RingingChannels()) != 0 {
		t.Error("old leg left ringing state behind")
	}

	last := h.changes[len(h.changes)-1]
	if !last.Created || last.Replaced != "ch-1" {
		t.Errorf("expected creation change replacing ch-1, got %+v", last)
	}
}

func TestAnsweredElsewhere(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/2005/ch-1")
	h.feed("CONNECTED/5550001/2002/ch-1")

	snap, _ := h.d.Session("ch-1")
	if snap.Mode != session.AnsweredElsewhere {
		t.Fatalf("expected ANSWERED_ELSEWHERE, got %s", snap.Mode)
	}
	if snap.ConnectedTo != "Reception" {
		t.Errorf("expected answerer's directory name, got %q", snap.ConnectedTo)
	}
	if h.d.Ringing() {
		t.Error("cue still playing for a call answered elsewhere")
	}
	time.Sleep(20 * time.Millisecond)
	if h.answerCount() != 0 {
		t.Error("answer listeners notified for a call answered elsewhere")
	}
}

func TestQueueAndOnAir(t *testing.T) {
	h := newHarness(t)
	h.feed("QUEUE/q1/5550001/ch-q", "QUEUE/q1/1001/ch-me")
	h.expectMode("ch-q", session.Queued)
	h.expectMode("ch-me", session.QueuedMe)

	h.feed("CONNECTED/5550001/2005/ch-q")
	h.expectMode("ch-q", session.OnAir)
	h.feed("CONNECTED/5550001/1001/ch-me")
	h.expectMode("ch-me", session.OnAirMe)

	h.feed("QUEUE/q1/5550001/ch-q")
	h.expectMode("ch-q", session.Queued)
}

func TestEndpointRenamesProvisionalLeg(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/1001//ch-prov")
	h.feed("ENDPOINT/ch-prov/ch-bridged/5550001")

	if _, ok := h.d.Session("ch-prov"); ok {
		t.Error("provisional channel still tracked")
	}
	snap, ok := h.d.Session("ch-bridged")
	if !ok {
		t.Fatal("bridged channel not tracked")
	}
	if snap.ConnectedTo != "5550001" || snap.Originator != "1001" {
		t.Errorf("unexpected session %+v", snap)
	}
	if got := h.d.RingingChannels(); !slices.Equal(got, []string{"ch-bridged"}) {
		t.Errorf("ringing set not renamed: %v", got)
	}
}

func TestCueSilencedWhileBridged(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/1001/2002/ch-1", "CONNECTED/1001/2002/ch-1")
	h.feed("CALL/5550001/1001/ch-2")

	if h.d.Ringing() {
		t.Fatal("cue playing while bridged")
	}
	if got := h.d.RingingChannels(); !slices.Equal(got, []string{"ch-2"}) {
		t.Errorf("expected ch-2 to be ringing, got %v", got)
	}

	h.feed("HANGUP/ch-1")
	if !h.d.Ringing() {
		t.Error("cue did not resume after bridged call ended")
	}
	if h.cueStarts != 2 || h.cueStops != 1 {
		t.Errorf("expected 2 starts and 1 stop, got %d and %d", h.cueStarts, h.cueStops)
	}
}

func TestClickRollsBackAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1")
	eventually(t, "first blink", func() bool { return h.blinkCount("ch-1") > 0 })

	if err := h.d.Answer(context.Background(), "ch-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	h.expectMode("ch-1", session.Clicked)
	if got := h.sent(); !slices.Equal(got, []string{"transfer/ch-1/1001"}) {
		t.Errorf("unexpected outbound %v", got)
	}
	if h.d.Ringing() {
		t.Error("cue still playing while clicked")
	}

	eventually(t, "rollback", func() bool { return h.mode("ch-1") == session.RingingMe })
	if !h.d.Ringing() {
		t.Error("cue not resumed after rollback")
	}
	resumed := h.blinkCount("ch-1")
	eventually(t, "blink resumes", func() bool { return h.blinkCount("ch-1") > resumed })
}

func TestClickConfirmedKeepsServerMode(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/2002/1001/ch-1")
	if err := h.d.Answer(context.Background(), "ch-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	h.feed("CONNECTED/2002/1001/ch-1")
	h.expectMode("ch-1", session.AnsweredMe)

	time.Sleep(80 * time.Millisecond)
	h.expectMode("ch-1", session.AnsweredMe)
}

func TestClickFromGeneralRingingAnswers(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/2005/ch-1")
	if err := h.d.Answer(context.Background(), "ch-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	h.feed("CONNECTED/5550001/1001/ch-1")
	h.expectMode("ch-1", session.Answered)
}

func TestLockedAndFailed(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1")
	h.feed("LOCKED/ch-1")
	h.expectMode("ch-1", session.Clicked)

	h.feed("FAILED/ch-1/503")
	h.expectMode("ch-1", session.RingingMe)

	if res := h.d.Handle("FAILED/ch-1/503"); res.Applied || res.Reason != dispatcher.ReasonNotApplied {
		t.Errorf("expected FAILED outside CLICKED to be ignored, got %+v", res)
	}
}

func TestResetRestoresRinging(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) { o.ClickGrace = time.Hour })
	h.feed("CALL/5550001/1001/ch-1", "LOCKED/ch-1")

	if err := h.d.Reset("ch-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	h.expectMode("ch-1", session.RingingMe)
	n := h.blinkCount("ch-1")
	eventually(t, "blink re-armed", func() bool { return h.blinkCount("ch-1") > n })

	if err := h.d.Reset("ch-9"); !errors.Is(err, dispatcher.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestResetKeepsConfirmedMode(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/2002/1001/ch-1")
	if err := h.d.Answer(context.Background(), "ch-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	h.feed("CONNECTED/2002/1001/ch-1")
	h.expectMode("ch-1", session.AnsweredMe)

	if err := h.d.Reset("ch-1"); !errors.Is(err, dispatcher.ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
	h.expectMode("ch-1", session.AnsweredMe)
	if h.d.Ringing() {
		t.Error("cue restarted by reset of an answered call")
	}
}

func TestAnswerErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.d.Answer(ctx, "ch-9"); !errors.Is(err, dispatcher.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}

	h.feed("CALL/1001/2002/ch-1", "CONNECTED/1001/2002/ch-1")
	if err := h.d.Answer(ctx, "ch-1"); !errors.Is(err, dispatcher.ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
	if len(h.sent()) != 0 {
		t.Errorf("ineligible answer published %v", h.sent())
	}
}

func TestAnswerSendFailureRollsBack(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) { o.ClickGrace = time.Hour })
	h.feed("CALL/5550001/1001/ch-1")

	brokerDown := errors.New("broker down")
	h.bus.SetError(brokerDown)
	if err := h.d.Answer(context.Background(), "ch-1"); !errors.Is(err, brokerDown) {
		t.Fatalf("expected broker error, got %v", err)
	}
	h.expectMode("ch-1", session.RingingMe)
}

func TestAnswerNextOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.d.AnswerNext(ctx); !errors.Is(err, dispatcher.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible with nothing ringing, got %v", err)
	}

	h.feed(
		"CALL/5550001/2005/ch-a/3000",
		"CALL/5550002/2005/ch-b/1000",
		"CALL/5550003/2005/ch-c/2000",
		"CALL/5550004/1001/ch-me/500",
	)
	if err := h.d.AnswerNext(ctx); err != nil {
		t.Fatalf("answer next: %v", err)
	}
	if got := h.sent(); !slices.Equal(got, []string{"transfer/ch-b/1001"}) {
		t.Errorf("expected oldest general ringing call, got %v", got)
	}
	h.expectMode("ch-b", session.Clicked)
}

func TestAnswerRandom(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) {
		o.IntN = func(n int) int { return n - 1 }
	})
	h.feed("CALL/5550001/2005/ch-a", "CALL/5550002/2005/ch-b")

	if err := h.d.AnswerRandom(context.Background()); err != nil {
		t.Fatalf("answer random: %v", err)
	}
	if got := h.sent(); !slices.Equal(got, []string{"transfer/ch-b/1001"}) {
		t.Errorf("unexpected outbound %v", got)
	}
}

func TestStudioAnswerNextEndsBridgedCall(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) { o.Role = answer.RoleStudio })
	h.feed("CALL/1001/2002/ch-1", "CONNECTED/1001/2002/ch-1")
	h.feed("QUEUE/q1/5550001/ch-q", "CALL/5550002/2005/ch-r")

	if err := h.d.AnswerNext(context.Background()); err != nil {
		t.Fatalf("answer next: %v", err)
	}
	want := []string{"hangup/ch-1", "transfer/ch-q/1001"}
	if got := h.sent(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestOutboundActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed("CALL/5550001/1001/ch-1")

	if err := h.d.Transfer(ctx, "ch-1", "2005"); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Queue(ctx, "ch-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Hangup(ctx, "ch-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Dial(ctx, "5550009"); err != nil {
		t.Fatal(err)
	}
	want := []string{"transfer/ch-1/2005", "queue/ch-1", "hangup/ch-1", "dial/5550009/1001"}
	if got := h.sent(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if _, ok := h.d.Session("ch-1"); !ok {
		t.Error("telephony session removed before the server confirmed the hangup")
	}

	for name, err := range map[string]error{
		"transfer": h.d.Transfer(ctx, "ch-9", "2005"),
		"queue":    h.d.Queue(ctx, "ch-9"),
		"hangup":   h.d.Hangup(ctx, "ch-9"),
		"field":    h.d.UpdateField("ch-9", "conversation", "x"),
	} {
		if !errors.Is(err, dispatcher.ErrUnknownChannel) {
			t.Errorf("%s: expected ErrUnknownChannel, got %v", name, err)
		}
	}
}

func TestLocalFieldEditsCoalesce(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1")

	for _, v := range []string{"a", "ab", "abc", "abc/d", "abc/de"} {
		if err := h.d.UpdateField("ch-1", "conversation", v); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.d.PendingFields(); got["conversation"] != "ch-1/abc/de" {
		t.Errorf("unexpected pending %v", got)
	}
	if n := h.d.Flush(context.Background()); n != 1 {
		t.Fatalf("expected 1 flushed message, got %d", n)
	}
	if got := h.sent(); !slices.Equal(got, []string{"UPDATEFIELD/conversation/ch-1/abc%2Fde"}) {
		t.Errorf("unexpected outbound %v", got)
	}
	snap, _ := h.d.Session("ch-1")
	if snap.Fields["conversation"] != "abc/de" {
		t.Errorf("local value not stored: %q", snap.Fields["conversation"])
	}
}

func TestFlushLoop(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) {
		o.FlushPoll = 2 * time.Millisecond
		o.FlushWindow = 10 * time.Millisecond
	})
	h.feed("CALL/5550001/1001/ch-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	h.d.UpdateField("ch-1", "alert", "VIP")
	eventually(t, "flush", func() bool { return len(h.sent()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}

func TestPersonLookup(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/2002/1001/ch-1")
	eventually(t, "person resolved", func() bool {
		snap, _ := h.d.Session("ch-1")
		return snap.PersonID != nil && *snap.PersonID == 7
	})
}

func TestChangedWakesAnswerNotification(t *testing.T) {
	h := newHarness(t, func(o *dispatcher.Options) { o.AnswerRetryInterval = 10 * time.Second })
	h.feed("CALL/1001/5550009/ch-1", "CONNECTED/1001/5550009/ch-1")

	time.Sleep(20 * time.Millisecond)
	if h.answerCount() != 0 {
		t.Fatal("answer notified before the person was known")
	}
	h.feed("CHANGED/ch-1/42")
	eventually(t, "answer notification", func() bool { return h.answerCount() == 1 })

	h.mu.Lock()
	got := h.answers[0]
	h.mu.Unlock()
	if got.PersonID == nil || *got.PersonID != 42 {
		t.Errorf("expected person 42 in notification, got %v", got.PersonID)
	}
}

func TestAnswerNotifiesWithoutPerson(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/1001/5550009/ch-1", "CONNECTED/1001/5550009/ch-1")
	eventually(t, "answer notification", func() bool { return h.answerCount() == 1 })
}

func TestManualRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.feed("MANUAL/m-1/Walk-in")
	snap, _ := h.d.Session("m-1")
	if snap.Mode != session.AnsweredElsewhere || !snap.Manual || snap.ConnectedTo != "Walk-in" {
		t.Errorf("unexpected inbound manual session %+v", snap)
	}

	ch, err := h.d.CreateManual(ctx, "Visitor")
	if err != nil {
		t.Fatalf("create manual: %v", err)
	}
	if got := h.sent(); !slices.Equal(got, []string{"MANUAL/" + ch + "/Visitor"}) {
		t.Errorf("unexpected outbound %v", got)
	}
	if res := h.d.Handle("MANUAL/" + ch + "/Visitor"); res.Applied {
		t.Error("own manual record echoed into a second session")
	}

	if err := h.d.Hangup(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.d.Session(ch); ok {
		t.Error("manual record not removed on hangup")
	}
}

func TestHistoryRecords(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/1001/2002/ch-1", "CONNECTED/1001/2002/ch-1")
	h.d.UpdateField("ch-1", "conversation", "hello")
	h.d.Flush(context.Background())
	h.feed("HANGUP/ch-1")

	want := []history.Kind{history.KindTransition, history.KindTransition, history.KindField, history.KindRemoved}
	if got := h.hist.kinds(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	h.hist.mu.Lock()
	defer h.hist.mu.Unlock()
	if e := h.hist.entries[1]; e.From != "RINGING_ME" || e.To != "ANSWERED_ME" || e.ConnectedTo != "2002" {
		t.Errorf("unexpected transition entry %+v", e)
	}
}

func TestListenerMayCallBack(t *testing.T) {
	h := newHarness(t)
	var seen int
	h.d.OnTransition(func(dispatcher.Change) {
		seen = len(h.d.Sessions())
	})
	h.feed("CALL/1001/2002/ch-1")
	if seen != 1 {
		t.Errorf("listener saw %d sessions", seen)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.feed("CALL/5550001/1001/ch-1")
	eventually(t, "blink", func() bool { return h.blinkCount("ch-1") > 0 })

	h.d.Close()
	time.Sleep(10 * time.Millisecond)
	n := h.blinkCount("ch-1")
	time.Sleep(20 * time.Millisecond)
	if h.blinkCount("ch-1") != n {
		t.Error("blink continued after Close")
	}
}

func TestClosedDispatcherRefusesInput(t *testing.T) {
	h := newHarness(t)
	h.d.Close()

	res := h.d.Handle("CALL/5550001/1001/ch-1")
	if res.Applied || res.Reason != dispatcher.ReasonClosed {
		t.Errorf("expected CALL after Close to be ignored, got %+v", res)
	}
	if n := len(h.d.Sessions()); n != 0 {
		t.Fatalf("expected no sessions after Close, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if h.blinkCount("ch-1") != 0 {
		t.Error("blink started after Close")
	}

	ctx := context.Background()
	if _, err := h.d.CreateManual(ctx, "Walk-in"); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("manual: expected ErrClosed, got %v", err)
	}
	if err := h.d.Dial(ctx, "5550002"); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("dial: expected ErrClosed, got %v", err)
	}
	if err := h.d.AnswerNext(ctx); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("answer next: expected ErrClosed, got %v", err)
	}
	if err := h.d.Hangup(ctx, "ch-1"); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("hangup: expected ErrClosed, got %v", err)
	}
	if got := h.sent(); len(got) != 0 {
		t.Errorf("expected nothing published after Close, got %v", got)
	}
}
