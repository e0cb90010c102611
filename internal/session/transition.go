package session

// Event is something that happened to a session, either reported by the
// telephony server or initiated locally.
type Event int

const (
	EvRing Event = iota
	EvRingMe
	EvAnswer
	EvAnswerMe
	EvAnswerElsewhere
	EvQueue
	EvQueueMe
	EvOnAir
	EvOnAirMe
	EvClick
	EvFail
	EvGraceExpired
	EvReset
)

var eventNames = []string{
	"ring", "ring_me", "answer", "answer_me", "answer_elsewhere",
	"queue", "queue_me", "on_air", "on_air_me", "click", "fail", "grace_expired", "reset",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// rollback is a table target meaning "return to the pre-interaction mode".
const rollback Mode = -2

type key struct {
	from Mode
	ev   Event
}

// concrete events assign a fixed mode from any state, including CLICKED
// where they act as server corroboration.
var concrete = map[Event]Mode{
	EvRing:            Ringing,
	EvRingMe:          RingingMe,
	EvAnswer:          Answered,
	EvAnswerMe:        AnsweredMe,
	EvAnswerElsewhere: AnsweredElsewhere,
	EvQueue:           Queued,
	EvQueueMe:         QueuedMe,
	EvOnAir:           OnAir,
	EvOnAirMe:         OnAirMe,
}

var table = buildTable()

func buildTable() map[key]Mode {
	t := make(map[key]Mode)
	for _, m := range Modes() {
		for ev, to := range concrete {
			t[key{m, ev}] = to
		}
		if m != Clicked {
			t[key{m, EvClick}] = Clicked
		}
	}
	// Reset only undoes an unconfirmed click; a server-confirmed mode stays.
	t[key{Clicked, EvReset}] = rollback
	t[key{Clicked, EvFail}] = rollback
	t[key{Clicked, EvGraceExpired}] = rollback
	return t
}

// Next returns the mode reached by applying ev in mode from. before is the
// rollback target. ok is false when the table has no entry.
func Next(from, before Mode, ev Event) (to Mode, ok bool) {
	to, ok = table[key{from, ev}]
	if !ok {
		return from, false
	}
	if to == rollback {
		return before, true
	}
	return to, true
}

// Action is a named side effect of a transition.
type Action int

const (
	StartBlink Action = iota
	StopBlink
	RegisterRinging
	UnregisterRinging
	NotifyAnswer
	ArmGrace
	DisarmGrace
)

var actionNames = []string{
	"start_blink", "stop_blink", "register_ringing", "unregister_ringing",
	"notify_answer", "arm_grace", "disarm_grace",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Actions returns the side effects of moving from one mode to another.
// before is the pre-interaction snapshot; a rollback into an answered mode
// that was already answered before the click does not notify again.
func Actions(from, to, before Mode) []Action {
	var acts []Action
	if from == Clicked && to != Clicked {
		acts = append(acts, DisarmGrace)
	}
	if from.IsRinging() && !to.IsRinging() {
		acts = append(acts, StopBlink, UnregisterRinging)
	}
	if to.IsRinging() && !from.IsRinging() {
		acts = append(acts, StartBlink, RegisterRinging)
	}
	if to == Clicked && from != Clicked {
		acts = append(acts, ArmGrace)
	}
	if to.IsAnswered() && !from.IsAnswered() && !(from == Clicked && before.IsAnswered()) {
		acts = append(acts, NotifyAnswer)
	}
	return acts
}

// EntryActions returns the side effects of creating a session in mode m.
func EntryActions(m Mode) []Action {
	return Actions(none, m, none)
}

// ExitActions returns the side effects of destroying a session in mode m.
func ExitActions(m Mode) []Action {
	var acts []Action
	if m == Clicked {
		acts = append(acts, DisarmGrace)
	}
	if m.IsRinging() {
		acts = append(acts, StopBlink, UnregisterRinging)
	}
	return acts
}

// Target returns the fixed mode a concrete event assigns.
func Target(ev Event) (Mode, bool) {
	m, ok := concrete[ev]
	return m, ok
}
