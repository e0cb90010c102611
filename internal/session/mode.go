package session

// Mode is the reconciled state of a call session.
type Mode int

const (
	Ringing Mode = iota
	RingingMe
	Answered
	AnsweredMe
	AnsweredElsewhere
	Queued
	QueuedMe
	OnAir
	OnAirMe
	Clicked
)

// none is the mode a session is entered from at creation.
const none Mode = -1

var modeNames = []string{
	"RINGING", "RINGING_ME", "ANSWERED", "ANSWERED_ME", "ANSWERED_ELSEWHERE",
	"QUEUED", "QUEUED_ME", "ON_AIR", "ON_AIR_ME", "CLICKED",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "UNKNOWN"
}

// Valid reports whether m is one of the enumerated modes.
func (m Mode) Valid() bool {
	return m >= Ringing && m <= Clicked
}

func (m Mode) IsRinging() bool { return m == Ringing || m == RingingMe }

// IsAnswered reports whether the local user is bridged on a session in
// this mode.
func (m Mode) IsAnswered() bool { return m == Answered || m == AnsweredMe }

func (m Mode) IsQueued() bool { return m == Queued || m == QueuedMe }

func (m Mode) IsOnAir() bool { return m == OnAir || m == OnAirMe }

// Modes lists every mode in declaration order.
func Modes() []Mode {
	out := make([]Mode, 0, len(modeNames))
	for m := Ringing; m <= Clicked; m++ {
		out = append(out, m)
	}
	return out
}
