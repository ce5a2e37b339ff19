package agent

type State int

const (
	StateObserving State = iota
	StateReasoning
	StateActing
	StateDetecting
	StateReporting
	StateStalled
	StateFinished
)

var stateNames = map[State]string{
	StateObserving: "observing",
	StateReasoning: "reasoning",
	StateActing:    "acting",
	StateDetecting: "detecting",
	StateReporting: "reporting",
	StateStalled:   "stalled",
	StateFinished:  "finished",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var transitions = map[State][]State{
	StateObserving: {StateReasoning, StateStalled, StateFinished},
	StateReasoning: {StateActing, StateStalled},
	StateActing:    {StateDetecting, StateReporting, StateStalled},
	StateDetecting: {StateReporting, StateObserving},
	StateReporting: {StateObserving, StateStalled},
	StateStalled:   {StateObserving, StateFinished},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
