package strategy

// State is the mutable scratch space of one (strategy, instrument)
// subscription. The engine creates one per subscription and passes it to
// every OnBar call; it is never shared between instruments.
type State struct {
	floats  map[string]float64
	strings map[string]string
	bars    int
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		floats:  make(map[string]float64),
		strings: make(map[string]string),
	}
}

// Float returns the value stored under key and whether it was set.
func (s *State) Float(key string) (float64, bool) {
	v, ok := s.floats[key]
	return v, ok
}

// SetFloat stores v under key.
func (s *State) SetFloat(key string, v float64) { s.floats[key] = v }

// Int returns the value stored under key as an int.
func (s *State) Int(key string) (int, bool) {
	v, ok := s.floats[key]
	return int(v), ok
}

// SetInt stores v under key.
func (s *State) SetInt(key string, v int) { s.floats[key] = float64(v) }

// Bool returns the flag stored under key; unset flags are false.
func (s *State) Bool(key string) bool { return s.floats[key] != 0 }

// SetBool stores a flag under key.
func (s *State) SetBool(key string, v bool) {
	if v {
		s.floats[key] = 1
		return
	}
	s.floats[key] = 0
}

// String returns the string stored under key, "" when unset.
func (s *State) String(key string) string { return s.strings[key] }

// SetString stores v under key.
func (s *State) SetString(key, v string) { s.strings[key] = v }

// Bars returns how many bars the engine has evaluated with this State.
func (s *State) Bars() int { return s.bars }

// Tick is called by the engine once per evaluated bar.
func (s *State) Tick() { s.bars++ }

// Reset clears all stored values.
func (s *State) Reset() {
	clear(s.floats)
	clear(s.strings)
	s.bars = 0
}

// Snapshot returns a copy of the stored values for logging and audit.
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.floats)+len(s.strings)+1)
	for k, v := range s.floats {
		out[k] = v
	}
	for k, v := range s.strings {
		out[k] = v
	}
	out["bars"] = s.bars
	return out
}
