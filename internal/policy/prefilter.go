package policy

// Need is the answer of a keyword prefilter.
type Need int

const (
	NeedUnsure Need = iota
	NeedYes
	NeedNo
)

// MemoryPrefilter decides cheaply whether a message needs personal memory.
type MemoryPrefilter struct {
	Memory []string
	Skip   []string
}

func (p MemoryPrefilter) Decide(text string) Need {
	norm := normalize(text)
	if norm == "" {
		return NeedNo
	}
	if containsAny(norm, p.Memory) {
		return NeedYes
	}
	for _, s := range p.Skip {
		if norm == normalize(s) {
			return NeedNo
		}
	}
	if len(words(norm)) <= 2 {
		return NeedNo
	}
	return NeedUnsure
}

// StatusDisplay decides whether a turn is heavy enough to show progress
// fillers while context is gathered.
type StatusDisplay struct {
	Phrases  []string
	MinWords int
}

func (s StatusDisplay) Show(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	if containsAny(norm, s.Phrases) {
		return true
	}
	return s.MinWords > 0 && len(words(norm)) >= s.MinWords
}
