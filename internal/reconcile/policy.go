package reconcile

// Policy decides what happens to newly discovered episodes.
type Policy string

const (
	// PolicyAlways downloads every new episode without asking.
	PolicyAlways Policy = "always"
	// PolicyAskSelected prompts with every episode preselected.
	PolicyAskSelected Policy = "ask-selected"
	// PolicyAskUnselected prompts with no episode preselected.
	PolicyAskUnselected Policy = "ask-unselected"
	// PolicyNever leaves new episodes alone.
	PolicyNever Policy = "never"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyAlways, PolicyAskSelected, PolicyAskUnselected, PolicyNever:
		return true
	}
	return false
}

// Download reports whether a new episode should be downloaded automatically.
func (p Policy) Download() bool { return p == PolicyAlways }

// Prompt reports whether the user should be asked, and if so whether the
// episodes start out selected.
func (p Policy) Prompt() (ask, preselected bool) {
	switch p {
	case PolicyAskSelected:
		return true, true
	case PolicyAskUnselected:
		return true, false
	}
	return false, false
}
