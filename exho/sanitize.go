package exho

import (
	"regexp"
	"strings"
)

// retryWarning is appended to the user message on every attempt after
// the first
const retryWarning = "\n\n【嚴重警告：只回純文字對話，絕對不要輸出 SELF-CHECK 或任何檢查標記】"

// replyStopSequences end generation as soon as the model starts writing
// a self-check block
var replyStopSequences = []string{"[SELF-CHECK]", "SELF-CHECK", "compliance"}

// replyNoisePatterns are removed from model replies, in order
var replyNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```.*?```"),
	regexp.MustCompile(`(?s)\{.*"name".*\}`),
	regexp.MustCompile(`(?is)SELF-CHECK.*`),
	regexp.MustCompile(`(?i)\[.*compliance.*\]`),
	regexp.MustCompile(`(?i)language_compliance.*`),
	regexp.MustCompile(`(?i)"checks".*`),
}

// contaminationMarkers mark a reply which still carries tool or
// self-check output after cleaning
var contaminationMarkers = []string{"```", "SELF-CHECK", "compliance"}

// cleanReply strips code fences, JSON blobs and self-check sections
// from a model reply. It's applied until the text stops changing, so
// cleanReply(cleanReply(s)) == cleanReply(s).
func cleanReply(s string) string {
	for {
		cleaned := s
		for _, p := range replyNoisePatterns {
			cleaned = p.ReplaceAllString(cleaned, "")
		}
		cleaned = strings.TrimSpace(cleaned)
		if cleaned == s {
			return cleaned
		}
		s = cleaned
	}
}

// contaminated reports whether s still contains self-check or code output
func contaminated(s string) bool {
	for _, m := range contaminationMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

type turnPhase int

const (
	turnAttempting turnPhase = iota
	turnSucceeded
	turnExhausted
)

func (p turnPhase) String() string {
	switch p {
	case turnAttempting:
		return "attempting"
	case turnSucceeded:
		return "succeeded"
	case turnExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// turnState tracks the attempt loop for a single user turn
type turnState struct {
	Phase       turnPhase
	Attempt     int
	MaxAttempts int

	// Reply is the final text once Phase is turnSucceeded or turnExhausted
	Reply string

	// Err is the most recent transport error, if any
	Err error

	FallbackError string
	FallbackEmpty string
}

// modelResponse is the outcome of one model call
type modelResponse struct {
	Text string
	Err  error
}

func newTurnState(maxAttempts int, fallbackError, fallbackEmpty string) turnState {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return turnState{
		Phase:         turnAttempting,
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		FallbackError: fallbackError,
		FallbackEmpty: fallbackEmpty,
	}
}

// done reports whether no further model calls should be made
func (s turnState) done() bool {
	return s.Phase != turnAttempting
}

// stepTurn applies the result of the current attempt and returns the
// next state. States other than turnAttempting are returned unchanged.
func stepTurn(state turnState, resp modelResponse) turnState {
	if state.done() {
		return state
	}
	last := state.Attempt >= state.MaxAttempts

	if resp.Err != nil {
		state.Err = resp.Err
		if last {
			state.Phase = turnExhausted
			state.Reply = state.FallbackError
			return state
		}
		state.Attempt++
		return state
	}

	reply := cleanReply(resp.Text)
	if reply == "" || contaminated(reply) {
		if last {
			state.Phase = turnExhausted
			state.Reply = state.FallbackEmpty
			return state
		}
		state.Attempt++
		return state
	}

	state.Phase = turnSucceeded
	state.Reply = reply
	return state
}
