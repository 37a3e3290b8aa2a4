package exho

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestCleanReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "  你好呀！  ", want: "你好呀！"},
		{name: "code fence", input: "看這個\n```go\nfmt.Println()\n```\n很簡單吧", want: "看這個\n\n很簡單吧"},
		{name: "json blob", input: `好的 {"name": "search", "args": {}}`, want: "好的"},
		{name: "self-check tail", input: "今天天氣很好\nSELF-CHECK: passed", want: "今天天氣很好"},
		{name: "lowercase self-check", input: "沒問題 self-check: ok", want: "沒問題"},
		{name: "compliance tag", input: "當然可以 [language compliance: yes]", want: "當然可以"},
		{name: "language_compliance line", input: "好啊\nlanguage_compliance: true", want: "好啊"},
		{name: "checks key", input: `嗨 "checks": [1, 2]`, want: "嗨"},
		{name: "only noise", input: "```json\n{}\n```", want: ""},
		{name: "empty", input: "", want: ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				got := cleanReply(tc.input)
				assert.Equal(t, tc.want, got)
				assert.Equal(t, got, cleanReply(got), "cleaning should be idempotent")
			},
		)
	}
}

func TestCleanReply_Idempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"a ```x``` ```y``` b",
		"```\n```\n```",
		"{\"name\": 1} {\"name\": 2}",
		"   text   [compliance] [compliance]  ",
		"line\n\"checks\": {}\nSELF-CHECK",
		"[SELF-CHECK]",
	}
	for _, s := range inputs {
		once := cleanReply(s)
		assert.Equal(t, once, cleanReply(once), s)
	}
}

func TestContaminated(t *testing.T) {
	t.Parallel()
	assert.False(t, contaminated("一般的回覆"))
	assert.True(t, contaminated("unterminated ```go"))
	assert.True(t, contaminated("this is in full compliance"))
	assert.True(t, contaminated("SELF-CHECK"))
}

func TestStepTurn(t *testing.T) {
	t.Parallel()

	const (
		fbErr   = "error fallback"
		fbEmpty = "empty fallback"
	)
	apiErr := errors.New("503 service unavailable")

	tests := []struct {
		name        string
		maxAttempts int
		responses   []modelResponse
		wantPhase   turnPhase
		wantReply   string
		wantCalls   int
	}{
		{
			name:        "first attempt succeeds",
			maxAttempts: 4,
			responses:   []modelResponse{{Text: "哈囉！"}},
			wantPhase:   turnSucceeded,
			wantReply:   "哈囉！",
			wantCalls:   1,
		},
		{
			name:        "cleaned reply succeeds",
			maxAttempts: 4,
			responses:   []modelResponse{{Text: "好喔 [compliance: ok]"}},
			wantPhase:   turnSucceeded,
			wantReply:   "好喔",
			wantCalls:   1,
		},
		{
			name:        "retry after error",
			maxAttempts: 4,
			responses:   []modelResponse{{Err: apiErr}, {Text: "終於好了"}},
			wantPhase:   turnSucceeded,
			wantReply:   "終於好了",
			wantCalls:   2,
		},
		{
			name:        "retry after contaminated reply",
			maxAttempts: 4,
			responses:   []modelResponse{{Text: "in compliance"}, {Text: ""}, {Text: "ok"}},
			wantPhase:   turnSucceeded,
			wantReply:   "ok",
			wantCalls:   3,
		},
		{
			name:        "errors exhaust attempts",
			maxAttempts: 4,
			responses:   []modelResponse{{Err: apiErr}},
			wantPhase:   turnExhausted,
			wantReply:   fbErr,
			wantCalls:   4,
		},
		{
			name:        "empty replies exhaust attempts",
			maxAttempts: 3,
			responses:   []modelResponse{{Text: "```x```"}},
			wantPhase:   turnExhausted,
			wantReply:   fbEmpty,
			wantCalls:   3,
		},
		{
			name:        "last failure decides the fallback",
			maxAttempts: 2,
			responses:   []modelResponse{{Err: apiErr}, {Text: " "}},
			wantPhase:   turnExhausted,
			wantReply:   fbEmpty,
			wantCalls:   2,
		},
		{
			name:        "zero attempts still calls once",
			maxAttempts: 0,
			responses:   []modelResponse{{Err: apiErr}},
			wantPhase:   turnExhausted,
			wantReply:   fbErr,
			wantCalls:   1,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				state := newTurnState(tc.maxAttempts, fbErr, fbEmpty)
				calls := 0
				for !state.done() {
					resp := tc.responses[min(calls, len(tc.responses)-1)]
					calls++
					require.Equal(t, calls, state.Attempt)
					state = stepTurn(state, resp)
				}
				assert.Equal(t, tc.wantPhase, state.Phase, state.Phase.String())
				assert.Equal(t, tc.wantReply, state.Reply)
				assert.Equal(t, tc.wantCalls, calls)
				assert.NotEmpty(t, state.Reply)
			},
		)
	}
}

func TestStepTurn_FinalStateUnchanged(t *testing.T) {
	t.Parallel()
	state := stepTurn(newTurnState(2, "e", "x"), modelResponse{Text: "done"})
	require.Equal(t, turnSucceeded, state.Phase)
	assert.Equal(t, state, stepTurn(state, modelResponse{Err: errors.New("late")}))
}

func TestTurnPhase_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "attempting", turnAttempting.String())
	assert.Equal(t, "succeeded", turnSucceeded.String())
	assert.Equal(t, "exhausted", turnExhausted.String())
	assert.Equal(t, "unknown", turnPhase(99).String())
}
