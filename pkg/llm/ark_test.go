package llm

import (
	"testing"
)

func TestArk_ParamsHistoryTrim(t *testing.T) {
	a := &Ark{Model: "doubao-seed-1-6"}

	history := make([]Message, 25)
	for i := range history {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		history[i] = Message{Role: role, Content: "m"}
	}

	params := a.params(&Request{
		SystemPrompt: "sys",
		History:      history,
		UserTurn:     "hello",
	})

	// system + trimmed history (10) + current user turn
	if len(params.Messages) != 12 {
		t.Errorf("messages = %d, want 12", len(params.Messages))
	}
}

func TestArk_ParamsNoSystemPrompt(t *testing.T) {
	a := &Ark{Model: "doubao-seed-1-6", HistoryLimit: 4}

	params := a.params(&Request{
		History:  []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}},
		UserTurn: "c",
	})

	if len(params.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(params.Messages))
	}
}

func TestArk_ParamsDefaults(t *testing.T) {
	a := &Ark{Model: "doubao-seed-1-6"}
	params := a.params(&Request{UserTurn: "hi"})

	if v := params.Temperature.Or(0); v != 0.7 {
		t.Errorf("temperature = %v, want 0.7", v)
	}
	if v := params.TopP.Or(0); v != 0.9 {
		t.Errorf("top_p = %v, want 0.9", v)
	}
	if v := params.MaxTokens.Or(0); v != 2048 {
		t.Errorf("max_tokens = %v, want 2048", v)
	}
}
