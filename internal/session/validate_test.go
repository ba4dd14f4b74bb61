package session

import "testing"

func TestValidateConversationID(t *testing.T) {
	valid := []string{"conv-1", "a", "Conversation_42", "0123456789"}
	for _, id := range valid {
		if err := ValidateConversationID(id); err != nil {
			t.Errorf("ValidateConversationID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "conv/1", "conv 1", "../../etc", "a@b", string(make([]byte, 65))}
	for _, id := range invalid {
		if err := ValidateConversationID(id); err == nil {
			t.Errorf("ValidateConversationID(%q) = nil, want error", id)
		}
	}
}
