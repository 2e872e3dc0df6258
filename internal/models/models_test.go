package models

import (
	"encoding/json"
	"testing"
)

func TestParticipantAcceptsBothShapes(t *testing.T) {
	var conv WireConversation
	raw := `{
		"_id": "c1",
		"participants": ["u1", {"_id": "u2", "firstName": "Ana", "lastName": "Lee", "avatar": "https://cdn/a.png"}]
	}`
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}

	if len(conv.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(conv.Participants))
	}
	bare := conv.Participants[0]
	if bare.ID != "u1" || bare.Populated {
		t.Errorf("bare participant = %+v, want id-only u1", bare)
	}
	full := conv.Participants[1]
	if !full.Populated || full.ID != "u2" || full.FirstName != "Ana" || full.Avatar != "https://cdn/a.png" {
		t.Errorf("populated participant = %+v", full)
	}
}

func TestParticipantMarshalKeepsShape(t *testing.T) {
	data, err := json.Marshal([]Participant{{ID: "u1"}, {ID: "u2", FirstName: "Ana", Populated: true}})
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	want := `["u1",{"_id":"u2","firstName":"Ana"}]`
	if string(data) != want {
		t.Fatalf("Marshal = %s, want %s", data, want)
	}
}

func TestMessageRef(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantID      string
		wantMessage bool
	}{
		{name: "bare id", raw: `{"_id":"c1","lastMessage":"m9"}`, wantID: "m9"},
		{name: "object", raw: `{"_id":"c1","lastMessage":{"_id":"m9","sender":"u2","content":"hey"}}`, wantID: "m9", wantMessage: true},
		{name: "null", raw: `{"_id":"c1","lastMessage":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conv WireConversation
			if err := json.Unmarshal([]byte(tt.raw), &conv); err != nil {
				t.Fatalf("Unmarshal returned error: %v", err)
			}
			if tt.wantID == "" {
				if conv.LastMessage != nil && conv.LastMessage.ID != "" {
					t.Fatalf("expected empty lastMessage, got %+v", conv.LastMessage)
				}
				return
			}
			if conv.LastMessage == nil || conv.LastMessage.ID != tt.wantID {
				t.Fatalf("lastMessage = %+v, want id %s", conv.LastMessage, tt.wantID)
			}
			if (conv.LastMessage.Message != nil) != tt.wantMessage {
				t.Fatalf("lastMessage populated = %v, want %v", conv.LastMessage.Message != nil, tt.wantMessage)
			}
		})
	}
}

func TestConversationApplyIsShallow(t *testing.T) {
	conv := Conversation{ID: "c1", Name: "Ana Lee", UnreadCount: 3, LastMessage: "old"}
	conv.Apply(ConversationPatch{LastMessage: Ptr("new"), UnreadCount: Ptr(0)})

	if conv.Name != "Ana Lee" {
		t.Errorf("Name changed to %q", conv.Name)
	}
	if conv.LastMessage != "new" || conv.UnreadCount != 0 {
		t.Errorf("patch not applied: %+v", conv)
	}
}

func TestConversationCloneDetachesParticipants(t *testing.T) {
	conv := Conversation{ID: "c1", Participants: []Participant{{ID: "u1"}}}
	clone := conv.Clone()
	clone.Participants[0].ID = "changed"

	if conv.Participants[0].ID != "u1" {
		t.Fatal("Clone shares the participants slice")
	}
}
