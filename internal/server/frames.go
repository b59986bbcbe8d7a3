package server

import (
	"encoding/json"
	"fmt"

	"github.com/collabfab/roomserver/internal/types"
)

// Inbound intent types. Anything else on the wire is rejected at the
// boundary.
const (
	intentNew       = "new"
	intentEdit      = "edit"
	frameHello      = "hello"
	frameAwareness  = "awareness"
	frameSync       = "sync"
	frameInit       = "init"
	frameReload     = "reload"
	frameGone       = "awareness_gone"
	frameRoster     = "participants"
	systemSenderId  = "system"
	systemSenderTag = "system"
)

// chatIntent is a client's "new" or "edit" request. The author identity
// is never taken from the frame itself.
type chatIntent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Id   string `json:"id,omitempty"`
}

func parseChatIntent(raw []byte) (*chatIntent, error) {
	var intent chatIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}

	switch intent.Type {
	case intentNew:
	case intentEdit:
		if intent.Id == "" {
			return nil, fmt.Errorf("edit intent without id")
		}
	default:
		return nil, fmt.Errorf("unknown intent type %q", intent.Type)
	}

	return &intent, nil
}

// docFrame is an inbound control frame on a CRDT room's text channel:
// a sync handshake or an awareness update.
type docFrame struct {
	Type string `json:"type"`

	// hello fields
	Schema  int                        `json:"schema,omitempty"`
	Records map[string]json.RawMessage `json:"records,omitempty"`

	// awareness payload, opaque to the server
	Data json.RawMessage `json:"data,omitempty"`
}

func parseDocFrame(raw []byte) (*docFrame, error) {
	var frame docFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch frame.Type {
	case frameHello, frameAwareness:
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}

	return &frame, nil
}

// Outbound frames. Serialized once, fanned out as raw bytes.

type broadcastFrame struct {
	Type string `json:"type"`
	types.ChatMessage
}

type chatSyncFrame struct {
	Type     string              `json:"type"`
	Messages []types.ChatMessage `json:"messages"`
}

type rosterFrame struct {
	Type         string           `json:"type"`
	Participants []types.Identity `json:"participants"`
}

type initFrame struct {
	Type    string                     `json:"type"`
	Schema  int                        `json:"schema"`
	Records map[string]json.RawMessage `json:"records"`
}

type awarenessRelayFrame struct {
	Type   string          `json:"type"`
	ConnId string          `json:"connId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("marshal outbound frame: " + err.Error())
	}
	return raw
}

func newMessageFrame(msg types.ChatMessage) []byte {
	return mustMarshal(broadcastFrame{Type: intentNew, ChatMessage: msg})
}

func editMessageFrame(msg types.ChatMessage) []byte {
	return mustMarshal(broadcastFrame{Type: intentEdit, ChatMessage: msg})
}

func syncFrame(messages []types.ChatMessage) []byte {
	if messages == nil {
		messages = []types.ChatMessage{}
	}
	return mustMarshal(chatSyncFrame{Type: frameSync, Messages: messages})
}

func participantsFrame(participants []types.Identity) []byte {
	if participants == nil {
		participants = []types.Identity{}
	}
	return mustMarshal(rosterFrame{Type: frameRoster, Participants: participants})
}

// systemNoticeFrame is shaped like a regular "new" frame from the
// system sender, delivered privately and never persisted.
func systemNoticeFrame(text string, at int64) []byte {
	return newMessageFrame(types.ChatMessage{
		Id:   systemSenderId,
		From: types.Sender{Id: systemSenderId, Name: systemSenderTag},
		Text: text,
		At:   at,
	})
}

func documentInitFrame(schema int, records map[string]json.RawMessage) []byte {
	if records == nil {
		records = map[string]json.RawMessage{}
	}
	return mustMarshal(initFrame{Type: frameInit, Schema: schema, Records: records})
}

func reloadFrame() []byte {
	return mustMarshal(struct {
		Type string `json:"type"`
	}{Type: frameReload})
}

func awarenessFrame(connId string, data json.RawMessage) []byte {
	return mustMarshal(awarenessRelayFrame{Type: frameAwareness, ConnId: connId, Data: data})
}

func awarenessGoneFrame(connId string) []byte {
	return mustMarshal(awarenessRelayFrame{Type: frameGone, ConnId: connId})
}
