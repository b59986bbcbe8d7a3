package types

// Identity is the verified user attached to a connection by the
// gatekeeper. It is produced once per connection attempt and is never
// sourced from client-controlled fields after that.
type Identity struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Sender is the subset of an identity embedded in chat messages.
type Sender struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type ChatMessage struct {
	Id   string `json:"id"`
	From Sender `json:"from"`
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// RoomInfo is a single occupancy entry owned by the presence aggregator.
type RoomInfo struct {
	Id          string `json:"id"`
	Connections int    `json:"connections"`
}
