package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

const recordsKey = "records"

// Store wraps the CRDT library behind a record-set shaped API. The
// document root holds a "records" map of record id to the record's JSON
// encoding; merge semantics are entirely the library's concern.
type Store struct {
	doc *automerge.Doc
}

func NewStore() *Store {
	return &Store{doc: automerge.New()}
}

// LoadStore rebuilds a store from a previously saved snapshot.
func LoadStore(raw []byte) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &Store{doc: doc}, nil
}

func (s *Store) SetRecord(id string, val json.RawMessage) error {
	if err := s.doc.Path(recordsKey, id).Set(string(val)); err != nil {
		return fmt.Errorf("set record %q: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteRecord(id string) error {
	m, err := s.recordsMap()
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if err := m.Delete(id); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

// Records returns a copy of the current record set.
func (s *Store) Records() (map[string]json.RawMessage, error) {
	records := make(map[string]json.RawMessage)

	m, err := s.recordsMap()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return records, nil
	}

	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("list record keys: %w", err)
	}

	for _, key := range keys {
		val, err := automerge.As[string](m.Get(key))
		if err != nil {
			return nil, fmt.Errorf("get record %q: %w", key, err)
		}
		records[key] = json.RawMessage(val)
	}

	return records, nil
}

func (s *Store) recordsMap() (*automerge.Map, error) {
	val, err := s.doc.Path(recordsKey).Get()
	if err != nil {
		return nil, fmt.Errorf("get records map: %w", err)
	}
	if val.Kind() != automerge.KindMap {
		return nil, nil
	}
	return val.Map(), nil
}

// Commit finalizes staged mutations as one change.
func (s *Store) Commit(message string) error {
	if _, err := s.doc.Commit(message, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Save serializes the full document, history included.
func (s *Store) Save() []byte {
	return s.doc.Save()
}

// NewSyncState creates the per-peer reconciliation state used to drive
// incremental replication with a single remote replica.
func (s *Store) NewSyncState() *automerge.SyncState {
	return automerge.NewSyncState(s.doc)
}

// ReceiveSyncMessage merges one sync message from a peer into the
// authoritative document.
func (s *Store) ReceiveSyncMessage(state *automerge.SyncState, data []byte) error {
	if _, err := state.ReceiveMessage(data); err != nil {
		return fmt.Errorf("receive sync message: %w", err)
	}
	return nil
}

// GenerateSyncMessage produces the next sync message for a peer. A nil
// message means the peer is up to date; the boolean reports whether
// more messages can be generated after this one.
func (s *Store) GenerateSyncMessage(state *automerge.SyncState) ([]byte, bool) {
	msg, valid := state.GenerateMessage()
	if msg == nil {
		return nil, false
	}
	return msg.Bytes(), valid
}
