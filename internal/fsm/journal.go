package fsm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skeinworks/skein/internal/repo"
	"github.com/skeinworks/skein/internal/txn"
	"github.com/skeinworks/skein/internal/types"
)

// TransitionRecord is one journal entry. The journal is append-only; the
// last committed entry for an entity is authoritative during crash recovery.
type TransitionRecord struct {
	EntityID  string    `json:"entity_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// stageJournalAppend stages the journal file with the new record appended.
// The rewrite goes through the transaction so the entity record and its log
// entry become visible together.
func stageJournalAppend(tx *txn.Txn, store *repo.Store, rec *TransitionRecord) error {
	path := store.JournalPath(rec.EntityID)
	existing, err := os.ReadFile(path) // #nosec G304 - path derived from the data root
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading journal for %s: %w", rec.EntityID, err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')

	return tx.Stage(path, buf.Bytes())
}

// ReadJournal returns every transition record for an entity, oldest first.
func ReadJournal(store *repo.Store, entityID string) ([]*TransitionRecord, error) {
	path := store.JournalPath(entityID)
	f, err := os.Open(path) // #nosec G304 - path derived from the data root
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal for %s: %w", entityID, err)
	}
	defer f.Close()

	var records []*TransitionRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec TransitionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("journal for %s: %w", entityID, types.ErrCorruptedEntity)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal for %s: %w", entityID, err)
	}
	return records, nil
}

// LastEntry returns the most recent committed transition for an entity, or
// nil when the entity has never transitioned.
func LastEntry(store *repo.Store, entityID string) (*TransitionRecord, error) {
	records, err := ReadJournal(store, entityID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

// Events converts an entity's journal into audit events for the API surface.
func Events(store *repo.Store, entityID string) ([]*types.Event, error) {
	records, err := ReadJournal(store, entityID)
	if err != nil {
		return nil, err
	}
	events := make([]*types.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, &types.Event{
			EntityID:  rec.EntityID,
			EventType: types.EventStateChanged,
			Actor:     rec.Actor,
			OldValue:  rec.From,
			NewValue:  rec.To,
			Comment:   rec.Event,
			CreatedAt: rec.At,
		})
	}
	return events, nil
}
