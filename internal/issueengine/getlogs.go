package issueengine

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/storage"
)

// GetLogsQuery parameterizes GetLogs (spec.md §4.9).
type GetLogsQuery struct {
	Cursor *storage.Cursor
	Before *storage.Cursor
	Limit  int
}

// GetLogs merges persisted logs with the live ring-buffer tail. A `before`
// query returns the historical page directly. It never mixes with the
// live tail (spec.md §4.9 step 3).
func (e *Engine) GetLogs(ctx context.Context, issueID string, devMode bool, q GetLogsQuery) ([]models.NormalizedEntry, error) {
	st := e.loadOrCreate(ctx, issueID)
	st.mu.Lock()
	st.devMode = devMode
	st.mu.Unlock()

	dbEntries, err := e.store.GetLogsFromDb(ctx, issueID, devMode, storage.GetLogsOpts{
		Cursor: q.Cursor, Before: q.Before, Limit: q.Limit,
	})
	if err != nil {
		return nil, err
	}
	if q.Before != nil {
		return dbEntries, nil
	}

	// Lower bound for the live tail: in cursor (forward) mode, anything at
	// or before the cursor itself; otherwise anything at or before the
	// newest row the DB already returned. With no cursor and no DB rows
	// there is no bound.
	var lowerBound string
	switch {
	case q.Cursor != nil:
		lowerBound = q.Cursor.String()
	case len(dbEntries) > 0:
		lowerBound = dbEntries[len(dbEntries)-1].MessageID
	}

	seenID := make(map[string]bool, len(dbEntries))
	seenFallback := make(map[string]bool, len(dbEntries))
	for _, entry := range dbEntries {
		if entry.MessageID != "" {
			seenID[entry.MessageID] = true
		} else {
			seenFallback[fallbackKey(entry)] = true
		}
	}

	merged := append([]models.NormalizedEntry(nil), dbEntries...)
	for _, live := range st.ring.ToArray() {
		if live.MessageID != "" {
			if seenID[live.MessageID] {
				continue
			}
			if lowerBound != "" && live.MessageID <= lowerBound {
				continue
			}
			seenID[live.MessageID] = true
		} else {
			key := fallbackKey(live)
			if seenFallback[key] {
				continue
			}
			seenFallback[key] = true
		}
		merged = append(merged, live)
	}

	sortMergedEntries(merged)
	return merged, nil
}

// fallbackKey dedupes entries a persistence failure left with no
// messageId, per spec.md §4.9's fallback tuple.
func fallbackKey(e models.NormalizedEntry) string {
	ts := ""
	if e.Timestamp != nil {
		ts = e.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00")
	}
	return strings.Join([]string{strconv.Itoa(e.TurnIndex), ts, string(e.EntryType), e.Content}, "\x00")
}

// sortMergedEntries orders by messageId ascending; entries with no
// messageId sort to the end, preserving their relative insertion order.
func sortMergedEntries(entries []models.NormalizedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].MessageID, entries[j].MessageID
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a < b
	})
}
