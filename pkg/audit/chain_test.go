package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/pkg/contracts"
)

func openTestChain(t *testing.T) *Chain {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	c, err := NewChain(db)
	require.NoError(t, err)
	return c
}

func appendN(t *testing.T, c *Chain, n int) []Entry {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := c.Append(ctx, EventDecision, "s1", "p1", map[string]any{"n": i, "why": "test"})
		require.NoError(t, err)
	}
	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, n)
	return entries
}

func TestChain_AppendLinksEntries(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 3)

	assert.Equal(t, "", entries[0].PrevHash, "first entry links to the empty string")
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	assert.Equal(t, entries[2].Hash, c.Head())
}

func TestVerify_CleanChain(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 10)

	res := Verify(entries)
	assert.True(t, res.OK)
	assert.Equal(t, -1, res.FirstBreak)

	assert.True(t, Verify(nil).OK, "an empty chain verifies clean")
}

func TestVerify_PayloadEditDetected(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 5)

	entries[2].Payload = json.RawMessage(`{"n":999,"why":"forged"}`)
	res := Verify(entries)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.FirstBreak)
}

func TestVerify_DeletionDetected(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 5)

	tampered := append(append([]Entry{}, entries[:2]...), entries[3:]...)
	res := Verify(tampered)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.FirstBreak)
}

func TestVerify_ReorderDetected(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 5)

	entries[1], entries[2] = entries[2], entries[1]
	res := Verify(entries)
	assert.False(t, res.OK)
	assert.LessOrEqual(t, res.FirstBreak, 2, "break reported at or before the tampered position")
}

func TestVerify_InsertionDetected(t *testing.T) {
	c := openTestChain(t)
	entries := appendN(t, c, 4)

	forged := Entry{
		ID:        "fake",
		EventType: EventDecision,
		SessionID: "s1",
		Payload:   json.RawMessage(`{"forged":true}`),
		PrevHash:  entries[1].Hash,
		Hash:      "0000",
	}
	tampered := append(append(append([]Entry{}, entries[:2]...), forged), entries[2:]...)
	res := Verify(tampered)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.FirstBreak)
}

func TestChain_HeadSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	c, err := NewChain(db)
	require.NoError(t, err)
	first, err := c.Append(context.Background(), EventKillSwitch, "s1", "", map[string]string{"state": "PAUSED"})
	require.NoError(t, err)

	reopened, err := NewChain(db)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, reopened.Head())

	second, err := reopened.Append(context.Background(), EventKillSwitch, "s1", "", map[string]string{"state": "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestChain_PayloadCanonicalized(t *testing.T) {
	c := openTestChain(t)
	// Key order in the input must not matter: the stored payload is canonical.
	e, err := c.Append(context.Background(), EventDecision, "s1", "p1",
		map[string]any{"zeta": 1, "alpha": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"alpha":2,"zeta":1}`, string(e.Payload))
	assert.Equal(t, `{"alpha":2,"zeta":1}`, string(e.Payload))
}

func TestTraceWriter_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	w, err := NewTraceWriter(path)
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.Write(TraceRecord{
			Timestamp: now,
			PromptID:  "p1",
			SessionID: "s1",
			Action:    contracts.ActionAutoReply,
			Source:    contracts.SourceAutopilot,
			Applied:   i == 0,
		}))
	}
	require.NoError(t, w.Close())

	// Reopening appends rather than truncating.
	w2, err := NewTraceWriter(path)
	require.NoError(t, err)
	require.NoError(t, w2.Write(TraceRecord{Timestamp: now, PromptID: "p2", SessionID: "s1"}))
	require.NoError(t, w2.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []TraceRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec TraceRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 3)
	assert.True(t, lines[0].Applied)
	assert.False(t, lines[1].Applied)
	assert.Equal(t, "p2", lines[2].PromptID)
}
