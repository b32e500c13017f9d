package msession

import (
	"errors"
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStoreAppendAndGet(t *testing.T) {
	store := NewStore(testLogger())

	if err := store.Append(Turn{ID: "t1", ConversationID: "c1", Role: RoleUser}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	turn, ok := store.Turn("t1")
	if !ok {
		t.Fatal("expected turn t1 to exist")
	}
	if turn.Status != StatusPending {
		t.Errorf("expected default status pending, got %q", turn.Status)
	}

	if err := store.Append(Turn{ID: "t1", ConversationID: "c1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate append, got %v", err)
	}
	if err := store.Append(Turn{ID: "", ConversationID: "c1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing id, got %v", err)
	}
}

func TestStorePatchUnknownTurn(t *testing.T) {
	store := NewStore(testLogger())
	if err := store.Patch("missing", func(t *Turn) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreStatusOnlyMovesForward(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		patchTo string
		want    string
	}{
		{"pending to processing", StatusPending, StatusProcessing, StatusProcessing},
		{"processing to completed", StatusProcessing, StatusCompleted, StatusCompleted},
		{"processing to failed", StatusProcessing, StatusFailed, StatusFailed},
		{"processing back to pending is dropped", StatusProcessing, StatusPending, StatusProcessing},
		{"completed back to processing is dropped", StatusCompleted, StatusProcessing, StatusCompleted},
		{"failed cannot become completed", StatusFailed, StatusCompleted, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(testLogger())
			if err := store.Append(Turn{ID: "t1", ConversationID: "c1", Status: tt.from}); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if err := store.Patch("t1", func(turn *Turn) { turn.Status = tt.patchTo }); err != nil {
				t.Fatalf("Patch failed: %v", err)
			}
			turn, _ := store.Turn("t1")
			if turn.Status != tt.want {
				t.Errorf("status: got %q, want %q", turn.Status, tt.want)
			}
		})
	}
}

func TestStoreTerminalPatchIsSticky(t *testing.T) {
	store := NewStore(testLogger())
	if err := store.Append(Turn{ID: "t1", ConversationID: "c1", Status: StatusCompleted, ProgressSnapshot: "trace"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A late patch that would change a settled turn is dropped entirely.
	if err := store.Patch("t1", func(turn *Turn) {
		turn.Status = StatusFailed
		turn.ProgressSnapshot = "overwritten trace!!"
	}); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	turn, _ := store.Turn("t1")
	if turn.Status != StatusCompleted {
		t.Errorf("terminal status not sticky: got %q", turn.Status)
	}
	if turn.ProgressSnapshot != "trace" {
		t.Errorf("terminal turn mutated: snapshot %q", turn.ProgressSnapshot)
	}
}

func TestStoreTerminalPatchIsIdempotent(t *testing.T) {
	store := NewStore(testLogger())
	if err := store.Append(Turn{ID: "t1", ConversationID: "c1", Status: StatusProcessing}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	applyTerminal := func() {
		if err := store.Patch("t1", func(turn *Turn) {
			turn.Status = StatusCompleted
			turn.ResultBlocks = []ResultBlock{NewTextBlock(0, "done")}
		}); err != nil {
			t.Fatalf("Patch failed: %v", err)
		}
	}

	applyTerminal()
	first, _ := store.Turn("t1")
	applyTerminal()
	second, _ := store.Turn("t1")

	if first.Status != second.Status || len(first.ResultBlocks) != len(second.ResultBlocks) {
		t.Errorf("terminal patch not idempotent: first %+v, second %+v", first, second)
	}
	if *second.ResultBlocks[0].TextContent != "done" {
		t.Errorf("unexpected block text %q", *second.ResultBlocks[0].TextContent)
	}
}

func TestStoreSnapshotNeverRegresses(t *testing.T) {
	store := NewStore(testLogger())
	if err := store.Append(Turn{ID: "t1", ConversationID: "c1", Status: StatusProcessing, ProgressSnapshot: "step1..step2.."}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A stale snapshot from a lagging replay must not shrink the trace.
	if err := store.Patch("t1", func(turn *Turn) { turn.ProgressSnapshot = "step1.." }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	turn, _ := store.Turn("t1")
	if turn.ProgressSnapshot != "step1..step2.." {
		t.Errorf("snapshot regressed to %q", turn.ProgressSnapshot)
	}

	// A longer snapshot still replaces.
	if err := store.Patch("t1", func(turn *Turn) { turn.ProgressSnapshot = "step1..step2..step3.." }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	turn, _ = store.Turn("t1")
	if turn.ProgressSnapshot != "step1..step2..step3.." {
		t.Errorf("snapshot did not grow: %q", turn.ProgressSnapshot)
	}
}

func TestStoreOrderingIsAppendOnly(t *testing.T) {
	store := NewStore(testLogger())
	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		if err := store.Append(Turn{ID: id, ConversationID: "c1"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Patching the middle turn must not move it.
	if err := store.Patch("t2", func(turn *Turn) { turn.Status = StatusProcessing }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	turns := store.Turns("c1")
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, id := range ids {
		if turns[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, turns[i].ID, id)
		}
	}
}

func TestStoreConversationsAreIsolated(t *testing.T) {
	store := NewStore(testLogger())
	if err := store.Append(Turn{ID: "a1", ConversationID: "convA"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(Turn{ID: "b1", ConversationID: "convB"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if got := len(store.Turns("convA")); got != 1 {
		t.Errorf("convA: expected 1 turn, got %d", got)
	}
	if got := len(store.Turns("convB")); got != 1 {
		t.Errorf("convB: expected 1 turn, got %d", got)
	}
}

func TestStoreTurnByWorkID(t *testing.T) {
	store := NewStore(testLogger())
	workID := "w42"
	if err := store.Append(Turn{ID: "t1", ConversationID: "c1", WorkID: &workID}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	turn, ok := store.TurnByWorkID("c1", "w42")
	if !ok || turn.ID != "t1" {
		t.Errorf("TurnByWorkID: got (%v, %v)", turn.ID, ok)
	}
	if _, ok := store.TurnByWorkID("c1", "other"); ok {
		t.Error("expected no match for unknown work id")
	}
}

func TestStoreWatchSignalsOnChange(t *testing.T) {
	store := NewStore(testLogger())
	ch, cancel := store.Watch("c1")
	defer cancel()

	if err := store.Append(Turn{ID: "t1", ConversationID: "c1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected a watch signal after append")
	}

	if err := store.Patch("t1", func(turn *Turn) { turn.Status = StatusProcessing }); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected a watch signal after patch")
	}

	// Readers get copies; mutating them must not leak back into the store.
	turns := store.Turns("c1")
	turns[0].Status = StatusFailed
	turn, _ := store.Turn("t1")
	if turn.Status != StatusProcessing {
		t.Errorf("reader copy leaked into store: %q", turn.Status)
	}
}
