package coordinator

import (
	"context"
	"fmt"
	"testing"
)

// newScenarioCoordinator builds a coordinator with the default
// capacities (recent 5, buffer threshold 10) the end-to-end scenarios
// below assume.
func newScenarioCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return newTestCoordinator(t, 5, 10)
}

// FIFO eviction: Add 6 entries; recent holds the last 5,
// buffer holds the first, and the sixth add reports the eviction.
func TestScenarioFIFOEviction(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()

	var results []AddResult
	for i := 1; i <= 6; i++ {
		result, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil)
		if err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
		results = append(results, result)
	}

	recent := c.GetRecent("c")
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent entries, got %d", len(recent))
	}
	for i, want := range []string{"e2", "e3", "e4", "e5", "e6"} {
		if recent[i].Content != want {
			t.Fatalf("recent[%d] = %q, want %q", i, recent[i].Content, want)
		}
	}

	buffered, err := c.bufferTier.Contents("c")
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(buffered) != 1 || buffered[0].Content != "e1" {
		t.Fatalf("expected buffer to hold only e1, got %+v", buffered)
	}

	last := results[5]
	if !last.EvictedToBuffer || last.BufferAutoEmbedded {
		t.Fatalf("6th add expected evicted_to_buffer=true, buffer_auto_embedded=false, got %+v", last)
	}
}

// Auto-embed: Add 15 entries; recent holds the last 5, the
// buffer is empty, and the vector collection holds exactly e1..e10.
func TestScenarioAutoEmbed(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()

	var results []AddResult
	for i := 1; i <= 15; i++ {
		result, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil)
		if err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
		results = append(results, result)
	}

	recent := c.GetRecent("c")
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent entries, got %d", len(recent))
	}
	for i, want := range []string{"e11", "e12", "e13", "e14", "e15"} {
		if recent[i].Content != want {
			t.Fatalf("recent[%d] = %q, want %q", i, recent[i].Content, want)
		}
	}

	buffered, err := c.bufferTier.Contents("c")
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(buffered) != 0 {
		t.Fatalf("expected empty buffer after auto-embed, got %+v", buffered)
	}

	longterm, err := c.vectorIndex.GetAll(ctx, "c")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(longterm) != 10 {
		t.Fatalf("expected 10 longterm entries, got %d", len(longterm))
	}
	seen := make(map[string]bool, 10)
	for _, e := range longterm {
		seen[e.Content] = true
	}
	for i := 1; i <= 10; i++ {
		if !seen[fmt.Sprintf("e%d", i)] {
			t.Fatalf("expected e%d in the vector collection, got %+v", i, longterm)
		}
	}

	if !results[14].BufferAutoEmbedded {
		t.Fatalf("expected 15th add to report buffer_auto_embedded=true, got %+v", results[14])
	}
}

// Search finds an embedded item by its own content.
func TestScenarioSearchFindsEmbeddedItem(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()
	var e3ID string
	for i := 1; i <= 15; i++ {
		result, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil)
		if err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
		if i == 3 {
			e3ID = result.ID
		}
	}

	results, err := c.Search(ctx, "c", "e3", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Entry.ID != e3ID {
		t.Fatalf("expected e3 (%s) first, got %+v", e3ID, results)
	}
	if results[0].Score <= 0.5 {
		t.Fatalf("expected score > 0.5 for an exact content match, got %v", results[0].Score)
	}
}

// Clearing is total and leaves no trace behind.
func TestScenarioClearIsTotal(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()
	for i := 1; i <= 15; i++ {
		if _, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil); err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
	}

	result, err := c.Clear(ctx, "c")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if result.RecentDeleted != 5 || result.BufferDeleted != 0 || result.LongtermDeleted != 10 {
		t.Fatalf("expected {5,0,10}, got %+v", result)
	}

	if recent := c.GetRecent("c"); len(recent) != 0 {
		t.Fatalf("expected empty recent after clear, got %+v", recent)
	}
	searchResults, err := c.Search(ctx, "c", "e3", 3)
	if err != nil {
		t.Fatalf("Search after clear: %v", err)
	}
	if len(searchResults) != 0 {
		t.Fatalf("expected no search results after clear, got %+v", searchResults)
	}
	summaries, err := c.ListCharacters(ctx)
	if err != nil {
		t.Fatalf("ListCharacters: %v", err)
	}
	for _, s := range summaries {
		if s.Character == "c" {
			t.Fatalf("expected \"c\" omitted from list_characters after clear, got %+v", summaries)
		}
	}
}

// An update on a longterm entry crosses tiers and the
// revised content is what search matches afterward.
func TestScenarioUpdateCrossesTiers(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()
	var e1ID string
	for i := 1; i <= 15; i++ {
		result, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil)
		if err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
		if i == 1 {
			e1ID = result.ID
		}
	}

	loc, err := c.Update(ctx, "c", e1ID, "rewritten", nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if loc != LocationLongterm {
		t.Fatalf("expected location=longterm, got %v", loc)
	}

	results, err := c.Search(ctx, "c", "rewritten", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Entry.ID != e1ID {
		t.Fatalf("expected e1 (%s) to match \"rewritten\", got %+v", e1ID, results)
	}
}

// Idempotence property: two consecutive ForceEmbed calls with no
// intervening adds return 0 on the second call. Eight adds against a
// recent capacity of 5 leave the first three entries staged in the buffer.
func TestIdempotentForceEmbed(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		if _, err := c.Add(ctx, "c", fmt.Sprintf("e%d", i), nil); err != nil {
			t.Fatalf("Add e%d: %v", i, err)
		}
	}
	first, err := c.ForceEmbed(ctx, "c")
	if err != nil {
		t.Fatalf("ForceEmbed: %v", err)
	}
	if first != 3 {
		t.Fatalf("expected first ForceEmbed to embed 3, got %d", first)
	}
	second, err := c.ForceEmbed(ctx, "c")
	if err != nil {
		t.Fatalf("ForceEmbed (second): %v", err)
	}
	if second != 0 {
		t.Fatalf("expected second ForceEmbed to embed 0, got %d", second)
	}
}

// Export then clear then import reproduces the set of contents per
// character; ids are regenerated and supplied timestamps are kept.
func TestExportClearImportRoundTrip(t *testing.T) {
	c := newScenarioCoordinator(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		if _, err := c.Add(ctx, "gail", fmt.Sprintf("memory %d", i), map[string]any{"n": i}); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	exported, err := c.Export(ctx, "gail")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 7 {
		t.Fatalf("expected 7 exported entries, got %d", len(exported))
	}
	if _, err := c.Clear(ctx, "gail"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	requests := make([]ImportRequest, len(exported))
	for i, ex := range exported {
		requests[i] = ImportRequest{
			Character: "gail",
			Content:   ex.Entry.Content,
			Metadata:  ex.Entry.Metadata,
			Timestamp: ex.Entry.Timestamp,
		}
	}
	imported, failed := c.Import(ctx, requests)
	if imported != 7 || len(failed) != 0 {
		t.Fatalf("expected 7 imported with no failures, got %d imported, %+v", imported, failed)
	}

	after, err := c.Export(ctx, "gail")
	if err != nil {
		t.Fatalf("Export after import: %v", err)
	}
	wantContents := make(map[string]bool, len(exported))
	for _, ex := range exported {
		wantContents[ex.Entry.Content] = true
	}
	for _, ex := range after {
		if !wantContents[ex.Entry.Content] {
			t.Fatalf("unexpected content %q after round trip", ex.Entry.Content)
		}
		if ex.Entry.ID == exported[0].Entry.ID {
			t.Fatalf("expected ids regenerated on import, got original id %s", ex.Entry.ID)
		}
	}
	if len(after) != len(exported) {
		t.Fatalf("expected %d entries after round trip, got %d", len(exported), len(after))
	}

	// The most recent import is still in the recent tier; its supplied
	// timestamp must have overridden the generated one.
	recentEntries := c.GetRecent("gail")
	if len(recentEntries) == 0 {
		t.Fatal("expected recent entries after import")
	}
	lastSupplied := requests[len(requests)-1].Timestamp
	lastRecent := recentEntries[len(recentEntries)-1]
	if !lastRecent.Timestamp.Equal(lastSupplied) {
		t.Fatalf("expected supplied timestamp %v preserved, got %v", lastSupplied, lastRecent.Timestamp)
	}
}
