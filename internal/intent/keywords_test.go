package intent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cartbot/internal/types"
)

func TestDefaultTableIsValid(t *testing.T) {
	if err := DefaultKeywordTable().Validate(); err != nil {
		t.Fatalf("built-in table invalid: %v", err)
	}
}

func TestValidateRejectsUnknownIntent(t *testing.T) {
	table := &KeywordTable{
		Languages: map[string][]KeywordRule{
			"en": {{Intent: "become_sentient", Weight: 0.9, Phrases: []string{"x"}}},
		},
	}
	if err := table.Validate(); err == nil {
		t.Error("out-of-set intent must be rejected")
	}
}

func TestValidateRejectsBadWeight(t *testing.T) {
	table := &KeywordTable{
		Languages: map[string][]KeywordRule{
			"en": {{Intent: string(types.IntentBrowse), Weight: 1.5, Phrases: []string{"x"}}},
		},
	}
	if err := table.Validate(); err == nil {
		t.Error("weight > 1 must be rejected")
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	content := `version: "2026-02"
languages:
  en:
    - intent: browse
      weight: 0.9
      phrases: ["show me everything"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := classifyRules(table, "en", "show me everything please")
	if got.Intent != types.IntentBrowse {
		t.Errorf("got %+v", got)
	}
}

func TestWatcherHotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watcher test")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.yaml")
	v1 := `version: "2026-02"
languages:
  en:
    - intent: browse
      weight: 0.9
      phrases: ["old phrase"]
`
	if err := os.WriteFile(path, []byte(v1), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewKeywordStore()
	w, err := NewTableWatcher(path, store)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	v2 := `version: "2026-02"
languages:
  en:
    - intent: browse
      weight: 0.9
      phrases: ["new phrase"]
`
	if err := os.WriteFile(path, []byte(v2), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := classifyRules(store.Table(), "en", "new phrase")
		if got.Intent == types.IntentBrowse {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("table was not hot-reloaded")
}

func TestInvalidReloadKeepsPreviousTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	if err := os.WriteFile(path, []byte("languages: {en: [{intent: nonsense, weight: 0.9, phrases: [x]}]}"), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewKeywordStore()
	w, err := NewTableWatcher(path, store)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()
	w.reload()
	// The invalid file is rejected; the built-in defaults stay active.
	got := classifyRules(store.Table(), "en", "where is my order")
	if got.Intent != types.IntentOrderStatus {
		t.Errorf("defaults lost after invalid reload: %+v", got)
	}
	if w.Reloads != 0 {
		t.Errorf("Reloads = %d, want 0", w.Reloads)
	}
}
