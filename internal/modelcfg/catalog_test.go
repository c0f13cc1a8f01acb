package modelcfg

import (
	"errors"
	"testing"
)

func TestCatalogSeedsThreeStages(t *testing.T) {
	c := NewCatalog()
	entries := c.List()
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}

	kinds := map[string]bool{}
	for _, e := range entries {
		kinds[e.Kind] = true
	}
	for _, k := range []string{"stt", "llm", "tts"} {
		if !kinds[k] {
			t.Fatalf("catalog missing %s entry", k)
		}
	}
}

func TestCatalogUpdateUnknownID(t *testing.T) {
	c := NewCatalog()
	_, err := c.Update("stt-99", ModelUpdate{Model: "whatever"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("Update() error = %v, want ErrUnknownModel", err)
	}
}

func TestCatalogUpdateMergesConfig(t *testing.T) {
	c := NewCatalog()
	updated, err := c.Update("llm-1", ModelUpdate{
		Model:  "llama3-8b-8192",
		Config: Params{"temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Model != "llama3-8b-8192" {
		t.Fatalf("Model = %q, want %q", updated.Model, "llama3-8b-8192")
	}
	if updated.Config["temperature"] != 0.2 {
		t.Fatalf("temperature = %v, want 0.2", updated.Config["temperature"])
	}
	if updated.Config["max_tokens"] == nil {
		t.Fatalf("untouched config key dropped: %+v", updated.Config)
	}
}

func TestCatalogUpdateRejectsBadStatus(t *testing.T) {
	c := NewCatalog()
	if _, err := c.Update("tts-1", ModelUpdate{Status: "sleeping"}); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("Update() error = %v, want ErrInvalidModel", err)
	}
}

func TestConfigurationAssemblesActiveModels(t *testing.T) {
	c := NewCatalog()
	cfg := c.Configuration("it", false)

	if cfg.Revision == "" {
		t.Fatalf("Revision empty")
	}
	if cfg.Language != "it" || cfg.AudioOutput {
		t.Fatalf("Language/AudioOutput = %q/%v", cfg.Language, cfg.AudioOutput)
	}
	if cfg.STTModel != "whisper-large-v3" || cfg.LLMModel != "llama3-70b-8192" || cfg.TTSModel != "simba-multilingual" {
		t.Fatalf("models = %q/%q/%q", cfg.STTModel, cfg.LLMModel, cfg.TTSModel)
	}

	next := c.Configuration("it", false)
	if next.Revision == cfg.Revision {
		t.Fatalf("consecutive revisions identical: %q", cfg.Revision)
	}
}

func TestConfigurationSnapshotIsolation(t *testing.T) {
	c := NewCatalog()
	cfg := c.Configuration("en", true)
	before := cfg.LLMParams["temperature"]

	if _, err := c.Update("llm-1", ModelUpdate{Config: Params{"temperature": 0.0}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if cfg.LLMParams["temperature"] != before {
		t.Fatalf("snapshot mutated by catalog update")
	}
}
