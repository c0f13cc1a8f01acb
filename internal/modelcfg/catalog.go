package modelcfg

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ModelEntry describes one configurable backend model as shown to the admin UI.
type ModelEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"type"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	Config      Params    `json:"config"`
	LastUpdated time.Time `json:"last_updated"`
}

// Catalog is the admin-facing table of model configurations. Updating an
// entry produces a fresh Configuration revision; existing snapshots are
// never mutated.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]ModelEntry
	order   []string
}

// ModelUpdate carries the mutable fields of a PUT /v1/models/{id} request.
type ModelUpdate struct {
	Model  string `json:"model"`
	Status string `json:"status"`
	Config Params `json:"config"`
}

func NewCatalog() *Catalog {
	now := time.Now().UTC()
	entries := []ModelEntry{
		{
			ID:       "stt-1",
			Name:     "Whisper Large V3",
			Kind:     "stt",
			Provider: "groq",
			Model:    "whisper-large-v3",
			Status:   "active",
			Config: Params{
				"language":        "en",
				"temperature":     0.0,
				"response_format": "text",
			},
			LastUpdated: now,
		},
		{
			ID:       "tts-1",
			Name:     "Simba Multilingual",
			Kind:     "tts",
			Provider: "speechify",
			Model:    "simba-multilingual",
			Status:   "active",
			Config: Params{
				"voice_id": "default",
				"speed":    1.0,
				"pitch":    1.0,
			},
			LastUpdated: now,
		},
		{
			ID:       "llm-1",
			Name:     "Llama 3 70B",
			Kind:     "llm",
			Provider: "groq",
			Model:    "llama3-70b-8192",
			Status:   "active",
			Config: Params{
				"temperature": 0.7,
				"max_tokens":  4096,
				"top_p":       0.9,
			},
			LastUpdated: now,
		},
	}

	c := &Catalog{entries: make(map[string]ModelEntry, len(entries))}
	for _, e := range entries {
		c.entries[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	return c
}

func (c *Catalog) List() []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelEntry, 0, len(c.order))
	for _, id := range c.order {
		e := c.entries[id]
		e.Config = e.Config.clone()
		out = append(out, e)
	}
	return out
}

func (c *Catalog) Get(id string) (ModelEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return ModelEntry{}, ErrUnknownModel
	}
	e.Config = e.Config.clone()
	return e, nil
}

// Update applies an admin edit to one entry. Unknown ids are rejected so a
// typo in the admin surface cannot silently create a new stage backend.
func (c *Catalog) Update(id string, upd ModelUpdate) (ModelEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return ModelEntry{}, ErrUnknownModel
	}
	if m := strings.TrimSpace(upd.Model); m != "" {
		e.Model = m
	}
	if s := strings.TrimSpace(upd.Status); s != "" {
		if s != "active" && s != "inactive" {
			return ModelEntry{}, ErrInvalidModel
		}
		e.Status = s
	}
	if upd.Config != nil {
		merged := e.Config.clone()
		if merged == nil {
			merged = Params{}
		}
		for k, v := range upd.Config {
			merged[k] = v
		}
		e.Config = merged
	}
	e.LastUpdated = time.Now().UTC()
	c.entries[id] = e

	out := e
	out.Config = e.Config.clone()
	return out, nil
}

// Configuration assembles a new snapshot revision from the active entries.
func (c *Catalog) Configuration(language string, audioOutput bool) Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := Configuration{
		Revision:    uuid.NewString(),
		Language:    strings.TrimSpace(language),
		AudioOutput: audioOutput,
		CreatedAt:   time.Now().UTC(),
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	for _, e := range c.entries {
		switch e.Kind {
		case "stt":
			cfg.STTModel = e.Model
			cfg.STTParams = e.Config.clone()
		case "llm":
			cfg.LLMModel = e.Model
			cfg.LLMParams = e.Config.clone()
		case "tts":
			cfg.TTSModel = e.Model
			cfg.TTSParams = e.Config.clone()
		}
	}
	return cfg
}
