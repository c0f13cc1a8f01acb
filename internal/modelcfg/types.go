package modelcfg

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownModel = errors.New("unknown model id")
	ErrInvalidModel = errors.New("invalid model configuration")
)

// Params holds stage-specific tuning values (temperature, voice_id, speed, ...).
type Params map[string]any

func (p Params) clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Configuration is the immutable model snapshot a turn runs under. A turn
// captures one snapshot at start and never observes a later revision.
type Configuration struct {
	Revision    string    `json:"revision"`
	STTModel    string    `json:"stt_model"`
	LLMModel    string    `json:"llm_model"`
	TTSModel    string    `json:"tts_model"`
	Language    string    `json:"language"`
	AudioOutput bool      `json:"audio_output"`
	STTParams   Params    `json:"stt_params,omitempty"`
	LLMParams   Params    `json:"llm_params,omitempty"`
	TTSParams   Params    `json:"tts_params,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can hold snapshots without sharing maps.
func (c Configuration) Clone() Configuration {
	out := c
	out.STTParams = c.STTParams.clone()
	out.LLMParams = c.LLMParams.clone()
	out.TTSParams = c.TTSParams.clone()
	return out
}

// Validate rejects configurations that would misconfigure every turn.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.STTModel) == "" || strings.TrimSpace(c.LLMModel) == "" || strings.TrimSpace(c.TTSModel) == "" {
		return ErrInvalidModel
	}
	if strings.TrimSpace(c.Language) == "" {
		return ErrInvalidModel
	}
	return nil
}
