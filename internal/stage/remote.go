package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/reliability"
)

// RemoteConfig points one adapter at a streaming stage backend.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
}

// RemoteAdapter speaks to an external stage service over a websocket: one
// dial per invocation, a single request frame, then streamed result frames
// until final or error. Closing the connection on ctx cancellation is what
// stops the backend from producing further output.
type RemoteAdapter struct {
	kind Kind
	cfg  RemoteConfig
}

func NewRemoteAdapter(kind Kind, cfg RemoteConfig) (*RemoteAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("remote %s adapter: base url is required", kind)
	}
	return &RemoteAdapter{kind: kind, cfg: cfg}, nil
}

func (a *RemoteAdapter) Kind() Kind { return a.kind }

type remoteRequest struct {
	Type        string          `json:"type"`
	Stage       string          `json:"stage"`
	SessionID   string          `json:"session_id"`
	TurnID      string          `json:"turn_id"`
	Model       string          `json:"model"`
	Language    string          `json:"language"`
	Text        string          `json:"text,omitempty"`
	AudioBase64 string          `json:"audio_base64,omitempty"`
	History     []string        `json:"history,omitempty"`
	Params      modelcfg.Params `json:"params,omitempty"`
}

func (a *RemoteAdapter) Invoke(ctx context.Context, in Input, cfg modelcfg.Configuration) (<-chan Result, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/stages/" + string(a.kind) + "/stream")
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if strings.TrimSpace(a.cfg.APIKey) != "" {
		headers.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		kind := ErrUnavailable
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			kind = ErrRejected
		}
		return nil, &Error{Stage: a.kind, ErrKind: kind, Err: fmt.Errorf("dial backend: %w", err)}
	}

	req := remoteRequest{
		Type:      "invoke",
		Stage:     string(a.kind),
		SessionID: in.SessionID,
		TurnID:    in.TurnID,
		Language:  in.Language,
		History:   in.History,
	}
	switch a.kind {
	case KindSTT:
		req.Model = cfg.STTModel
		req.AudioBase64 = in.AudioBase64
		req.Params = cfg.STTParams
	case KindLLM:
		req.Model = cfg.LLMModel
		req.Text = in.Text
		req.Params = cfg.LLMParams
	case KindTTS:
		req.Model = cfg.TTSModel
		req.Text = in.Text
		req.Params = cfg.TTSParams
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, &Error{Stage: a.kind, ErrKind: ErrUnavailable, Err: fmt.Errorf("send request: %w", err)}
	}

	s := &remoteStream{kind: a.kind, conn: conn, results: make(chan Result, 64)}
	go s.watchCancel(ctx)
	go s.readLoop(ctx)
	return s.results, nil
}

type remoteStream struct {
	kind      Kind
	conn      *websocket.Conn
	closeOnce sync.Once
	results   chan Result
}

// watchCancel tears the connection down when the invocation is cancelled,
// which unblocks readLoop's pending ReadMessage.
func (s *remoteStream) watchCancel(ctx context.Context) {
	<-ctx.Done()
	s.safeClose()
}

func (s *remoteStream) readLoop(ctx context.Context) {
	defer s.safeClose()
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, Result{Type: ResultError, ErrKind: ErrUnavailable, Detail: err.Error()})
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["type"]) {
		case "partial":
			s.deliver(ctx, Result{
				Type:        ResultPartial,
				Text:        asString(raw["text"]),
				AudioBase64: asString(raw["audio_base64"]),
				Format:      asString(raw["format"]),
				Confidence:  asFloat(raw["confidence"]),
			})
		case "final":
			s.deliver(ctx, Result{
				Type:        ResultFinal,
				Text:        asString(raw["text"]),
				AudioBase64: asString(raw["audio_base64"]),
				Format:      asString(raw["format"]),
				Confidence:  asFloat(raw["confidence"]),
			})
			return
		case "error":
			s.deliver(ctx, Result{
				Type:    ResultError,
				ErrKind: errKindFromWire(asString(raw["kind"])),
				Detail:  asString(raw["detail"]),
			})
			return
		default:
			// control frames (session_started, ack) carry no results
		}
	}
}

func (s *remoteStream) deliver(ctx context.Context, r Result) {
	select {
	case <-ctx.Done():
	case s.results <- r:
	}
}

func (s *remoteStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func errKindFromWire(kind string) ErrKind {
	switch ErrKind(strings.ToLower(strings.TrimSpace(kind))) {
	case ErrTimeout:
		return ErrTimeout
	case ErrUnavailable:
		return ErrUnavailable
	case ErrRejected:
		return ErrRejected
	default:
		return ErrInternal
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
