package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// Transcriber converts recorded audio to text. Speech processing itself is
// an external collaborator; this package only defines the seam.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// VoiceHandler serves voice requests: the content is base64-encoded audio,
// which is transcribed and then processed as a text request.
type VoiceHandler struct {
	transcriber Transcriber
	chat        *ChatHandler
	language    string
}

// NewVoiceHandler creates a voice handler that delegates transcripts to chat.
func NewVoiceHandler(transcriber Transcriber, chat *ChatHandler, language string) *VoiceHandler {
	return &VoiceHandler{transcriber: transcriber, chat: chat, language: language}
}

// Handle implements Handler for voice requests.
func (v *VoiceHandler) Handle(ctx context.Context, userID, content string, metadata map[string]any) (*Result, error) {
	audio, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("voice content is not valid base64: %w", err)
	}

	language := v.language
	if lang, ok := metadata["language"].(string); ok && lang != "" {
		language = lang
	}

	transcript, err := v.transcriber.Transcribe(ctx, audio, language)
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}

	res, err := v.chat.Handle(ctx, userID, transcript, metadata)
	if err != nil {
		return nil, err
	}
	// Surface what the assistant heard alongside the reply.
	if content, ok := res.Content.(map[string]string); ok {
		content["transcript"] = transcript
	}
	return res, nil
}

// WhisperTranscriber calls an OpenAI-compatible audio transcription endpoint.
type WhisperTranscriber struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewWhisperTranscriber creates a transcriber for an OpenAI-compatible API.
func NewWhisperTranscriber(baseURL, apiKey, model string) *WhisperTranscriber {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperTranscriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
	}
}

// Transcribe implements Transcriber.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio part: %w", err)
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("writing language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finishing transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("building transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling transcription API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return parsed.Text, nil
}
