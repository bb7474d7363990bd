// Package diarization refines a finished session's speaker labels. Jobs run
// on a bounded worker pool after the client socket has closed; the realtime
// path never waits on them.
package diarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"realtime-transcription-service/internal/models"
)

const defaultTimeout = 2 * time.Minute

// Client returns labelled speaker spans for a retained recording.
type Client interface {
	Refine(ctx context.Context, sessionID, audioHandle string, words []models.Word, numSpeakers int) ([]models.SpeakerSpan, error)
}

// HTTPClient calls a diarization service that accepts a multipart WAV upload
// on /v1/diarize and answers {"segments":[{"start","end","speaker"}]}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type refineResponse struct {
	Segments []models.SpeakerSpan `json:"segments"`
}

// Refine uploads the recording and returns the spans sorted by start.
func (c *HTTPClient) Refine(ctx context.Context, sessionID, audioHandle string, words []models.Word, numSpeakers int) ([]models.SpeakerSpan, error) {
	f, err := os.Open(audioHandle)
	if err != nil {
		return nil, fmt.Errorf("diarization: open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(audioHandle))
	if err != nil {
		return nil, fmt.Errorf("diarization: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("diarization: copy audio: %w", err)
	}
	fields := map[string]string{"session_id": sessionID}
	if numSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(numSpeakers)
	}
	if len(words) > 0 {
		fields["duration"] = strconv.FormatFloat(words[len(words)-1].End, 'f', 3, 64)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("diarization: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("diarization: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/diarize", &body)
	if err != nil {
		return nil, fmt.Errorf("diarization: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diarization: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("diarization: server returned HTTP %d", resp.StatusCode)
	}

	var out refineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("diarization: decode response: %w", err)
	}
	return normalize(out.Segments), nil
}
