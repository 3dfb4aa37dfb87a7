package jobclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, exists := handlers[r.Method+" "+r.URL.Path]
		if !exists {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}

		handler(w, r)
	}))
	t.Cleanup(server.Close)

	return server
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestSubmitSynthesis_SendsContractBody(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/audio/generate": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "voice-1", body["voice_id"])
			assert.Equal(t, "Once upon a time.", body["text"])
			assert.InEpsilon(t, jobclient.DefaultTemperature, body["temperature"], 0.001)
			assert.InEpsilon(t, 0.5, body["cfgWeight"], 0.001)
			assert.NotContains(t, body, "exaggeration")

			writeJSON(w, http.StatusOK, map[string]string{"task_id": "task-42", "message": "started"})
		},
	})

	client := jobclient.NewHTTPClient(server.URL+"/api/v1/", 5*time.Second)

	taskID, err := client.SubmitSynthesis(context.Background(), jobclient.SynthesisRequest{
		VoiceID:   "voice-1",
		Text:      "Once upon a time.",
		CFGWeight: jobclient.Float64(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-42", taskID)
}

func TestSubmitSynthesis_ExplicitZeroIsSent(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/audio/generate": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Contains(t, body, "temperature")
			assert.Contains(t, body, "cfgWeight")
			assert.Zero(t, body["temperature"])
			assert.Zero(t, body["cfgWeight"])

			writeJSON(w, http.StatusOK, map[string]string{"task_id": "task-0"})
		},
	})

	client := jobclient.NewHTTPClient(server.URL+"/api/v1/", 5*time.Second)

	taskID, err := client.SubmitSynthesis(context.Background(), jobclient.SynthesisRequest{
		VoiceID:     "voice-1",
		Text:        "Quietly.",
		Temperature: jobclient.Float64(0),
		CFGWeight:   jobclient.Float64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-0", taskID)
}

func TestSubmitSynthesis_RejectsInvalidInputWithoutRequest(t *testing.T) {
	t.Parallel()

	client := jobclient.NewHTTPClient("http://127.0.0.1:1", time.Second)

	_, err := client.SubmitSynthesis(context.Background(), jobclient.SynthesisRequest{VoiceID: "v", Text: "  "})
	require.ErrorIs(t, err, jobclient.ErrTextEmpty)

	_, err = client.SubmitSynthesis(context.Background(), jobclient.SynthesisRequest{Text: "hello"})
	require.ErrorIs(t, err, jobclient.ErrVoiceIDEmpty)
}

func TestTaskStatus_DecodesOptionalFields(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"GET /audio/tasks/task-1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "processing", "progress": 40.4})
		},
		"GET /audio/tasks/task-2": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "queued"})
		},
	})

	client := jobclient.NewHTTPClient(server.URL, 5*time.Second)

	status, err := client.TaskStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, jobclient.StatusProcessing, status.Status)

	progress, ok := status.ProgressPercent()
	assert.True(t, ok)
	assert.Equal(t, 40, progress)

	status, err = client.TaskStatus(context.Background(), "task-2")
	require.NoError(t, err)

	_, ok = status.ProgressPercent()
	assert.False(t, ok)
}

func TestErrors_APIErrorUsesDetail(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"GET /audio/tasks/missing": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Task not found"})
		},
		"GET /voices/default": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	client := jobclient.NewHTTPClient(server.URL, 5*time.Second)

	_, err := client.TaskStatus(context.Background(), "missing")

	var apiErr *jobclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Task not found", apiErr.Message)
	assert.Equal(t, "Task not found", jobclient.UserMessage(err))

	_, err = client.DefaultVoice(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "502")
}

func TestErrors_NetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client := jobclient.NewHTTPClient(serverURL, time.Second)

	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, jobclient.IsNetworkError(err))

	var apiErr *jobclient.APIError
	assert.NotErrorAs(t, err, &apiErr)
}

func TestErrors_TruncatedBodyIsNetworkError(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"GET /audio/tasks/t-cut": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Length", "200")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"proc`))

			hijacker, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot be hijacked")

				return
			}

			conn, buffered, err := hijacker.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)

				return
			}

			_ = buffered.Flush()
			_ = conn.Close()
		},
		"GET /audio/tasks/t-bad": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":`))
		},
	})

	client := jobclient.NewHTTPClient(server.URL, time.Second)

	_, err := client.TaskStatus(context.Background(), "t-cut")
	require.Error(t, err)
	assert.True(t, jobclient.IsNetworkError(err), "a body cut short is a transport failure: %v", err)

	_, err = client.TaskStatus(context.Background(), "t-bad")
	require.Error(t, err)
	assert.False(t, jobclient.IsNetworkError(err), "a complete but malformed body is a decode error")

	var apiErr *jobclient.APIError
	assert.NotErrorAs(t, err, &apiErr)
}

func TestUploadVoice_SendsMultipartForm(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"POST /voices": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "Grandma", r.FormValue("name"))
			assert.Equal(t, "warm", r.FormValue("description"))
			assert.Equal(t, "0.4", r.FormValue("exaggeration"))
			assert.Equal(t, "true", r.FormValue("is_default"))

			file, header, err := r.FormFile("file")
			if assert.NoError(t, err) {
				defer file.Close()

				data, _ := io.ReadAll(file)
				assert.Equal(t, "sample.wav", header.Filename)
				assert.Equal(t, "RIFF....WAVE", string(data))
			}

			writeJSON(w, http.StatusCreated, map[string]any{
				"voice_id":   "voice-9",
				"sample_url": "/output/voice_samples/voice-9.wav",
				"name":       "Grandma",
			})
		},
	})

	client := jobclient.NewHTTPClient(server.URL, 5*time.Second)

	voice, err := client.UploadVoice(context.Background(), jobclient.VoiceUpload{
		FileName:     "sample.wav",
		File:         strings.NewReader("RIFF....WAVE"),
		Name:         "Grandma",
		Description:  "warm",
		Exaggeration: 0.4,
		IsDefault:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "voice-9", voice.VoiceID)
	assert.Equal(t, "/output/voice_samples/voice-9.wav", voice.SampleURL)
}

func TestListVoicesAndDownload(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, map[string]http.HandlerFunc{
		"GET /voices/library": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"voices": []map[string]any{{"voice_id": "a"}, {"voice_id": "b", "is_default": true}},
			})
		},
		"GET /files/a.wav": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write([]byte("audio"))
		},
	})

	client := jobclient.NewHTTPClient(server.URL, 5*time.Second)

	voices, err := client.ListVoices(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 2)
	assert.True(t, voices[1].IsDefault)

	data, err := client.Download(context.Background(), "/files/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	client := jobclient.NewHTTPClient("http://narrator.local:8000/api/v1", time.Second)

	assert.Equal(t, "http://narrator.local:8000/files/a.wav", client.ResolveURL("/files/a.wav"))
	assert.Equal(t, "https://cdn.example.com/a.wav", client.ResolveURL("https://cdn.example.com/a.wav"))

	client.WithAssetBase("https://assets.example.com/")
	assert.Equal(t, "https://assets.example.com/files/a.wav", client.ResolveURL("/files/a.wav"))
}
