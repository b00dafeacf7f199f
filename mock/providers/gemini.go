package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API.
//
// The genai SDK communicates with:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent
//	GET  {base}/models           (list models — used by health check)
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-2.0-flash:generateContent
		model := extractGeminiModel(path)

		isGenerate := strings.HasSuffix(path, ":generateContent")
		isStream := strings.HasSuffix(path, ":streamGenerateContent")
		if !isGenerate && !isStream {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path), "NOT_FOUND")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		applyLatency(cfg)
		if shouldThrottle(cfg) {
			writeGeminiError(w, http.StatusTooManyRequests, "mock quota exceeded", "RESOURCE_EXHAUSTED")
			return
		}
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		handleGeminiGenerate(w, cfg, model, isStream)
	})

	// GET /v1beta/models — health check
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
				{
					"name":        "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"description": "Mock Gemini 1.5 Pro",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	candidate := map[string]any{
		"content": map[string]any{
			"role": "model",
			"parts": []map[string]string{
				{"text": content},
			},
		},
		"finishReason": "STOP",
		"index":        0,
	}

	resp := map[string]any{
		"candidates": []any{candidate},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   id,
		"modelVersion": model,
	}

	if stream {
		// The genai SDK requests streaming with ?alt=sse and parses SSE
		// "data:" lines, one GenerateContentResponse per frame.
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		words := strings.Fields(content)
		for i, word := range words {
			c := map[string]any{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]string{
						{"text": word + " "},
					},
				},
				"index": 0,
			}
			if i == len(words)-1 {
				c["finishReason"] = "STOP"
			}
			frame := map[string]any{
				"candidates": []any{c},
				"responseId": id,
			}
			if i == len(words)-1 {
				frame["usageMetadata"] = map[string]int{
					"promptTokenCount":     inTokens,
					"candidatesTokenCount": outTokens,
					"totalTokenCount":      inTokens + outTokens,
				}
			}
			writeSSEFrame(w, frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeSSEFrame(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeGeminiError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractGeminiModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractGeminiModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
