package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/config"
)

func TestNewProviderSelection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LLMConfig
		wantErr bool
	}{
		{"ollama", config.LLMConfig{Provider: "ollama"}, false},
		{"openai", config.LLMConfig{Provider: "openai", OpenAI: config.OpenAIConfig{APIKey: "k"}}, false},
		{"openai without key", config.LLMConfig{Provider: "openai"}, true},
		{"unknown", config.LLMConfig{Provider: "anthropic9000"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOllamaGenerate(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"response": "four", "done": true})
	}))
	defer ts.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: ts.URL, Model: "llama3.2"})
	out, err := o.Generate(context.Background(), "what is 2+2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "four" {
		t.Errorf("out = %q", out)
	}
	if gotPath != "/api/generate" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["model"] != "llama3.2" || gotBody["stream"] != false {
		t.Errorf("body = %v", gotBody)
	}
}

func TestOllamaGenerateError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "model not found"})
	}))
	defer ts.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: ts.URL})
	_, err := o.Generate(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestOllamaGenerateHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: ts.URL})
	_, err := o.Generate(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("err = %v", err)
	}
}

func TestOllamaHealthAndModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3.2"}, {"name": "qwen2.5"}},
		})
	}))
	defer ts.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: ts.URL})
	if err := o.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	models, err := o.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2" {
		t.Errorf("models = %v", models)
	}
}

func TestOllamaDefaults(t *testing.T) {
	o := NewOllama(config.OllamaConfig{})
	if o.Model() != "llama3.2" {
		t.Errorf("model = %q", o.Model())
	}
	if o.baseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %q", o.baseURL)
	}
}
