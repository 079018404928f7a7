// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// STREAM READER TESTS
// =============================================================================

func TestStreamReader_Process(t *testing.T) {
	stream := `{"model":"llama3.2:3b","response":"Hel","done":false}
{"model":"llama3.2:3b","response":"lo","done":false}
{"model":"llama3.2:3b","response":"","done":true,"done_reason":"stop","total_duration":1500000000,"eval_count":2,"eval_duration":1000000000}
`
	reader := NewStreamReader(strings.NewReader(stream))

	var chunks []StreamChunk
	err := reader.Process(context.Background(), func(chunk StreamChunk) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if reader.GetAccumulated() != "Hello" {
		t.Errorf("accumulated = %q, want 'Hello'", reader.GetAccumulated())
	}

	final := chunks[2]
	if !final.Done {
		t.Error("final chunk should be done")
	}
	if final.DoneReason != "stop" {
		t.Errorf("done reason = %q", final.DoneReason)
	}
	if final.TotalDuration != 1500*time.Millisecond {
		t.Errorf("total duration = %v", final.TotalDuration)
	}
	if final.CompletionTokens != 2 {
		t.Errorf("completion tokens = %d", final.CompletionTokens)
	}
}

func TestStreamReader_SkipsMalformedLines(t *testing.T) {
	stream := `{"response":"ok","done":false}
not json at all
{"response":"","done":true}
`
	reader := NewStreamReader(strings.NewReader(stream))

	count := 0
	err := reader.Process(context.Background(), func(chunk StreamChunk) {
		count++
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d chunks, want 2 (malformed line skipped)", count)
	}
}

func TestStreamReader_LastLineWithoutNewline(t *testing.T) {
	stream := `{"response":"a","done":false}` + "\n" + `{"response":"","done":true}`
	reader := NewStreamReader(strings.NewReader(stream))

	var sawDone bool
	err := reader.Process(context.Background(), func(chunk StreamChunk) {
		if chunk.Done {
			sawDone = true
		}
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !sawDone {
		t.Error("done marker on the final unterminated line was dropped")
	}
}

func TestStreamReader_ContextCancellation(t *testing.T) {
	// An endless stream must stop once the context is cancelled.
	pr, pw := io.Pipe()

	go func() {
		for i := 0; i < 5; i++ {
			fmt.Fprintln(pw, `{"response":"x","done":false}`)
		}
		// Then hold the stream open without sending anything more.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	reader := NewStreamReader(pr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- reader.Process(ctx, func(chunk StreamChunk) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	pw.CloseWithError(context.Canceled) // unblock the pending read

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled or nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Process did not return after cancellation")
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		fmt.Fprintln(w, `{"model":"m","response":"hi","done":false}`)
		fmt.Fprintln(w, `{"model":"m","response":" there","done":false}`)
		fmt.Fprintln(w, `{"model":"m","response":"","done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	var sb strings.Builder
	err := client.GenerateStream(context.Background(), "m", "prompt", "", nil, func(chunk StreamChunk) {
		sb.WriteString(chunk.Content)
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if sb.String() != "hi there" {
		t.Errorf("content = %q, want 'hi there'", sb.String())
	}
}

func TestGenerateStream_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	err := client.GenerateStream(context.Background(), "nope", "p", "", nil, func(StreamChunk) {})

	if !IsModelNotFound(err) {
		t.Errorf("err = %v, want model not found", err)
	}
}

func TestGenerateStream_BackendDown(t *testing.T) {
	// A closed server is indistinguishable from a backend that never started.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	err := client.GenerateStream(context.Background(), "m", "p", "", nil, func(StreamChunk) {})

	if !IsNotRunning(err) {
		t.Errorf("err = %v, want not running", err)
	}
}

func TestGenerateStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.GenerateStream(ctx, "m", "p", "", nil, func(chunk StreamChunk) {
			if chunk.Content == "partial" {
				cancel()
			}
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestCheckRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Ollama is running")
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	if err := client.CheckRunning(context.Background()); err != nil {
		t.Errorf("CheckRunning: %v", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:3b","size":2019393189},{"name":"qwen2.5:7b","size":4683087332}]}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3.2:3b" {
		t.Errorf("models = %+v", models)
	}
}

func TestDefaultsFilledIn(t *testing.T) {
	client := NewClientWithConfig(&ClientConfig{})
	cfg := client.config
	if cfg.BaseURL == "" || cfg.Timeout == 0 || cfg.DefaultModel == "" {
		t.Errorf("zero values not defaulted: %+v", cfg)
	}
}
