package fingerprint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbeddingClient_ComputeFaceEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file field: %v", err)
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected image/jpeg part, got %q", ct)
		}
		data, _ := io.ReadAll(file)
		if len(data) == 0 {
			t.Error("expected image bytes")
		}

		json.NewEncoder(w).Encode(FaceResponse{
			FacesCount: 1,
			Model:      "buffalo_l",
			Faces: []FaceDetection{
				{FaceIndex: 0, Dim: 3, Embedding: []float32{1, 0, 0}, BBox: []float64{1, 2, 3, 4}, DetScore: 0.9},
			},
		})
	}))
	defer server.Close()

	client := NewEmbeddingClient(server.URL+"/", 0)
	resp, err := client.ComputeFaceEmbeddings(context.Background(), testJPEG(t, 40, 40))
	if err != nil {
		t.Fatalf("ComputeFaceEmbeddings failed: %v", err)
	}
	if resp.FacesCount != 1 || len(resp.Faces) != 1 {
		t.Fatalf("expected 1 face, got %+v", resp)
	}
	if resp.Faces[0].DetScore != 0.9 {
		t.Errorf("expected det score 0.9, got %v", resp.Faces[0].DetScore)
	}
}

func TestEmbeddingClient_ComputeEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/image" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"dim":2,"embedding":[0.5,0.5],"model":"clip"}`))
	}))
	defer server.Close()

	client := NewEmbeddingClient(server.URL, 0)
	emb, err := client.ComputeEmbedding(context.Background(), testJPEG(t, 8, 8))
	if err != nil {
		t.Fatalf("ComputeEmbedding failed: %v", err)
	}
	if len(emb) != 2 {
		t.Errorf("expected 2 dims, got %d", len(emb))
	}
}

func TestEmbeddingClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "model crashed\ntraceback...", "model crashed"},
		{"empty embedding", http.StatusOK, `{"dim":0,"embedding":[]}`, "empty embedding"},
		{"bad json", http.StatusOK, `not json`, "failed to parse"},
		{"not found", http.StatusNotFound, "no such route", "returned status 404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewEmbeddingClient(server.URL, 0)
			_, err := client.ComputeEmbedding(context.Background(), testJPEG(t, 8, 8))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if strings.Contains(err.Error(), "traceback") {
				t.Errorf("error should be one line, got %v", err)
			}
		})
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte("GIF89a\x00\x00"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"bmp", []byte("BM\x00\x00\x00\x00\x00\x00"), "image/bmp"},
		{"short", []byte{0xFF}, "application/octet-stream"},
		{"unknown", []byte("hello world"), "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}
