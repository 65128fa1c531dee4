package fingerprint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeEmbedder struct {
	faces        *FaceResponse
	faceErr      error
	semantic     []float32
	semanticErr  error
	faceCalls    int
	semanticHits int
	lastImage    []byte
}

func (f *fakeEmbedder) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	f.faceCalls++
	f.lastImage = imageData
	return f.faces, f.faceErr
}

func (f *fakeEmbedder) ComputeEmbedding(ctx context.Context, imageData []byte) ([]float32, error) {
	f.semanticHits++
	return f.semantic, f.semanticErr
}

func TestDetector_Detect(t *testing.T) {
	embedder := &fakeEmbedder{
		faces: &FaceResponse{Faces: []FaceDetection{
			{Embedding: []float32{1, 0, 0}, BBox: []float64{10, 10, 60, 60}, DetScore: 0.95},
			{Embedding: []float32{1, 0, 0}, BBox: []float64{10, 10, 60, 61}, DetScore: 0.90}, // duplicate box
			{Embedding: nil, BBox: []float64{70, 70, 90, 90}, DetScore: 0.80},                // no descriptor
			{Embedding: []float32{0, 1, 0}, BBox: []float64{5, 5, 15, 15}, DetScore: 0.70},   // too small to crop
		}},
		semantic: []float32{0.1, 0.2},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, testJPEG(t, 200, 100), 0o600); err != nil {
		t.Fatal(err)
	}

	detector := NewDetector(embedder, DetectorOptions{DescriptorVersion: "arcface-3", Semantic: true, MaxImageSize: 100})
	faces, err := detector.Detect(context.Background(), path)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if len(faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(faces))
	}

	first := faces[0]
	if first.FaceIndex != 0 || first.DescriptorVersion != "arcface-3" || first.Dim != 3 {
		t.Errorf("unexpected first face: %+v", first)
	}
	// Image was halved for detection, boxes map back to original pixels.
	if first.BBox[2] != 120 || first.BBox[3] != 120 {
		t.Errorf("expected bbox scaled by 2, got %v", first.BBox)
	}
	if first.SemanticDim != 2 {
		t.Errorf("expected semantic descriptor, got dim %d", first.SemanticDim)
	}

	second := faces[1]
	if second.FaceIndex != 1 || second.SemanticDim != 0 {
		t.Errorf("expected small face without semantic descriptor, got %+v", second)
	}
	if embedder.semanticHits != 1 {
		t.Errorf("expected 1 semantic call, got %d", embedder.semanticHits)
	}
}

func TestDetector_SemanticDisabled(t *testing.T) {
	embedder := &fakeEmbedder{
		faces: &FaceResponse{Faces: []FaceDetection{
			{Embedding: []float32{1, 0}, BBox: []float64{0, 0, 80, 80}, DetScore: 0.9},
		}},
	}

	detector := NewDetector(embedder, DetectorOptions{DescriptorVersion: "v1"})
	faces, err := detector.DetectImage(context.Background(), testJPEG(t, 100, 100))
	if err != nil {
		t.Fatalf("DetectImage failed: %v", err)
	}
	if len(faces) != 1 || faces[0].SemanticDim != 0 {
		t.Errorf("unexpected faces: %+v", faces)
	}
	if embedder.semanticHits != 0 {
		t.Errorf("expected no semantic calls, got %d", embedder.semanticHits)
	}
}

func TestDetector_SemanticFailureKeepsFace(t *testing.T) {
	embedder := &fakeEmbedder{
		faces: &FaceResponse{Faces: []FaceDetection{
			{Embedding: []float32{1, 0}, BBox: []float64{0, 0, 80, 80}, DetScore: 0.9},
		}},
		semanticErr: errors.New("clip unavailable"),
	}

	detector := NewDetector(embedder, DetectorOptions{DescriptorVersion: "v1", Semantic: true})
	faces, err := detector.DetectImage(context.Background(), testJPEG(t, 100, 100))
	if err != nil {
		t.Fatalf("DetectImage failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected face kept, got %d", len(faces))
	}
}

func TestDetector_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		detector := NewDetector(&fakeEmbedder{}, DetectorOptions{})
		if _, err := detector.Detect(context.Background(), filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("detection failure", func(t *testing.T) {
		embedder := &fakeEmbedder{faceErr: errors.New("boom")}
		detector := NewDetector(embedder, DetectorOptions{})
		if _, err := detector.DetectImage(context.Background(), testJPEG(t, 10, 10)); err == nil {
			t.Error("expected detection error")
		}
	})

	t.Run("undecodable image", func(t *testing.T) {
		embedder := &fakeEmbedder{faces: &FaceResponse{}}
		detector := NewDetector(embedder, DetectorOptions{})
		if _, err := detector.DetectImage(context.Background(), []byte("garbage")); err == nil {
			t.Error("expected decode error")
		}
		if embedder.faceCalls != 0 {
			t.Error("detector should not be called for undecodable images")
		}
	})
}
