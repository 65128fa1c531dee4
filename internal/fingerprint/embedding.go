package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultEmbeddingURL = "http://localhost:8000"

	faceEndpoint  = "/embed/face"
	imageEndpoint = "/embed/image"

	// maxErrorBody bounds how much of a failed response is read for the error message
	maxErrorBody = 4 << 10
)

// EmbeddingClient calls the external detection service. It exposes two
// endpoints: identity descriptors for every detected face and a semantic
// descriptor for a whole image (used on face crops).
type EmbeddingClient struct {
	baseURL string
	http    *http.Client
}

// NewEmbeddingClient creates a client for baseURL. A zero timeout means no client-side limit.
func NewEmbeddingClient(baseURL string, timeout time.Duration) *EmbeddingClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &EmbeddingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// FaceDetection is one face found by the service.
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // x1, y1, x2, y2 in pixels of the submitted image
	DetScore  float64   `json:"det_score"`
}

// FaceResponse is the result of a face detection call.
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

type imageEmbedding struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// ComputeFaceEmbeddings detects faces in an encoded image.
func (c *EmbeddingClient) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	var out FaceResponse
	if err := c.upload(ctx, faceEndpoint, imageData, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ComputeEmbedding returns the semantic descriptor of an encoded image.
func (c *EmbeddingClient) ComputeEmbedding(ctx context.Context, imageData []byte) ([]float32, error) {
	var out imageEmbedding
	if err := c.upload(ctx, imageEndpoint, imageData, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return out.Embedding, nil
}

// upload sends imageData as the multipart "file" field and decodes the JSON answer into out.
func (c *EmbeddingClient) upload(ctx context.Context, endpoint string, imageData []byte, out any) error {
	body, contentType, err := multipartImage(imageData)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, firstLine(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return nil
}

func multipartImage(imageData []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	header.Set("Content-Type", detectMIMEType(imageData))
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, "", fmt.Errorf("failed to write image data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// detectMIMEType sniffs the image format. Anything that is not an image is
// sent as application/octet-stream and left to the service to reject.
func detectMIMEType(data []byte) string {
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "application/octet-stream"
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
