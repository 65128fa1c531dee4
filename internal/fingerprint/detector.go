// Package fingerprint turns photos into face descriptors using the external
// detection/embedding server.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

const (
	// duplicateIoU drops detections overlapping an earlier one this much
	duplicateIoU = 0.9
	// cropPadding expands face crops before the semantic descriptor is computed
	cropPadding = 0.2
)

// FaceEmbedder is the subset of EmbeddingClient the detector needs.
type FaceEmbedder interface {
	ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error)
	ComputeEmbedding(ctx context.Context, imageData []byte) ([]float32, error)
}

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	// DescriptorVersion tags every produced identity descriptor
	DescriptorVersion string
	// Semantic enables the semantic descriptor of each face crop
	Semantic bool
	// MaxImageSize bounds the longest side sent to the detector
	MaxImageSize int
}

// Detector runs face detection for one photo and returns unsaved face records.
type Detector struct {
	embedder FaceEmbedder
	opts     DetectorOptions
	readFile func(string) ([]byte, error)
}

// NewDetector creates a detector.
func NewDetector(embedder FaceEmbedder, opts DetectorOptions) *Detector {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = constants.MaxImageSize
	}
	return &Detector{embedder: embedder, opts: opts, readFile: os.ReadFile}
}

// DescriptorVersion returns the version tag written on produced faces.
func (d *Detector) DescriptorVersion() string {
	return d.opts.DescriptorVersion
}

// Detect reads the photo at path and returns one StoredFace per detection,
// with bounding boxes in original image pixels. Detections without an identity
// descriptor are dropped.
func (d *Detector) Detect(ctx context.Context, path string) ([]database.StoredFace, error) {
	data, err := d.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	return d.DetectImage(ctx, data)
}

// DetectImage is Detect for already loaded image bytes.
func (d *Detector) DetectImage(ctx context.Context, data []byte) ([]database.StoredFace, error) {
	prepared, err := PrepareImage(data, d.opts.MaxImageSize)
	if err != nil {
		return nil, err
	}

	resp, err := d.embedder.ComputeFaceEmbeddings(ctx, prepared.Data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	detections := make([]FaceDetection, 0, len(resp.Faces))
	for _, det := range resp.Faces {
		if len(det.Embedding) == 0 || len(det.BBox) != 4 {
			continue
		}
		detections = append(detections, det)
	}

	bboxes := make([][]float64, len(detections))
	for i, det := range detections {
		bboxes[i] = det.BBox
	}
	keep := facematch.DedupeBBoxes(bboxes, duplicateIoU)

	faces := make([]database.StoredFace, 0, len(keep))
	for _, i := range keep {
		det := detections[i]
		face := database.StoredFace{
			FaceIndex:         len(faces),
			BBox:              facematch.ScaleBBox(det.BBox, prepared.Scale),
			Confidence:        det.DetScore,
			Embedding:         det.Embedding,
			Dim:               len(det.Embedding),
			DescriptorVersion: d.opts.DescriptorVersion,
		}

		if d.opts.Semantic {
			semantic, err := d.semanticDescriptor(ctx, prepared, det.BBox)
			switch {
			case err == nil:
				face.SemanticEmbedding = semantic
				face.SemanticDim = len(semantic)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil, err
			case !errors.Is(err, errCropTooSmall):
				log.Printf("Detector: semantic descriptor for face %d failed: %v", face.FaceIndex, err)
			}
		}

		faces = append(faces, face)
	}

	return faces, nil
}

func (d *Detector) semanticDescriptor(ctx context.Context, prepared *PreparedImage, bbox []float64) ([]float32, error) {
	crop, err := CropFace(prepared.Image, bbox, cropPadding, constants.MinFaceCropSize)
	if err != nil {
		return nil, err
	}
	return d.embedder.ComputeEmbedding(ctx, crop)
}
