package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/kozaktomas/face-clusterer/internal/facematch"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// errCropTooSmall is returned when a face crop is below the minimum size.
var errCropTooSmall = errors.New("face crop too small")

// PreparedImage is an image ready to be sent to the detector.
type PreparedImage struct {
	Data  []byte      // encoded bytes sent to the detector
	Image image.Image // decoded (possibly downscaled) image
	Scale float64     // factor mapping detector pixels back to original pixels
}

// PrepareImage decodes data and downscales it to fit within maxSize.
// Images that already fit are sent unchanged with Scale 1.
func PrepareImage(data []byte, maxSize int) (*PreparedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return &PreparedImage{Data: data, Image: img, Scale: 1}, nil
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = int(float64(height) * float64(maxSize) / float64(width))
	} else {
		newHeight = maxSize
		newWidth = int(float64(width) * float64(maxSize) / float64(height))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	encoded, err := encodeJPEG(resized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}

	return &PreparedImage{
		Data:  encoded,
		Image: resized,
		Scale: float64(width) / float64(newWidth),
	}, nil
}

// ResizeImage resizes an image to fit within maxSize while keeping aspect ratio.
// Returns JPEG-encoded bytes, or data unchanged when no resize is needed.
func ResizeImage(data []byte, maxSize int) ([]byte, error) {
	prepared, err := PrepareImage(data, maxSize)
	if err != nil {
		return nil, err
	}
	return prepared.Data, nil
}

// CropFace cuts the bbox (expanded by padding of its size on every side) out of img.
// Returns JPEG-encoded bytes. Crops smaller than minSize on either side are rejected.
func CropFace(img image.Image, bbox []float64, padding float64, minSize int) ([]byte, error) {
	rect := facematch.ClampBBox(facematch.ExpandBBox(bbox, padding), img.Bounds())
	if rect.Dx() < minSize || rect.Dy() < minSize {
		return nil, fmt.Errorf("%w: %dx%d", errCropTooSmall, rect.Dx(), rect.Dy())
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(crop, image.Point{}, img, rect, draw.Src, nil)

	return encodeJPEG(crop)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
