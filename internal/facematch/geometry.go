// Package facematch provides bounding-box geometry and person-name helpers
// shared between the detector, the clustering engine and the web handlers.
package facematch

import (
	"image"
	"math"
)

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// ConvertPixelBBoxToRelative converts pixel bbox to relative (0-1) coordinates.
// Input bbox is [x1, y1, x2, y2] in pixels, output is [x1, y1, x2, y2] in relative coords.
func ConvertPixelBBoxToRelative(bbox []float64, width, height int) []float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return bbox
	}
	return []float64{
		bbox[0] / float64(width),
		bbox[1] / float64(height),
		bbox[2] / float64(width),
		bbox[3] / float64(height),
	}
}

// ScaleBBox multiplies every coordinate by factor.
// Used to map detections on a downscaled image back to the original pixels.
func ScaleBBox(bbox []float64, factor float64) []float64 {
	if len(bbox) != 4 || factor <= 0 {
		return bbox
	}
	return []float64{bbox[0] * factor, bbox[1] * factor, bbox[2] * factor, bbox[3] * factor}
}

// ExpandBBox grows the box by ratio of its size on every side.
func ExpandBBox(bbox []float64, ratio float64) []float64 {
	if len(bbox) != 4 || ratio <= 0 {
		return bbox
	}
	dx := (bbox[2] - bbox[0]) * ratio
	dy := (bbox[3] - bbox[1]) * ratio
	return []float64{bbox[0] - dx, bbox[1] - dy, bbox[2] + dx, bbox[3] + dy}
}

// ClampBBox converts the box to an integer rectangle inside bounds.
// Returns an empty rectangle for malformed boxes or boxes outside bounds.
func ClampBBox(bbox []float64, bounds image.Rectangle) image.Rectangle {
	if len(bbox) != 4 {
		return image.Rectangle{}
	}
	r := image.Rect(
		int(math.Floor(bbox[0])),
		int(math.Floor(bbox[1])),
		int(math.Ceil(bbox[2])),
		int(math.Ceil(bbox[3])),
	)
	return r.Intersect(bounds)
}

// DedupeBBoxes returns the indexes of boxes to keep, dropping any box that
// overlaps an earlier kept box by more than maxIoU.
func DedupeBBoxes(bboxes [][]float64, maxIoU float64) []int {
	keep := make([]int, 0, len(bboxes))
	for i, b := range bboxes {
		duplicate := false
		for _, k := range keep {
			if ComputeIoU(b, bboxes[k]) > maxIoU {
				duplicate = true
				break
			}
		}
		if !duplicate {
			keep = append(keep, i)
		}
	}
	return keep
}
