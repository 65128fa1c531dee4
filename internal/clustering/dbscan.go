// Package clustering groups unassigned face descriptors into persons.
package clustering

import (
	"context"
	"sort"
	"sync"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/vector"
)

// Params are the density parameters of DBSCAN.
type Params struct {
	// Epsilon is the minimum cosine similarity for two faces to be neighbors
	Epsilon float64
	// MinPoints is the minimum neighborhood size (the face itself included) of a core face
	MinPoints int
	// MinClusterSize discards smaller clusters as noise
	MinClusterSize int
}

// Cluster is one dense group of faces.
type Cluster struct {
	ID       int     `json:"id"`
	FaceIDs  []int64 `json:"face_ids"`
	Size     int     `json:"size"`
	Cohesion float64 `json:"cohesion"` // mean similarity to the cluster centroid
}

// Result is the partition produced by DBSCAN.
type Result struct {
	Clusters []Cluster `json:"clusters"`
	Noise    []int64   `json:"noise"`
	// Skipped counts faces whose descriptor version or dimension differs
	Skipped int `json:"skipped"`
}

const (
	unvisited = 0
	noise     = -1
)

// DBSCAN clusters the faces whose descriptors match version and dim.
// Faces are processed in id order, so a fixed input always yields the same partition.
func DBSCAN(ctx context.Context, faces []database.StoredFace, version string, dim int, params Params) (*Result, error) {
	points := make([]database.StoredFace, 0, len(faces))
	skipped := 0
	for _, f := range faces {
		if !usable(f, version, dim) {
			skipped++
			continue
		}
		points = append(points, f)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })

	neighbors, err := computeNeighbors(ctx, points, params.Epsilon)
	if err != nil {
		return nil, err
	}

	labels := make([]int, len(points))
	clusterID := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		if len(neighbors[i]) < params.MinPoints {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID
		seeds := append([]int(nil), neighbors[i]...)
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == noise {
				labels[j] = clusterID // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID
			if len(neighbors[j]) >= params.MinPoints {
				seeds = append(seeds, neighbors[j]...)
			}
		}
	}

	return buildResult(points, labels, clusterID, params.MinClusterSize, skipped), nil
}

// computeNeighbors returns, for every point, the indexes of all points
// (itself included) with similarity >= epsilon, in ascending order.
func computeNeighbors(ctx context.Context, points []database.StoredFace, epsilon float64) ([][]int, error) {
	neighbors := make([][]int, len(points))

	sem := make(chan struct{}, constants.WorkerPoolSize)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i := range points {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var list []int
			for j := range points {
				if i == j {
					list = append(list, j)
					continue
				}
				sim, err := vector.Similarity(points[i].Embedding, points[j].Embedding)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				if sim >= epsilon {
					list = append(list, j)
				}
			}
			neighbors[i] = list
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return neighbors, nil
}

func buildResult(points []database.StoredFace, labels []int, clusters, minSize, skipped int) *Result {
	members := make([][]int, clusters+1)
	for i, label := range labels {
		if label > 0 {
			members[label] = append(members[label], i)
		}
	}

	result := &Result{Skipped: skipped, Clusters: []Cluster{}, Noise: []int64{}}
	for i, label := range labels {
		if label == noise {
			result.Noise = append(result.Noise, points[i].ID)
		}
	}

	for label := 1; label <= clusters; label++ {
		idx := members[label]
		if len(idx) < minSize {
			for _, i := range idx {
				result.Noise = append(result.Noise, points[i].ID)
			}
			continue
		}

		cluster := Cluster{ID: len(result.Clusters) + 1, Size: len(idx)}
		vectors := make([][]float32, len(idx))
		for k, i := range idx {
			cluster.FaceIDs = append(cluster.FaceIDs, points[i].ID)
			vectors[k] = points[i].Embedding
		}
		cluster.Cohesion = cohesion(vectors)
		result.Clusters = append(result.Clusters, cluster)
	}

	sort.Slice(result.Noise, func(i, j int) bool { return result.Noise[i] < result.Noise[j] })
	return result
}

func cohesion(vectors [][]float32) float64 {
	centroid, err := vector.Centroid(vectors)
	if err != nil {
		return 0
	}
	var sum float64
	for _, v := range vectors {
		sim, err := vector.Similarity(centroid, v)
		if err != nil {
			return 0
		}
		sum += sim
	}
	return sum / float64(len(vectors))
}

// usable reports whether the face has a non-zero descriptor of the given version and dimension.
func usable(f database.StoredFace, version string, dim int) bool {
	if !f.Comparable(version, dim) {
		return false
	}
	_, err := vector.Normalize(f.Embedding)
	return err == nil
}
