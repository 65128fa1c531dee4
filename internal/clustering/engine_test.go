package clustering

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mock"
)

func testConfig() config.ClusteringConfig {
	return config.ClusteringConfig{
		Clustering: config.DBSCANConfig{Epsilon: 0.6, MinPoints: 2, MinClusterSize: 2, AutoNamePrefix: "Person"},
		Matching:   config.MatchingConfig{AcceptThreshold: 0.8, ReviewThreshold: 0.6, ReviewQueueSize: 10},
		Descriptors: config.DescriptorsConfig{
			Version:     testVersion,
			IdentityDim: testDim,
		},
	}
}

func newTestEngine(faces ...database.StoredFace) (*Engine, *mock.MockStore) {
	store := mock.NewMockStore()
	for _, f := range faces {
		store.AddFace(f)
	}
	return NewEngine(store, store, testConfig()), store
}

func TestEngine_AutoMatch_CreatesPersons(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(twoGroups()...)

	result, err := engine.AutoMatch(ctx)
	if err != nil {
		t.Fatalf("AutoMatch() error = %v", err)
	}
	if len(result.NewPersons) != 2 {
		t.Fatalf("created %d persons, want 2", len(result.NewPersons))
	}
	if result.NewPersons[0].Name != "Person 1" || result.NewPersons[1].Name != "Person 2" {
		t.Errorf("names = %q, %q", result.NewPersons[0].Name, result.NewPersons[1].Name)
	}
	for _, p := range result.NewPersons {
		if !p.AutoNamed {
			t.Errorf("person %q should be auto-named", p.Name)
		}
		faces, _ := store.GetFacesByPerson(ctx, p.ID)
		if len(faces) != 5 {
			t.Errorf("person %q has %d faces, want 5", p.Name, len(faces))
		}
	}
	if n, _ := store.CountUnassigned(ctx); n != 0 {
		t.Errorf("unassigned = %d, want 0", n)
	}

	// nothing left to do on a second run
	again, err := engine.AutoMatch(ctx)
	if err != nil {
		t.Fatalf("second AutoMatch() error = %v", err)
	}
	if len(again.NewPersons) != 0 || again.Matched != 0 {
		t.Errorf("second run = %+v, want no changes", again)
	}
	if n, _ := store.CountPersons(ctx); n != 2 {
		t.Errorf("persons = %d, want 2", n)
	}
}

func TestEngine_AutoMatch_AcceptReviewAndNumbering(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(
		face(1, 1, 0, 0, 0),
		face(2, 1, 0.1, 0, 0),
		face(3, 0, 0, 0, 1),
		face(4, 0, 0, 0.1, 1),
	)
	alice, err := store.CreatePersonWithFaces(ctx, "Alice", false, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreatePersonWithFaces(ctx, "Person 7", true, []int64{3, 4}); err != nil {
		t.Fatal(err)
	}

	accepted := store.AddFace(face(0, 1, 0.05, 0, 0))
	review := store.AddFace(face(0, 1, 1, 0, 0))
	store.AddFace(face(0, 0, 1, 0, 0))
	store.AddFace(face(0, 0, 1, 0.1, 0))

	result, err := engine.AutoMatch(ctx)
	if err != nil {
		t.Fatalf("AutoMatch() error = %v", err)
	}
	if result.Matched != 1 {
		t.Errorf("Matched = %d, want 1", result.Matched)
	}
	if f, _ := store.GetFace(ctx, accepted); f.PersonID != alice.ID {
		t.Errorf("accepted face person = %d, want %d", f.PersonID, alice.ID)
	}

	items := engine.ReviewQueue()
	if len(items) != 1 || items[0].FaceID != review || items[0].PersonID != alice.ID {
		t.Fatalf("review queue = %+v, want face %d for Alice", items, review)
	}
	if items[0].Similarity < 0.6 || items[0].Similarity >= 0.8 {
		t.Errorf("review similarity = %v, want in [0.6, 0.8)", items[0].Similarity)
	}
	if f, _ := store.GetFace(ctx, review); f.HasPerson() {
		t.Error("face queued for review must stay unassigned")
	}

	if len(result.NewPersons) != 1 || result.NewPersons[0].Name != "Person 8" {
		t.Fatalf("new persons = %+v, want Person 8", result.NewPersons)
	}

	// confirming the review removes it from the queue
	if _, err := engine.AssignToPerson(ctx, []int64{review}, alice.ID); err != nil {
		t.Fatalf("AssignToPerson() error = %v", err)
	}
	if got := engine.ReviewQueue(); len(got) != 0 {
		t.Errorf("review queue = %+v, want empty", got)
	}
}

func TestEngine_CreatePersonFromCluster(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(twoGroups()...)
	if _, err := store.CreatePersonWithFaces(ctx, "Jiří Novák", false, []int64{10}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		faceIDs []int64
		input   string
		wantErr error
	}{
		{name: "empty name", faceIDs: []int64{1}, input: "   ", wantErr: ErrInvalidName},
		{name: "duplicate ignoring case and diacritics", faceIDs: []int64{1}, input: "jiri  novak", wantErr: ErrInvalidName},
		{name: "no faces", input: "Eva", wantErr: ErrEmptySelection},
		{name: "unknown faces", faceIDs: []int64{999991, 999992}, input: "Alice", wantErr: database.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CreatePersonFromCluster(ctx, tt.faceIDs, tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n, _ := store.CountPersons(ctx); n != 1 {
		t.Errorf("persons after rejected creates = %d, want 1", n)
	}

	person, err := engine.CreatePersonFromCluster(ctx, []int64{1, 2, 3}, "  Eva   Svobodová ")
	if err != nil {
		t.Fatalf("CreatePersonFromCluster() error = %v", err)
	}
	if person.Name != "Eva Svobodová" || person.AutoNamed {
		t.Errorf("person = %+v", person)
	}
	if got, _ := store.GetPerson(ctx, person.ID); got.FaceCount != 3 {
		t.Errorf("FaceCount = %d, want 3", got.FaceCount)
	}
}

func TestEngine_MergeAndUnmatch(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(twoGroups()...)
	a, _ := store.CreatePersonWithFaces(ctx, "A", false, []int64{1, 2})
	b, _ := store.CreatePersonWithFaces(ctx, "B", false, []int64{3})

	if _, err := engine.MergePersons(ctx, a.ID, a.ID); !errors.Is(err, ErrSamePerson) {
		t.Errorf("merge into self error = %v, want ErrSamePerson", err)
	}

	merged, err := engine.MergePersons(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("MergePersons() error = %v", err)
	}
	if merged.MovedFaces != 1 || merged.Target.FaceCount != 3 {
		t.Errorf("merge = moved %d, count %d; want 1, 3", merged.MovedFaces, merged.Target.FaceCount)
	}
	if p, _ := store.GetPerson(ctx, b.ID); p != nil {
		t.Error("source person should be deleted")
	}

	prev, err := engine.UnmatchFace(ctx, 3)
	if err != nil || prev != a.ID {
		t.Fatalf("UnmatchFace() = %d, %v; want %d", prev, err, a.ID)
	}
	for _, id := range []int64{1, 2} {
		if _, err := engine.UnmatchFace(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if p, _ := store.GetPerson(ctx, a.ID); p != nil {
		t.Error("person without faces should be cleaned up")
	}

	if _, err := engine.UnmatchFace(ctx, 999); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("unmatch missing face error = %v, want ErrNotFound", err)
	}
}

func TestEngine_FindSimilar(t *testing.T) {
	ctx := context.Background()
	old := face(11, 1, 0, 0, 0)
	old.DescriptorVersion = "old"
	engine, _ := newTestEngine(append(twoGroups(), old)...)

	similar, err := engine.FindSimilar(ctx, 1, 10, 0.6)
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(similar) != 4 {
		t.Fatalf("got %d similar faces, want 4", len(similar))
	}
	for i, s := range similar {
		if s.Face.ID == 1 || s.Face.ID > 5 {
			t.Errorf("unexpected face %d", s.Face.ID)
		}
		if i > 0 && s.Similarity > similar[i-1].Similarity {
			t.Error("results must be ordered by similarity")
		}
	}

	limited, _ := engine.FindSimilar(ctx, 1, 2, 0.6)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d faces", len(limited))
	}

	if _, err := engine.FindSimilar(ctx, 404, 10, 0.6); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("missing face error = %v, want ErrNotFound", err)
	}
}

func TestEngine_UnnamedFaces(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(twoGroups()...)
	store.CreatePersonWithFaces(ctx, "A", false, []int64{1})

	page, err := engine.UnnamedFaces(ctx, 4, 0)
	if err != nil {
		t.Fatalf("UnnamedFaces() error = %v", err)
	}
	if page.Total != 9 || len(page.Faces) != 4 || page.Faces[0].ID != 2 {
		t.Errorf("page = total %d, %d faces, first %d", page.Total, len(page.Faces), page.Faces[0].ID)
	}
}

// Face counts must match the actual assignment after any sequence of operations.
func TestEngine_FaceCountInvariant(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(twoGroups()...)
	r := rand.New(rand.NewSource(7))

	names := 0
	for step := 0; step < 200; step++ {
		persons, _ := store.ListPersons(ctx)
		faceID := int64(r.Intn(10) + 1)

		switch op := r.Intn(4); {
		case op == 0 || len(persons) == 0:
			names++
			engine.CreatePersonFromCluster(ctx, []int64{faceID, int64(r.Intn(10) + 1)}, "Name "+string(rune('A'+names%26))+string(rune('a'+names/26)))
		case op == 1:
			engine.AssignToPerson(ctx, []int64{faceID}, persons[r.Intn(len(persons))].ID)
		case op == 2:
			engine.UnmatchFace(ctx, faceID)
		default:
			src, dst := persons[r.Intn(len(persons))], persons[r.Intn(len(persons))]
			engine.MergePersons(ctx, src.ID, dst.ID)
		}

		persons, _ = store.ListPersons(ctx)
		for _, p := range persons {
			faces, _ := store.GetFacesByPerson(ctx, p.ID)
			if p.FaceCount != len(faces) {
				t.Fatalf("step %d: person %d FaceCount = %d, actual %d", step, p.ID, p.FaceCount, len(faces))
			}
			if p.FaceCount == 0 {
				t.Fatalf("step %d: orphan person %d survived", step, p.ID)
			}
		}
	}
}
