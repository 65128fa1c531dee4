//go:build integration

package mariadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupMariaDB(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_ROOT_PASSWORD": "test",
			"MARIADB_DATABASE":      "photoprism",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "3306")
	dsn := fmt.Sprintf("root:test@tcp(%s:%s)/photoprism", host, port.Port())

	var pool *Pool
	for range 30 {
		if pool, err = NewPool(dsn); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to connect: %v", err)
	}

	return pool, func() {
		pool.Close()
		container.Terminate(ctx)
	}
}

func TestCatalog_PhotoPrismSchema(t *testing.T) {
	pool, cleanup := setupMariaDB(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE photos (id INT UNSIGNED PRIMARY KEY, photo_uid VARBINARY(42), photo_type VARBINARY(8),
			created_at DATETIME, deleted_at DATETIME NULL)`,
		`CREATE TABLE files (id INT UNSIGNED PRIMARY KEY AUTO_INCREMENT, photo_id INT UNSIGNED, file_name VARBINARY(1024),
			file_primary TINYINT(1), deleted_at DATETIME NULL)`,
		`INSERT INTO photos VALUES (1, 'pa', 'image', NOW(), NULL), (2, 'pb', 'video', NOW(), NULL),
			(3, 'pc', 'image', NOW(), NOW()), (4, 'pd', 'image', NOW(), NULL)`,
		`INSERT INTO files (photo_id, file_name, file_primary) VALUES (1, '2024/a.jpg', 1), (1, '2024/a.xmp', 0),
			(2, 'b.mp4', 1), (3, 'c.jpg', 1), (4, 'd.jpg', 1)`,
	} {
		if _, err := pool.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("Failed to set up schema: %v", err)
		}
	}

	catalog := NewCatalog(pool, "/originals")

	count, err := catalog.CountPhotos(ctx)
	if err != nil || count != 2 {
		t.Errorf("Expected 2 live images, got %d (err %v)", count, err)
	}

	photos, err := catalog.ListPhotosAfter(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Failed to list photos: %v", err)
	}
	if len(photos) != 1 || photos[0].ID != 4 || photos[0].Path != "/originals/d.jpg" {
		t.Errorf("Unexpected photos: %+v", photos)
	}

	photo, err := catalog.GetPhoto(ctx, 1)
	if err != nil || photo == nil || photo.UUID != "pa" {
		t.Errorf("Unexpected photo: %+v (err %v)", photo, err)
	}
	missing, err := catalog.GetPhoto(ctx, 3)
	if err != nil || missing != nil {
		t.Errorf("Expected deleted photo hidden, got %+v (err %v)", missing, err)
	}
}
