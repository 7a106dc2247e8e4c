//go:build integration

package trafficstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/illmade-knight/go-traffic/pkg/trafficstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	testPostgresImage = "postgres:16-alpine"
	testPostgresPort  = "5432"
)

// setupPostgres starts a disposable Postgres container and returns a migrated
// database handle with the production TranslateError configuration.
func setupPostgres(t *testing.T, ctx context.Context) *gorm.DB {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        testPostgresImage,
		ExposedPorts: []string{fmt.Sprintf("%s/tcp", testPostgresPort)},
		Env: map[string]string{
			"POSTGRES_USER":     "traffic",
			"POSTGRES_PASSWORD": "traffic",
			"POSTGRES_DB":       "traffic",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port(testPostgresPort))
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=traffic password=traffic dbname=traffic sslmode=disable", host, port.Port())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, trafficstore.Migrate(db))
	return db
}

// TestEntityResolver_ConcurrentFirstSightings exercises the conflict path the
// sqlite unit tests cannot: many goroutines racing to create the same
// district pair against a database that enforces the unique constraint.
func TestEntityResolver_ConcurrentFirstSightings(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(t, ctx)
	resolver := trafficstore.NewEntityResolver(db, zerolog.Nop())

	const goroutines = 10
	var wg sync.WaitGroup
	districtIDs := make([]uint, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			signaller, err := resolver.Resolve(ctx, "Istanbul", "Kadikoy", fmt.Sprintf("Road %d", idx))
			if err != nil {
				errs[idx] = err
				return
			}
			districtIDs[idx] = signaller.DistrictID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d failed to resolve", i)
	}
	for i := 1; i < goroutines; i++ {
		assert.Equal(t, districtIDs[0], districtIDs[i], "all resolutions must share one district")
	}

	var districtCount int64
	require.NoError(t, db.Model(&trafficstore.District{}).Count(&districtCount).Error)
	assert.EqualValues(t, 1, districtCount, "concurrent first sightings must not duplicate the district")
}

func TestDistrictUniqueConstraint_Postgres(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(t, ctx)

	require.NoError(t, db.Create(&trafficstore.District{CityName: "Istanbul", DistrictName: "Kadikoy"}).Error)
	err := db.Create(&trafficstore.District{CityName: "Istanbul", DistrictName: "Kadikoy"}).Error
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}
