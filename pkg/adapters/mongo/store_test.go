package mongo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/ports"
)

var (
	testMongoClient *mongo.Client
	setupOnce       sync.Once
	skipMongoTests  bool
)

func setupMongoDB() {
	ctx := context.Background()

	var (
		container    testcontainers.Container
		containerErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func getMongoStore(t *testing.T) *Store {
	t.Helper()
	setupOnce.Do(setupMongoDB)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	collection := testMongoClient.Database("waymark_test").Collection(name)
	require.NoError(t, collection.Drop(context.Background()))
	t.Cleanup(func() { _ = collection.Drop(context.Background()) })
	return New(collection)
}

func TestMongoStore_Contract(t *testing.T) {
	ports.RunSessionStoreContract(t, getMongoStore(t))
}

func TestMongoStore_DocumentKeepsNanoseconds(t *testing.T) {
	store := getMongoStore(t)
	ctx := context.Background()
	stamp := time.Date(2026, 5, 6, 7, 8, 9, 987654321, time.UTC)

	require.NoError(t, store.Save(ctx, domain.NewSession("ns", stamp)))

	var raw bson.M
	require.NoError(t, store.collection.FindOne(ctx, bson.M{"_id": "ns"}).Decode(&raw))
	assert.Equal(t, stamp.UnixNano(), raw["updated_at_ns"])
	assert.Equal(t, string(domain.StageInit), raw["current_stage"])

	removed, err := store.DeleteIfUnchanged(ctx, "ns", stamp.Truncate(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, removed, "millisecond precision must not match")
}

func TestMongoStore_BackupCollection(t *testing.T) {
	store := getMongoStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, domain.NewSession("a", time.Now())))

	name, err := store.Backup(ctx)
	require.NoError(t, err)
	backup := store.collection.Database().Collection(name)
	defer func() { _ = backup.Drop(ctx) }()

	n, err := backup.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMongoStore_RoundTripProperty(t *testing.T) {
	store := getMongoStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("save then load returns an equal session", prop.ForAll(
		func(id string, stage domain.Stage, nanos int64, refinements int) bool {
			s := domain.NewSession(id, time.Unix(0, nanos))
			s.Stage = stage
			s.Fields.RefinementCount = refinements
			if err := store.Save(ctx, s); err != nil {
				return false
			}
			loaded, err := store.Load(ctx, id)
			if err != nil {
				return false
			}
			return loaded.Stage == s.Stage &&
				loaded.Fields.RefinementCount == refinements &&
				loaded.CreatedAt.Equal(s.CreatedAt) &&
				loaded.UpdatedAt.Equal(s.UpdatedAt)
		},
		gen.Identifier(),
		genStage(),
		gen.Int64Range(0, 4102444800000000000),
		gen.IntRange(0, domain.DefaultMaxRefinements),
	))

	properties.TestingRun(t)
}

func genStage() gopter.Gen {
	stages := make([]any, len(domain.Stages))
	for i, s := range domain.Stages {
		stages[i] = s
	}
	return gen.OneConstOf(stages...)
}
