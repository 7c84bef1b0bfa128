package mongostore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/stretchr/testify/require"
)

// Grounded on registry/store/mongo/mongo_test.go's real mongo:7 container
// setup: docker is genuinely required here, so tests skip (not fail) when
// it isn't available rather than faking the dependency away.
var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", "rs0"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Logf("docker not available, skipping mongostore tests: %v", err)
		skipMongoTests = true
		return
	}
	testMongoContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		t.Logf("failed to get container host: %v", err)
		skipMongoTests = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		t.Logf("failed to get container port: %v", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Logf("failed to connect to mongo: %v", err)
		skipMongoTests = true
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		t.Logf("failed to ping mongo: %v", err)
		skipMongoTests = true
		return
	}

	// WriteBatch relies on multi-document transactions, which mongod only
	// supports once it's a (possibly single-node) replica set.
	if err := initiateReplicaSet(ctx, client); err != nil {
		t.Logf("failed to initiate replica set: %v", err)
		skipMongoTests = true
		return
	}
	testMongoClient = client
}

func initiateReplicaSet(ctx context.Context, client *mongo.Client) error {
	admin := client.Database("admin")
	_ = admin.RunCommand(ctx, bson.D{{Key: "replSetInitiate", Value: bson.M{}}}).Err()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		var result bson.M
		if err := admin.RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&result); err == nil {
			if primary, _ := result["ismaster"].(bool); primary {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("replica set did not reach primary state in time")
}

// newTestStore returns a Store backed by a fresh, dropped database named
// after the running test, skipping the test if Docker isn't reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB(t)
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping mongostore tests")
	}

	dbName := "shinkai_test_" + sanitizeDBName(t.Name())
	ctx := context.Background()
	require.NoError(t, testMongoClient.Database(dbName).Drop(ctx))
	t.Cleanup(func() { _ = testMongoClient.Database(dbName).Drop(context.Background()) })

	st, err := New(ctx, Options{Client: testMongoClient, Database: dbName})
	require.NoError(t, err)
	return st
}

func sanitizeDBName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(name)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, store.CFJobs, "job1", []byte("v1")))
	v, ok, err := s.Get(ctx, store.CFJobs, "job1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, store.CFJobs, "job1"))
	_, ok, err = s.Get(ctx, store.CFJobs, "job1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPrefixIterOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, store.CFVecFS, "alice|/docs/b", []byte("b")))
	require.NoError(t, s.Put(ctx, store.CFVecFS, "alice|/docs/a", []byte("a")))
	require.NoError(t, s.Put(ctx, store.CFVecFS, "bob|/docs/a", []byte("x")))

	kvs, err := s.PrefixIter(ctx, store.CFVecFS, "alice|")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "alice|/docs/a", kvs[0].Key)
	require.Equal(t, "alice|/docs/b", kvs[1].Key)
}

func TestPrefixIterOverDeletedPrefixIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, store.CFTools, "t1", []byte("v")))
	require.NoError(t, s.Delete(ctx, store.CFTools, "t1"))
	kvs, err := s.PrefixIter(ctx, store.CFTools, "t1")
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestWriteBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, store.CFIdentity, "code1", []byte("unused")))

	err := s.WriteBatch(ctx, []store.WriteOp{
		{CF: store.CFIdentity, Key: "code1", Delete: true},
		{CF: store.CFIdentity, Key: "code1-used", Value: []byte("yes")},
	})
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, store.CFIdentity, "code1")
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := s.Get(ctx, store.CFIdentity, "code1-used")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
}

func TestNewRejectsUnreachableClient(t *testing.T) {
	if skipMongoTests {
		t.Skip("Docker not available, skipping mongostore tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	require.NoError(t, err)
	_, err = New(ctx, Options{Client: client, Database: "shinkai_test_unreachable"})
	require.Error(t, err)
}
