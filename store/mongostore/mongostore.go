// Package mongostore backs store.Store with MongoDB, grounded on
// features/session/mongo/clients/mongo/client.go's connect/ping/timeout
// conventions and features/run/mongo/search/repository.go's range-query
// style for PrefixIter. Each column family (spec.md §6) is one collection,
// named "shinkai_<cf>", holding documents shaped {_key, value}.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
)

const defaultOpTimeout = 5 * time.Second

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

type document struct {
	Key   string `bson:"_key"`
	Value []byte `bson:"value"`
}

// Store implements store.Store on top of a mongo-driver client.
type Store struct {
	db      *mongodriver.Database
	client  *mongodriver.Client
	timeout time.Duration
}

// New connects the column-family abstraction to opts.Client/opts.Database,
// mirroring the teacher's New(opts) constructors.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := opts.Client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "ping mongo", err)
	}
	return &Store{
		db:      opts.Client.Database(opts.Database),
		client:  opts.Client,
		timeout: timeout,
	}, nil
}

func (s *Store) collection(cf store.ColumnFamily) *mongodriver.Collection {
	return s.db.Collection("shinkai_" + string(cf))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) Put(ctx context.Context, cf store.ColumnFamily, key string, value []byte) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	coll := s.collection(cf)
	_, err := coll.ReplaceOne(opCtx,
		bson.M{"_key": key},
		document{Key: key, Value: value},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "put", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, cf store.ColumnFamily, key string) ([]byte, bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc document
	err := s.collection(cf).FindOne(opCtx, bson.M{"_key": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "get", err)
	}
	return doc.Value, true, nil
}

func (s *Store) Delete(ctx context.Context, cf store.ColumnFamily, key string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.collection(cf).DeleteOne(opCtx, bson.M{"_key": key}); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "delete", err)
	}
	return nil
}

// prefixUpperBound returns the smallest string greater than every string
// prefixed by prefix, by incrementing the last byte (standard range-scan
// trick for prefix queries over an ordered key space).
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "" // all 0xff: unbounded above
}

func (s *Store) PrefixIter(ctx context.Context, cf store.ColumnFamily, prefix string) ([]store.KV, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_key": bson.M{"$gte": prefix}}
	if upper := prefixUpperBound(prefix); upper != "" {
		filter = bson.M{"_key": bson.M{"$gte": prefix, "$lt": upper}}
	}
	cur, err := s.collection(cf).Find(opCtx, filter, options.Find().SetSort(bson.M{"_key": 1}))
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "prefix_iter", err)
	}
	defer cur.Close(opCtx)
	var out []store.KV
	for cur.Next(opCtx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode prefix_iter row", err)
		}
		out = append(out, store.KV{Key: doc.Key, Value: doc.Value})
	}
	if err := cur.Err(); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "prefix_iter cursor", err)
	}
	return out, nil
}

// WriteBatch applies every op inside a single Mongo transaction, satisfying
// the "atomic write_batch" contract (spec.md §4.C).
func (s *Store) WriteBatch(ctx context.Context, ops []store.WriteOp) error {
	session, err := s.client.StartSession()
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		for _, op := range ops {
			coll := s.collection(op.CF)
			if op.Delete {
				if _, err := coll.DeleteOne(sc, bson.M{"_key": op.Key}); err != nil {
					return nil, err
				}
				continue
			}
			_, err := coll.ReplaceOne(sc,
				bson.M{"_key": op.Key},
				document{Key: op.Key, Value: op.Value},
				options.Replace().SetUpsert(true),
			)
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "write_batch", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
