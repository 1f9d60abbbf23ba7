package main

import (
	"context"
	"flag"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	mongostore "github.com/loomkit/loom/features/store/mongo"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/store/inmem"
	"github.com/loomkit/loom/kernel/store/jsonl"
)

// storeFlags selects the recording store backend: MongoDB when -mongo-uri is
// set, a JSONL directory when -data is set, in-memory otherwise.
type storeFlags struct {
	data     *string
	mongoURI *string
	mongoDB  *string
}

func addStoreFlags(fs *flag.FlagSet) *storeFlags {
	return &storeFlags{
		data:     fs.String("data", "", "JSONL store directory (in-memory when empty)"),
		mongoURI: fs.String("mongo-uri", "", "MongoDB connection URI (overrides -data)"),
		mongoDB:  fs.String("mongo-db", "loom", "MongoDB database name"),
	}
}

// open builds the store and returns a cleanup releasing its resources.
func (f *storeFlags) open(ctx context.Context) (store.Store, func(), error) {
	noop := func() {}
	switch {
	case *f.mongoURI != "":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(*f.mongoURI))
		if err != nil {
			return nil, noop, fmt.Errorf("connect mongo: %w", err)
		}
		st, err := mongostore.New(mongostore.Options{Client: client, Database: *f.mongoDB})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, noop, err
		}
		return st, func() { _ = client.Disconnect(context.Background()) }, nil
	case *f.data != "":
		st, err := jsonl.New(*f.data)
		if err != nil {
			return nil, noop, err
		}
		return st, noop, nil
	default:
		return inmem.New(), noop, nil
	}
}
