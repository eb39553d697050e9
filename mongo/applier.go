package mongo

import (
	"context"
	"fmt"

	"bigcartel/tomongo/changelog"

	"github.com/siddontang/go-log/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type InsertMode string

const (
	// InsertModeUpsert replaces by key for inserted rows too, so replays are harmless.
	InsertModeUpsert InsertMode = "upsert"
	// InsertModeInsert writes inserted rows with InsertOne; a replayed insert
	// fails with a duplicate key error if the key field has a unique index.
	InsertModeInsert InsertMode = "insert"
)

func ParseInsertMode(s string) (InsertMode, error) {
	switch InsertMode(s) {
	case InsertModeUpsert, InsertModeInsert:
		return InsertMode(s), nil
	default:
		return "", fmt.Errorf("unknown insert mode %q, expected upsert or insert", s)
	}
}

// Applier writes mutations to one collection, matching documents on KeyField.
type Applier struct {
	Collection *mongo.Collection
	KeyField   string
	InsertMode InsertMode
}

func NewApplier(collection *mongo.Collection, keyField string, mode InsertMode) *Applier {
	return &Applier{Collection: collection, KeyField: keyField, InsertMode: mode}
}

// Setup creates a unique index on the key field.
func (a *Applier) Setup(ctx context.Context) error {
	name, err := a.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: a.KeyField, Value: 1}},
		Options: options.Index().SetUnique(true).SetName(a.KeyField + "_unique"),
	})
	if err != nil {
		return &changelog.ApplyError{Op: "create index", Key: a.KeyField, Err: err}
	}

	log.Infof("unique index %s on %s.%s", name, a.Collection.Database().Name(), a.Collection.Name())
	return nil
}

func (a *Applier) filter(key interface{}) bson.D {
	return bson.D{{Key: a.KeyField, Value: key}}
}

func (a *Applier) Apply(ctx context.Context, m changelog.Mutation) error {
	switch v := m.(type) {
	case changelog.Upsert:
		if v.Insert && a.InsertMode == InsertModeInsert {
			res, err := a.Collection.InsertOne(ctx, v.Document)
			if err != nil {
				return &changelog.ApplyError{Op: "insert", Key: v.Key, Err: err}
			}
			log.Debugf("INSERT %s: %v _id %v", a.KeyField, v.Key, res.InsertedID)
			return nil
		}

		res, err := a.Collection.ReplaceOne(ctx, a.filter(v.Key), v.Document, options.Replace().SetUpsert(true))
		if err != nil {
			return &changelog.ApplyError{Op: "upsert", Key: v.Key, Err: err}
		}
		log.Debugf("UPSERT %s: %v (matched %d, upserted %v)", a.KeyField, v.Key, res.MatchedCount, res.UpsertedID)
	case changelog.DeleteByKey:
		res, err := a.Collection.DeleteOne(ctx, a.filter(v.Key))
		if err != nil {
			return &changelog.ApplyError{Op: "delete", Key: v.Key, Err: err}
		}
		log.Debugf("DELETE %s: %v (deleted %d)", a.KeyField, v.Key, res.DeletedCount)
	case changelog.Skip:
	default:
		return fmt.Errorf("unsupported mutation %T", m)
	}

	return nil
}
