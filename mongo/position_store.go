package mongo

import (
	"context"
	"time"

	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/consts"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const StateCollection = consts.StateTableName

type positionDoc struct {
	Key       string    `bson:"_id"`
	LogFile   string    `bson:"log_file"`
	LogPos    int64     `bson:"log_pos"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// PositionStore keeps one document per position key in the state collection
// of the target database.
type PositionStore struct {
	Collection *mongo.Collection
	Key        string
}

func NewPositionStore(db *mongo.Database, key string) *PositionStore {
	return &PositionStore{Collection: db.Collection(StateCollection), Key: key}
}

func (s *PositionStore) Load(ctx context.Context) (changelog.Coordinate, bool, error) {
	var doc positionDoc

	err := s.Collection.FindOne(ctx, bson.D{{Key: "_id", Value: s.Key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return changelog.Coordinate{}, false, nil
	} else if err != nil {
		return changelog.Coordinate{}, false, errors.Wrapf(err, "reading position %s", s.Key)
	}

	return changelog.Coordinate{File: doc.LogFile, Offset: uint64(doc.LogPos)}, true, nil
}

func (s *PositionStore) Save(ctx context.Context, c changelog.Coordinate) error {
	doc := positionDoc{
		Key:       s.Key,
		LogFile:   c.File,
		LogPos:    int64(c.Offset),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.Collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: s.Key}}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "saving position %s", s.Key)
}
