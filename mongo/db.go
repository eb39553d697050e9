package mongo

import (
	"context"
	"math"
	"net"
	"reflect"
	"strconv"
	"time"

	"bigcartel/tomongo/changelog"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	// URI takes precedence over Host, Port, Username and Password.
	URI        string
	Host       string
	Port       uint16
	Username   string
	Password   string
	DbName     string
	Collection string
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func (c Config) clientOptions() *options.ClientOptions {
	opts := options.Client().SetRegistry(Registry()).SetConnectTimeout(10 * time.Second)

	if c.URI != "" {
		return opts.ApplyURI(c.URI)
	}

	opts = opts.ApplyURI("mongodb://" + c.Address())
	if c.Username != "" {
		opts = opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password})
	}

	return opts
}

type MongoDb struct {
	Client *mongo.Client
	Db     *mongo.Database
	Config Config
}

func EstablishMongoConnection(ctx context.Context, config Config) (MongoDb, error) {
	client, err := mongo.Connect(ctx, config.clientOptions())
	if err != nil {
		return MongoDb{}, errors.Wrap(err, "configuring mongodb client")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return MongoDb{}, &changelog.ConnectivityError{Component: "mongodb", Err: err}
	}

	return MongoDb{
		Client: client,
		Db:     client.Database(config.DbName),
		Config: config,
	}, nil
}

func (db MongoDb) Collection() *mongo.Collection {
	return db.Db.Collection(db.Config.Collection)
}

func (db MongoDb) Close(ctx context.Context) error {
	return db.Client.Disconnect(ctx)
}

var (
	tDecimal = reflect.TypeOf(decimal.Decimal{})
	tUint64  = reflect.TypeOf(uint64(0))
)

// Registry is the default bson registry plus encoders for the row values
// bson has no native type for: decimals become Decimal128 and unsigned
// 64 bit integers above math.MaxInt64 are stored as Decimal128 too.
func Registry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(tDecimal, bsoncodec.ValueEncoderFunc(encodeDecimal))
	reg.RegisterTypeEncoder(tUint64, bsoncodec.ValueEncoderFunc(encodeUint64))
	return reg
}

func encodeDecimal(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != tDecimal {
		return bsoncodec.ValueEncoderError{Name: "DecimalEncodeValue", Types: []reflect.Type{tDecimal}, Received: val}
	}

	d := val.Interface().(decimal.Decimal)

	d128, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return errors.Wrapf(err, "decimal %s does not fit Decimal128", d)
	}

	return vw.WriteDecimal128(d128)
}

func encodeUint64(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Kind() != reflect.Uint64 {
		return bsoncodec.ValueEncoderError{Name: "Uint64EncodeValue", Kinds: []reflect.Kind{reflect.Uint64}, Received: val}
	}

	u := val.Uint()
	if u <= math.MaxInt64 {
		return vw.WriteInt64(int64(u))
	}

	d128, err := primitive.ParseDecimal128(strconv.FormatUint(u, 10))
	if err != nil {
		return err
	}

	return vw.WriteDecimal128(d128)
}
