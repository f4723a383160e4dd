package mongo

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mediagateway/internal/domain"
)

// Repository reads the clip catalog. Records are written by the catalog
// importer; Upsert exists for that side and for tests.
type Repository struct {
	collection *mongo.Collection
}

type clipDoc struct {
	ID       string `bson:"_id"`
	Channel  string `bson:"channel"`
	Show     string `bson:"show"`
	Title    string `bson:"title"`
	URL      string `bson:"url"`
	URLHD    string `bson:"urlHd,omitempty"`
	URLLow   string `bson:"urlLow,omitempty"`
	SizeHint int64  `bson:"sizeHint"`
	Airtime  int64  `bson:"airtime"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "channel", Value: 1}, {Key: "airtime", Value: -1}}},
		{Keys: bson.D{{Key: "show", Value: 1}}},
		{Keys: bson.D{{Key: "airtime", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *Repository) Upsert(ctx context.Context, clip domain.Clip) error {
	doc := toDoc(clip)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *Repository) Get(ctx context.Context, id domain.ClipID) (domain.Clip, error) {
	var doc clipDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Clip{}, domain.ErrNotFound
		}
		return domain.Clip{}, err
	}
	return fromDoc(doc), nil
}

func (r *Repository) GetMany(ctx context.Context, ids []domain.ClipID) ([]domain.Clip, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]string, 0, len(ids))
	for _, id := range ids {
		values = append(values, string(id))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": values}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []clipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func (r *Repository) List(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error) {
	cursor, err := r.collection.Find(ctx, listQuery(filter), listOptions(filter))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []clipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func listQuery(filter domain.ClipFilter) bson.M {
	query := bson.M{}
	if channel := strings.TrimSpace(filter.Channel); channel != "" {
		query["channel"] = channel
	}
	if show := strings.TrimSpace(filter.Show); show != "" {
		query["show"] = bson.M{
			"$regex":   "^" + regexp.QuoteMeta(show) + "$",
			"$options": "i",
		}
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		query["title"] = bson.M{
			"$regex":   regexp.QuoteMeta(search),
			"$options": "i",
		}
	}
	return query
}

func listOptions(filter domain.ClipFilter) *options.FindOptions {
	direction := -1
	if filter.SortOrder == domain.SortAsc {
		direction = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "airtime", Value: direction}, {Key: "_id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return opts
}

func toDoc(c domain.Clip) clipDoc {
	var airtime int64
	if !c.Airtime.IsZero() {
		airtime = c.Airtime.Unix()
	}
	return clipDoc{
		ID:       string(c.ID),
		Channel:  strings.TrimSpace(c.Channel),
		Show:     strings.TrimSpace(c.Show),
		Title:    strings.TrimSpace(c.Title),
		URL:      strings.TrimSpace(c.URL),
		URLHD:    strings.TrimSpace(c.URLHD),
		URLLow:   strings.TrimSpace(c.URLLow),
		SizeHint: c.SizeHint,
		Airtime:  airtime,
	}
}

func fromDoc(doc clipDoc) domain.Clip {
	return domain.Clip{
		ID:       domain.ClipID(doc.ID),
		Channel:  doc.Channel,
		Show:     doc.Show,
		Title:    doc.Title,
		URL:      doc.URL,
		URLHD:    doc.URLHD,
		URLLow:   doc.URLLow,
		SizeHint: doc.SizeHint,
		Airtime:  timeFromUnix(doc.Airtime),
	}
}

func fromDocs(docs []clipDoc) []domain.Clip {
	clips := make([]domain.Clip, 0, len(docs))
	for _, doc := range docs {
		clips = append(clips, fromDoc(doc))
	}
	return clips
}

func timeFromUnix(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}
