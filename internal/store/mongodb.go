package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	documentsCollection = "entries"
	usersCollection     = "users"
)

// MongoStore keeps documents the way the editor clients have always seen
// them: doc_id is the last six hex characters of the ObjectID, and owner and
// collaborators are stored as ObjectIDs when they parse as one.
type MongoStore struct {
	client   *mongo.Client
	database string
}

type mongoComment struct {
	ID      string    `bson:"id"`
	Content string    `bson:"content"`
	User    string    `bson:"user"`
	Created time.Time `bson:"created"`
}

type mongoDocument struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	DocID         string             `bson:"doc_id"`
	Title         string             `bson:"title"`
	Content       string             `bson:"content"`
	Type          string             `bson:"type"`
	Owner         any                `bson:"owner,omitempty"`
	Invited       []string           `bson:"invited"`
	Collaborators []any              `bson:"collaborators"`
	Comments      []mongoComment     `bson:"comments"`
	Created       time.Time          `bson:"created"`
	Updated       time.Time          `bson:"updated"`
}

type mongoUser struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Email    string             `bson:"email"`
	Password string             `bson:"password"`
	Created  time.Time          `bson:"created"`
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	const op = "store.mongodb.New"

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &MongoStore{client: client, database: database}, nil
}

func (s *MongoStore) documents() *mongo.Collection {
	return s.client.Database(s.database).Collection(documentsCollection)
}

func (s *MongoStore) users() *mongo.Collection {
	return s.client.Database(s.database).Collection(usersCollection)
}

// EnsureIndexes creates the unique indexes both collections rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	const op = "store.mongodb.EnsureIndexes"

	_, err := s.documents().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "doc_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "invited", Value: 1}}},
		{Keys: bson.D{{Key: "collaborators", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("%s: documents: %w", op, err)
	}
	_, err = s.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%s: users: %w", op, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *MongoStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	const op = "store.mongodb.CreateDocument"

	doc = normalizeDocument(doc)
	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		record := toMongoDocument(doc)
		record.ID = primitive.NewObjectID()
		record.DocID = shortObjectID(record.ID)
		record.Created = now
		record.Updated = now

		_, err := s.documents().InsertOne(ctx, record)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return Document{}, fmt.Errorf("%s: %w", op, err)
		}
		return fromMongoDocument(record), nil
	}
	return Document{}, fmt.Errorf("%s: %w", op, ErrConflict)
}

func (s *MongoStore) GetDocument(ctx context.Context, docID string) (Document, error) {
	const op = "store.mongodb.GetDocument"

	var record mongoDocument
	err := s.documents().FindOne(ctx, bson.M{"doc_id": docID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromMongoDocument(record), nil
}

func (s *MongoStore) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.findDocuments(ctx, "store.mongodb.ListDocuments", bson.M{}, nil)
}

func (s *MongoStore) ListOwnedBy(ctx context.Context, userID string) ([]Document, error) {
	return s.findDocuments(ctx, "store.mongodb.ListOwnedBy", bson.M{"owner": bson.M{"$in": idForms(userID)}}, nil)
}

func (s *MongoStore) ListInvited(ctx context.Context, email string) ([]Document, error) {
	return s.findDocuments(ctx, "store.mongodb.ListInvited", bson.M{"invited": email}, nil)
}

func (s *MongoStore) ListCollaborating(ctx context.Context, userID string) ([]Document, error) {
	return s.findDocuments(ctx, "store.mongodb.ListCollaborating", bson.M{"collaborators": bson.M{"$in": idForms(userID)}}, nil)
}

func (s *MongoStore) SearchDocuments(ctx context.Context, text string, limit int) ([]Document, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Document{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(text), Options: "i"}
	filter := bson.M{"$or": bson.A{
		bson.M{"title": pattern},
		bson.M{"content": pattern},
	}}
	return s.findDocuments(ctx, "store.mongodb.SearchDocuments", filter, options.Find().SetLimit(int64(limit)))
}

func (s *MongoStore) ApplyUpdate(ctx context.Context, docID string, patch DocumentPatch, updated time.Time) (Document, error) {
	set := bson.M{"updated": updated.UTC()}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Content != nil {
		set["content"] = *patch.Content
	}
	if patch.Comments != nil {
		set["comments"] = toMongoComments(*patch.Comments)
	}
	return s.updateOne(ctx, "store.mongodb.ApplyUpdate", docID, set)
}

func (s *MongoStore) SetAccess(ctx context.Context, docID string, invited, collaborators []string) (Document, error) {
	native := make([]any, 0, len(collaborators))
	for _, id := range collaborators {
		native = append(native, nativeID(id))
	}
	set := bson.M{
		"invited":       nonNilStrings(invited),
		"collaborators": native,
	}
	return s.updateOne(ctx, "store.mongodb.SetAccess", docID, set)
}

func (s *MongoStore) DeleteDocument(ctx context.Context, docID string) (int64, error) {
	const op = "store.mongodb.DeleteDocument"

	result, err := s.documents().DeleteOne(ctx, bson.M{"doc_id": docID})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) ResetDocuments(ctx context.Context, seeds []Document) error {
	const op = "store.mongodb.ResetDocuments"

	if _, err := s.documents().DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, seed := range seeds {
		if _, err := s.CreateDocument(ctx, seed); err != nil {
			return fmt.Errorf("%s: seed %q: %w", op, seed.Title, err)
		}
	}
	return nil
}

func (s *MongoStore) CreateUser(ctx context.Context, user User) (User, error) {
	const op = "store.mongodb.CreateUser"

	record := mongoUser{
		ID:       primitive.NewObjectID(),
		Email:    user.Email,
		Password: user.PasswordHash,
		Created:  time.Now().UTC(),
	}
	if _, err := s.users().InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromMongoUser(record), nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx, "store.mongodb.GetUserByEmail", bson.M{"email": email})
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (User, error) {
	objectID, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return User{}, ErrNotFound
	}
	return s.findUser(ctx, "store.mongodb.GetUserByID", bson.M{"_id": objectID})
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	const op = "store.mongodb.ListUsers"

	cursor, err := s.users().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var records []mongoUser
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, fromMongoUser(record))
	}
	return users, nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id string) (int64, error) {
	const op = "store.mongodb.DeleteUser"

	objectID, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return 0, nil
	}
	result, err := s.users().DeleteOne(ctx, bson.M{"_id": objectID})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) ClearUsers(ctx context.Context) error {
	if _, err := s.users().DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("store.mongodb.ClearUsers: %w", err)
	}
	return nil
}

func (s *MongoStore) updateOne(ctx context.Context, op, docID string, set bson.M) (Document, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var record mongoDocument
	err := s.documents().FindOneAndUpdate(ctx, bson.M{"doc_id": docID}, bson.M{"$set": set}, opts).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromMongoDocument(record), nil
}

func (s *MongoStore) findDocuments(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]Document, error) {
	if opts == nil {
		opts = options.Find()
	}
	opts.SetSort(bson.D{{Key: "updated", Value: -1}})

	cursor, err := s.documents().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var records []mongoDocument
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	docs := make([]Document, 0, len(records))
	for _, record := range records {
		docs = append(docs, fromMongoDocument(record))
	}
	return docs, nil
}

func (s *MongoStore) findUser(ctx context.Context, op string, filter bson.M) (User, error) {
	var record mongoUser
	err := s.users().FindOne(ctx, filter).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromMongoUser(record), nil
}

func toMongoDocument(doc Document) mongoDocument {
	collaborators := make([]any, 0, len(doc.Collaborators))
	for _, id := range doc.Collaborators {
		collaborators = append(collaborators, nativeID(id))
	}
	var owner any
	if doc.Owner != "" {
		owner = nativeID(doc.Owner)
	}
	return mongoDocument{
		DocID:         doc.DocID,
		Title:         doc.Title,
		Content:       doc.Content,
		Type:          string(doc.Type),
		Owner:         owner,
		Invited:       nonNilStrings(doc.Invited),
		Collaborators: collaborators,
		Comments:      toMongoComments(doc.Comments),
		Created:       doc.Created,
		Updated:       doc.Updated,
	}
}

func fromMongoDocument(record mongoDocument) Document {
	collaborators := make([]string, 0, len(record.Collaborators))
	for _, value := range record.Collaborators {
		collaborators = append(collaborators, idString(value))
	}
	comments := make([]Comment, 0, len(record.Comments))
	for _, c := range record.Comments {
		comments = append(comments, Comment{ID: CommentID(c.ID), Content: c.Content, User: c.User, Created: c.Created})
	}
	return normalizeDocument(Document{
		ID:            record.ID.Hex(),
		DocID:         record.DocID,
		Title:         record.Title,
		Content:       record.Content,
		Type:          DocType(record.Type),
		Owner:         idString(record.Owner),
		Invited:       record.Invited,
		Collaborators: collaborators,
		Comments:      comments,
		Created:       record.Created,
		Updated:       record.Updated,
	})
}

func toMongoComments(comments []Comment) []mongoComment {
	out := make([]mongoComment, 0, len(comments))
	for _, c := range comments {
		out = append(out, mongoComment{ID: string(c.ID), Content: c.Content, User: c.User, Created: c.Created})
	}
	return out
}

func fromMongoUser(record mongoUser) User {
	return User{
		ID:           record.ID.Hex(),
		Email:        record.Email,
		PasswordHash: record.Password,
		Created:      record.Created,
	}
}

// nativeID stores identifiers that parse as an ObjectID in their structured
// form and everything else as a plain string.
func nativeID(id string) any {
	id = strings.TrimSpace(id)
	if objectID, err := primitive.ObjectIDFromHex(id); err == nil {
		return objectID
	}
	return id
}

// idForms matches a user id in either representation.
func idForms(id string) bson.A {
	forms := bson.A{id}
	if objectID, err := primitive.ObjectIDFromHex(strings.TrimSpace(id)); err == nil {
		forms = append(forms, objectID)
	}
	return forms
}

func idString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func shortObjectID(id primitive.ObjectID) string {
	hex := id.Hex()
	return hex[len(hex)-6:]
}
