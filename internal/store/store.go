// Package store persists documents and users. Two backends implement Store:
// PostgresStore and MongoStore.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, docID string) (Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	ListOwnedBy(ctx context.Context, userID string) ([]Document, error)
	ListInvited(ctx context.Context, email string) ([]Document, error)
	ListCollaborating(ctx context.Context, userID string) ([]Document, error)
	ApplyUpdate(ctx context.Context, docID string, patch DocumentPatch, updated time.Time) (Document, error)
	SetAccess(ctx context.Context, docID string, invited, collaborators []string) (Document, error)
	DeleteDocument(ctx context.Context, docID string) (int64, error)
	ResetDocuments(ctx context.Context, seeds []Document) error
	SearchDocuments(ctx context.Context, text string, limit int) ([]Document, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) (int64, error)
	ClearUsers(ctx context.Context) error
}

type Store interface {
	DocumentStore
	UserStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MongoStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
