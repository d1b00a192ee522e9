package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ssreditor/api/internal/util"
)

const documentColumns = `id, doc_id, title, content, type, owner_id, invited, collaborators, comments, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = normalizeDocument(doc)
	invited, collaborators, comments, err := marshalLists(doc)
	if err != nil {
		return Document{}, err
	}

	const query = `
		INSERT INTO documents (id, doc_id, title, content, type, owner_id, invited, collaborators, comments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $10)
		RETURNING ` + documentColumns

	now := time.Now().UTC()
	// doc_id is a six character suffix, so a collision is possible; retry
	// with a fresh identifier.
	for attempt := 0; attempt < 3; attempt++ {
		id := util.NewID("")
		row := s.db.QueryRowContext(ctx, query,
			id, util.ShortID(id), doc.Title, doc.Content, string(doc.Type), doc.Owner,
			invited, collaborators, comments, now,
		)
		created, err := scanDocument(row)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return Document{}, fmt.Errorf("insert document: %w", err)
		}
		return created, nil
	}
	return Document{}, fmt.Errorf("insert document: %w", ErrConflict)
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE doc_id=$1`, docID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, "list documents", `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
}

func (s *PostgresStore) ListOwnedBy(ctx context.Context, userID string) ([]Document, error) {
	return s.queryDocuments(ctx, "list owned documents",
		`SELECT `+documentColumns+` FROM documents WHERE owner_id=$1 ORDER BY updated_at DESC`, userID)
}

func (s *PostgresStore) ListInvited(ctx context.Context, email string) ([]Document, error) {
	return s.queryDocuments(ctx, "list invited documents",
		`SELECT `+documentColumns+` FROM documents WHERE invited @> jsonb_build_array($1::text) ORDER BY updated_at DESC`, email)
}

func (s *PostgresStore) ListCollaborating(ctx context.Context, userID string) ([]Document, error) {
	return s.queryDocuments(ctx, "list collaborator documents",
		`SELECT `+documentColumns+` FROM documents WHERE collaborators @> jsonb_build_array($1::text) ORDER BY updated_at DESC`, userID)
}

func (s *PostgresStore) SearchDocuments(ctx context.Context, text string, limit int) ([]Document, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Document{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(text) + "%"
	return s.queryDocuments(ctx, "search documents", `
		SELECT `+documentColumns+`
		FROM documents
		WHERE title ILIKE $1 OR content ILIKE $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, pattern, limit)
}

func (s *PostgresStore) ApplyUpdate(ctx context.Context, docID string, patch DocumentPatch, updated time.Time) (Document, error) {
	var comments any
	if patch.Comments != nil {
		list := *patch.Comments
		if list == nil {
			list = []Comment{}
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return Document{}, fmt.Errorf("marshal comments: %w", err)
		}
		comments = string(raw)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET title = COALESCE($2, title),
			content = COALESCE($3, content),
			comments = COALESCE($4::jsonb, comments),
			updated_at = $5
		WHERE doc_id = $1
		RETURNING `+documentColumns,
		docID, nullable(patch.Title), nullable(patch.Content), comments, updated.UTC(),
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("update document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) SetAccess(ctx context.Context, docID string, invited, collaborators []string) (Document, error) {
	invitedJSON, err := json.Marshal(nonNilStrings(invited))
	if err != nil {
		return Document{}, fmt.Errorf("marshal invited: %w", err)
	}
	collaboratorsJSON, err := json.Marshal(nonNilStrings(collaborators))
	if err != nil {
		return Document{}, fmt.Errorf("marshal collaborators: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET invited = $2::jsonb, collaborators = $3::jsonb
		WHERE doc_id = $1
		RETURNING `+documentColumns,
		docID, string(invitedJSON), string(collaboratorsJSON),
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("set document access: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id=$1`, docID)
	if err != nil {
		return 0, fmt.Errorf("delete document: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) ResetDocuments(ctx context.Context, seeds []Document) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	for _, seed := range seeds {
		if _, err := s.CreateDocument(ctx, seed); err != nil {
			return fmt.Errorf("seed document %q: %w", seed.Title, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, user.ID, user.Email, user.PasswordHash).Scan(&user.Created)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email=$1`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE id=$1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, password_hash, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete user: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) ClearUsers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return fmt.Errorf("clear users: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryDocuments(ctx context.Context, op, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var docType string
	var invited, collaborators, comments []byte
	err := row.Scan(
		&doc.ID,
		&doc.DocID,
		&doc.Title,
		&doc.Content,
		&docType,
		&doc.Owner,
		&invited,
		&collaborators,
		&comments,
		&doc.Created,
		&doc.Updated,
	)
	if err != nil {
		return Document{}, err
	}
	doc.Type = DocType(docType)
	if err := json.Unmarshal(invited, &doc.Invited); err != nil {
		return Document{}, fmt.Errorf("decode invited: %w", err)
	}
	if err := json.Unmarshal(collaborators, &doc.Collaborators); err != nil {
		return Document{}, fmt.Errorf("decode collaborators: %w", err)
	}
	if err := json.Unmarshal(comments, &doc.Comments); err != nil {
		return Document{}, fmt.Errorf("decode comments: %w", err)
	}
	return normalizeDocument(doc), nil
}

func marshalLists(doc Document) (string, string, string, error) {
	invited, err := json.Marshal(doc.Invited)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal invited: %w", err)
	}
	collaborators, err := json.Marshal(doc.Collaborators)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal collaborators: %w", err)
	}
	comments, err := json.Marshal(doc.Comments)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal comments: %w", err)
	}
	return string(invited), string(collaborators), string(comments), nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
