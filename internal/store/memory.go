package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ssreditor/api/internal/util"
)

// MemoryStore keeps everything in process memory. It backs STORE_DRIVER=memory
// for local development and the component tests.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]Document),
		users: make(map[string]User),
	}
}

func (s *MemoryStore) Ping(context.Context) error  { return nil }
func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc = cloneDocument(normalizeDocument(doc))
	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		id := util.NewID("")
		short := util.ShortID(id)
		if _, taken := s.docs[short]; taken {
			continue
		}
		doc.ID = id
		doc.DocID = short
		doc.Created = now
		doc.Updated = now
		s.docs[short] = doc
		return cloneDocument(doc), nil
	}
	return Document{}, ErrConflict
}

func (s *MemoryStore) GetDocument(_ context.Context, docID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) ListDocuments(context.Context) ([]Document, error) {
	return s.filter(func(Document) bool { return true }), nil
}

func (s *MemoryStore) ListOwnedBy(_ context.Context, userID string) ([]Document, error) {
	return s.filter(func(doc Document) bool { return doc.Owner == userID }), nil
}

func (s *MemoryStore) ListInvited(_ context.Context, email string) ([]Document, error) {
	return s.filter(func(doc Document) bool { return containsString(doc.Invited, email) }), nil
}

func (s *MemoryStore) ListCollaborating(_ context.Context, userID string) ([]Document, error) {
	return s.filter(func(doc Document) bool { return containsString(doc.Collaborators, userID) }), nil
}

func (s *MemoryStore) SearchDocuments(_ context.Context, text string, limit int) ([]Document, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return []Document{}, nil
	}
	docs := s.filter(func(doc Document) bool {
		return strings.Contains(strings.ToLower(doc.Title), text) ||
			strings.Contains(strings.ToLower(doc.Content), text)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *MemoryStore) ApplyUpdate(_ context.Context, docID string, patch DocumentPatch, updated time.Time) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	if patch.Comments != nil {
		doc.Comments = append([]Comment{}, (*patch.Comments)...)
	}
	doc.Updated = updated.UTC()
	s.docs[docID] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) SetAccess(_ context.Context, docID string, invited, collaborators []string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Invited = append([]string{}, invited...)
	doc.Collaborators = append([]string{}, collaborators...)
	s.docs[docID] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, docID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[docID]; !ok {
		return 0, nil
	}
	delete(s.docs, docID)
	return 1, nil
}

func (s *MemoryStore) ResetDocuments(ctx context.Context, seeds []Document) error {
	s.mu.Lock()
	s.docs = make(map[string]Document)
	s.mu.Unlock()

	for _, seed := range seeds {
		if _, err := s.CreateDocument(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == user.Email {
			return User{}, ErrConflict
		}
	}
	user.ID = util.NewID("usr")
	user.Created = time.Now().UTC()
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return 0, nil
	}
	delete(s.users, id)
	return 1, nil
}

func (s *MemoryStore) ClearUsers(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]User)
	return nil
}

func (s *MemoryStore) filter(keep func(Document) bool) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if keep(doc) {
			docs = append(docs, cloneDocument(doc))
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Updated.Equal(docs[j].Updated) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].Updated.After(docs[j].Updated)
	})
	return docs
}

func cloneDocument(doc Document) Document {
	doc.Invited = append([]string{}, doc.Invited...)
	doc.Collaborators = append([]string{}, doc.Collaborators...)
	doc.Comments = append([]Comment{}, doc.Comments...)
	return doc
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
