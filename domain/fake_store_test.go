package domain

import (
	"context"
	"sync"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    []Task
	users    map[string]User
	sessions map[string]Session
	err      error
	events   []TaskEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]User{}, sessions: map[string]Session{}}
}

func (f *fakeStore) index(ownerID, id string) int {
	for i, t := range f.tasks {
		if t.ID == id && t.OwnerID == ownerID {
			return i
		}
	}
	return -1
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, ownerID, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i := f.index(ownerID, id)
	if i < 0 {
		return nil, nil
	}
	t := f.tasks[i]
	return &t, nil
}

func (f *fakeStore) ReplaceTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(t.OwnerID, t.ID)
	if i < 0 {
		return ErrRowNotFound
	}
	f.tasks[i] = t
	return nil
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, ownerID, id string, status Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(ownerID, id)
	if i < 0 {
		return ErrRowNotFound
	}
	f.tasks[i].Status = status
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(ownerID, id)
	if i < 0 {
		return ErrRowNotFound
	}
	f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, ownerID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []Task
	for _, t := range f.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) InsertUser(ctx context.Context, u User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.Email]; ok {
		return ErrDuplicate
	}
	f.users[u.Email] = u
	return nil
}

func (f *fakeStore) InsertSession(ctx context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrRowNotFound
	}
	s.ExpiresAt = expiresAt
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return ErrRowNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) Publish(ctx context.Context, ev TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
