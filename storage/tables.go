package storage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// TableStore keeps tasks, users and sessions in Azure Table Storage.
// Tasks are partitioned by owner and keyed by id, so a partition scan returns
// them in id order, which for UUIDv7 ids is creation order.
type TableStore struct {
	tasks    *aztables.Client
	users    *aztables.Client
	sessions *aztables.Client
}

// TableRetryOptions is the retry policy shared by every table client.
var TableRetryOptions = policy.RetryOptions{
	MaxRetries:    3,
	TryTimeout:    time.Minute * 3,
	RetryDelay:    time.Second * 1,
	MaxRetryDelay: time.Second * 15,
	StatusCodes:   []int{408, 429, 500, 502, 503, 504},
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable, usersTable, sessionsTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{ClientOptions: azcore.ClientOptions{Retry: TableRetryOptions}}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{
		tasks:    svc.NewClient(tasksTable),
		users:    svc.NewClient(usersTable),
		sessions: svc.NewClient(sessionsTable),
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	Deadline    string `json:"Deadline,omitempty"`
	CreatedAt   string `json:"CreatedAt"`
}

type userEntity struct {
	aztables.Entity
	ID           string `json:"ID"`
	Name         string `json:"Name"`
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
	CreatedAt    string `json:"CreatedAt"`
}

type sessionEntity struct {
	aztables.Entity
	UserID    string `json:"UserID"`
	ExpiresAt string `json:"ExpiresAt"`
}

// Ping reads at most one task entity to check the account is reachable.
func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// userKey escapes characters that are not allowed in table keys.
func userKey(email string) string {
	return url.PathEscape(strings.ToLower(email))
}

func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// mapTableErr translates missing and conflicting entities into storage errors.
func mapTableErr(err error) error {
	switch {
	case err == nil:
		return nil
	case hasStatus(err, http.StatusNotFound):
		return domain.ErrRowNotFound
	case hasStatus(err, http.StatusConflict):
		return domain.ErrDuplicate
	}
	return err
}

func encodeTask(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		CreatedAt:   formatTime(t.CreatedAt),
	}
	if t.Deadline != nil {
		ent.Deadline = formatTime(*t.Deadline)
	}
	return sonic.Marshal(ent)
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		OwnerID:     ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Priority:    domain.Priority(ent.Priority),
	}
	created, err := parseTime(ent.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.CreatedAt = created
	if ent.Deadline != "" {
		d, err := parseTime(ent.Deadline)
		if err != nil {
			return domain.Task{}, err
		}
		t.Deadline = &d
	}
	return t, nil
}

func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.tasks.AddEntity(ctx, payload, nil)
	return mapTableErr(err)
}

func (s *TableStore) GetTask(ctx context.Context, ownerID, id string) (*domain.Task, error) {
	resp, err := s.tasks.GetEntity(ctx, ownerID, id, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TableStore) ReplaceTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	return mapTableErr(err)
}

func (s *TableStore) UpdateTaskStatus(ctx context.Context, ownerID, id string, status domain.Status) error {
	payload, err := sonic.Marshal(map[string]any{
		"PartitionKey": ownerID,
		"RowKey":       id,
		"Status":       string(status),
	})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapTableErr(err)
}

func (s *TableStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	_, err := s.tasks.DeleteEntity(ctx, ownerID, id, nil)
	return mapTableErr(err)
}

// ListTasks retrieves all tasks for the provided owner.
func (s *TableStore) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + odataQuote(ownerID)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *TableStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	key := userKey(email)
	resp, err := s.users.GetEntity(ctx, key, key, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ent userEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	created, err := parseTime(ent.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &domain.User{ID: ent.ID, Name: ent.Name, Email: ent.Email, PasswordHash: ent.PasswordHash, CreatedAt: created}, nil
}

// InsertUser adds the account keyed by its email; the table's key uniqueness
// enforces one account per email.
func (s *TableStore) InsertUser(ctx context.Context, u domain.User) error {
	key := userKey(u.Email)
	payload, err := sonic.Marshal(userEntity{
		Entity:       aztables.Entity{PartitionKey: key, RowKey: key},
		ID:           u.ID,
		Name:         u.Name,
		Email:        strings.ToLower(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    formatTime(u.CreatedAt),
	})
	if err != nil {
		return err
	}
	_, err = s.users.AddEntity(ctx, payload, nil)
	return mapTableErr(err)
}

func (s *TableStore) InsertSession(ctx context.Context, sess domain.Session) error {
	payload, err := sonic.Marshal(sessionEntity{
		Entity:    aztables.Entity{PartitionKey: sess.ID, RowKey: sess.ID},
		UserID:    sess.UserID,
		ExpiresAt: formatTime(sess.ExpiresAt),
	})
	if err != nil {
		return err
	}
	_, err = s.sessions.AddEntity(ctx, payload, nil)
	return mapTableErr(err)
}

func (s *TableStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	resp, err := s.sessions.GetEntity(ctx, id, id, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSessionEntity(resp.Value)
}

func decodeSessionEntity(data []byte) (*domain.Session, error) {
	var ent sessionEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	exp, err := parseTime(ent.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &domain.Session{ID: ent.RowKey, UserID: ent.UserID, ExpiresAt: exp}, nil
}

func (s *TableStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	payload, err := sonic.Marshal(map[string]any{
		"PartitionKey": id,
		"RowKey":       id,
		"ExpiresAt":    formatTime(expiresAt),
	})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.sessions.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapTableErr(err)
}

func (s *TableStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.sessions.DeleteEntity(ctx, id, id, nil)
	return mapTableErr(err)
}
