package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStorage defines the persistence operations required by TaskService.
// Every method is scoped by owner; GetTask returns nil, nil when the owner has
// no task with that id.
type TaskStorage interface {
	InsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, ownerID, id string) (*Task, error)
	ReplaceTask(ctx context.Context, t Task) error
	UpdateTaskStatus(ctx context.Context, ownerID, id string, status Status) error
	DeleteTask(ctx context.Context, ownerID, id string) error
	ListTasks(ctx context.Context, ownerID string) ([]Task, error)
}

// Result is the acknowledgement returned by task mutations.
type Result struct {
	Message string `json:"message"`
}

const (
	MsgTaskCreated = "Task created successfully."
	MsgTaskUpdated = "Task updated successfully."
	MsgTaskDeleted = "Task deleted successfully."
)

// TaskService applies ownership checked task operations.
type TaskService struct {
	st       TaskStorage
	notifier Notifier
	now      func() time.Time
	newID    func() string
}

func NewTaskService(st TaskStorage, notifier Notifier) *TaskService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &TaskService{st: st, notifier: notifier, now: time.Now, newID: newTaskID}
}

// Task ids are UUIDv7 so stores ordering by key list tasks in creation order.
func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *TaskService) Create(ctx context.Context, ownerID string, in TaskInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	t := Task{
		ID:        s.newID(),
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
	}
	in.apply(&t)
	if err := s.st.InsertTask(ctx, t); err != nil {
		return Result{}, s.internal(err, "create", ownerID, t.ID)
	}
	s.publish(ctx, TaskCreated, t)
	return Result{Message: MsgTaskCreated}, nil
}

func (s *TaskService) Update(ctx context.Context, ownerID, id string, in TaskInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	t, err := s.owned(ctx, "update", ownerID, id)
	if err != nil {
		return Result{}, err
	}
	in.apply(&t)
	if err := s.st.ReplaceTask(ctx, t); err != nil {
		return Result{}, s.storeErr(err, "update", ownerID, id)
	}
	s.publish(ctx, TaskUpdated, t)
	return Result{Message: MsgTaskUpdated}, nil
}

// UpdateStatus overwrites only the status. It backs drag and drop moves.
func (s *TaskService) UpdateStatus(ctx context.Context, ownerID, id string, status Status) (Result, error) {
	if !status.Valid() {
		var verr ValidationError
		verr.Add("status", "Invalid status.")
		return Result{}, &verr
	}
	t, err := s.owned(ctx, "update_status", ownerID, id)
	if err != nil {
		return Result{}, err
	}
	if err := s.st.UpdateTaskStatus(ctx, ownerID, id, status); err != nil {
		return Result{}, s.storeErr(err, "update_status", ownerID, id)
	}
	t.Status = status
	s.publish(ctx, TaskStatusUpdated, t)
	return Result{Message: MsgTaskUpdated}, nil
}

func (s *TaskService) Delete(ctx context.Context, ownerID, id string) (Result, error) {
	t, err := s.owned(ctx, "delete", ownerID, id)
	if err != nil {
		return Result{}, err
	}
	if err := s.st.DeleteTask(ctx, ownerID, id); err != nil {
		return Result{}, s.storeErr(err, "delete", ownerID, id)
	}
	s.publish(ctx, TaskDeleted, t)
	return Result{Message: MsgTaskDeleted}, nil
}

// GetAll returns every task of the owner ordered Urgent, Medium, Low.
func (s *TaskService) GetAll(ctx context.Context, ownerID string) ([]Task, error) {
	tasks, err := s.st.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, s.internal(err, "list", ownerID, "")
	}
	if tasks == nil {
		tasks = []Task{}
	}
	SortByPriority(tasks)
	return tasks, nil
}

func (s *TaskService) GetByID(ctx context.Context, ownerID, id string) (Task, error) {
	return s.owned(ctx, "get", ownerID, id)
}

func (s *TaskService) owned(ctx context.Context, op, ownerID, id string) (Task, error) {
	if id == "" {
		return Task{}, ErrNotFound
	}
	t, err := s.st.GetTask(ctx, ownerID, id)
	if err != nil {
		return Task{}, s.internal(err, op, ownerID, id)
	}
	if t == nil || t.OwnerID != ownerID {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// storeErr maps a write failure. A row vanishing between lookup and write is
// reported as not found rather than as an internal failure.
func (s *TaskService) storeErr(err error, op, ownerID, id string) error {
	if errors.Is(err, ErrRowNotFound) {
		return ErrNotFound
	}
	return s.internal(err, op, ownerID, id)
}

func (s *TaskService) internal(err error, op, ownerID, id string) error {
	if IsClassified(err) {
		return err
	}
	log.WithError(err).WithFields(log.Fields{"op": op, "user": ownerID, "task": id}).Error("task store failure")
	return ErrInternal
}

func (s *TaskService) publish(ctx context.Context, typ string, t Task) {
	ev := TaskEvent{Type: typ, OwnerID: t.OwnerID, TaskID: t.ID, Status: t.Status, Time: s.now().UnixMilli()}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{"event": typ, "user": t.OwnerID, "task": t.ID}).Warn("task event publish failed")
	}
}
