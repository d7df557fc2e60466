// Package assistant persists students, conversations, messages, quizzes and
// media records for the tutoring engine.
package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"edututor/internal/models"
	"edututor/internal/storage"
)

var (
	ErrStudentNotFound      = errors.New("student not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
)

// Service handles learner identity and conversation persistence.
type Service struct {
	db     *storage.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *storage.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CreateUser registers an external account.
func (s *Service) CreateUser(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	now := s.now()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`,
		username, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &models.User{ID: id, Username: username, CreatedAt: now}, nil
}

// GetUser returns one account.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user; its student profile is detached, not deleted.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateStudent attaches a learner profile to userID.
func (s *Service) CreateStudent(ctx context.Context, userID int64, displayName string, age int) (*models.Student, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "Élève"
	}
	if age <= 0 {
		age = 9
	}
	now := s.now()
	id, err := s.db.InsertID(ctx,
		`INSERT INTO students (user_id, display_name, age, created_at) VALUES (?, ?, ?, ?)`,
		userID, displayName, age, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create student: %w", err)
	}
	return &models.Student{ID: id, UserID: userID, DisplayName: displayName, Age: age, CreatedAt: now}, nil
}

// StudentForUser resolves the learner profile of an external user id.
func (s *Service) StudentForUser(ctx context.Context, userID int64) (*models.Student, error) {
	if userID <= 0 {
		return nil, ErrStudentNotFound
	}
	var (
		st  models.Student
		uid sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, display_name, age, created_at FROM students WHERE user_id = ?`, userID,
	).Scan(&st.ID, &uid, &st.DisplayName, &st.Age, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query student: %w", err)
	}
	st.UserID = uid.Int64
	return &st, nil
}
