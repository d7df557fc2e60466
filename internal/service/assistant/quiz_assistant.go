package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"edututor/internal/models"
)

var ErrQuizNotFound = errors.New("quiz not found")

// Attempt is one run of a student through a stored quiz.
type Attempt struct {
	ID        int64
	QuizID    int64
	StudentID int64
	Score     int
	Total     int
	Finished  bool
}

// AttemptAnswer is one graded answer inside an attempt.
type AttemptAnswer struct {
	QuestionID    int
	SelectedIndex *int
	SelectedText  string
	IsCorrect     bool
	Feedback      string
}

// SaveQuiz stores the quiz with its questions and options in one transaction.
func (s *Service) SaveQuiz(ctx context.Context, conversationID int64, q *models.Quiz) (id int64, err error) {
	if q == nil || len(q.Questions) == 0 {
		return 0, errors.New("quiz has no questions")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv any
	if conversationID > 0 {
		conv = conversationID
	}
	quizID, err := tx.InsertID(ctx,
		`INSERT INTO quizzes (conversation_id, title, created_at) VALUES (?, ?, ?)`,
		conv, q.Title, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert quiz: %w", err)
	}
	for pos, question := range q.Questions {
		qid, err := tx.InsertID(ctx,
			`INSERT INTO quiz_questions (quiz_id, local_id, text, answer_index, position) VALUES (?, ?, ?, ?, ?)`,
			quizID, question.ID, question.Text, question.AnswerIndex, pos,
		)
		if err != nil {
			return 0, fmt.Errorf("insert question %d: %w", question.ID, err)
		}
		for cpos, choice := range question.Choices {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO quiz_options (question_id, position, text) VALUES (?, ?, ?)`,
				qid, cpos, choice,
			); err != nil {
				return 0, fmt.Errorf("insert option: %w", err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit quiz: %w", err)
	}
	return quizID, nil
}

// LoadQuiz reads a stored quiz back.
func (s *Service) LoadQuiz(ctx context.Context, quizID int64) (*models.Quiz, error) {
	q := &models.Quiz{}
	err := s.db.QueryRowContext(ctx, `SELECT title FROM quizzes WHERE id = ?`, quizID).Scan(&q.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quiz: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT qq.id, qq.local_id, qq.text, qq.answer_index, o.text
		 FROM quiz_questions qq JOIN quiz_options o ON o.question_id = qq.id
		 WHERE qq.quiz_id = ? ORDER BY qq.position ASC, o.position ASC`,
		quizID,
	)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	lastRow := int64(-1)
	for rows.Next() {
		var (
			rowID  int64
			qq     models.Question
			option string
		)
		if err := rows.Scan(&rowID, &qq.ID, &qq.Text, &qq.AnswerIndex, &option); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if rowID != lastRow {
			q.Questions = append(q.Questions, qq)
			lastRow = rowID
		}
		cur := &q.Questions[len(q.Questions)-1]
		cur.Choices = append(cur.Choices, option)
	}
	return q, rows.Err()
}

// StartAttempt opens an attempt for the student.
func (s *Service) StartAttempt(ctx context.Context, quizID, studentID int64, total int) (int64, error) {
	id, err := s.db.InsertID(ctx,
		`INSERT INTO quiz_attempts (quiz_id, student_id, score, total, finished, started_at) VALUES (?, ?, 0, ?, 0, ?)`,
		quizID, studentID, total, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("start attempt: %w", err)
	}
	return id, nil
}

// SaveAnswer records one graded answer.
func (s *Service) SaveAnswer(ctx context.Context, attemptID int64, a AttemptAnswer) error {
	var selected any
	if a.SelectedIndex != nil {
		selected = *a.SelectedIndex
	}
	correct := 0
	if a.IsCorrect {
		correct = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quiz_attempt_answers (attempt_id, question_local_id, selected_index, selected_text, is_correct, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attemptID, a.QuestionID, selected, a.SelectedText, correct, a.Feedback, s.now(),
	); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// FinishAttempt stores the final score.
func (s *Service) FinishAttempt(ctx context.Context, attemptID int64, score, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quiz_attempts SET score = ?, total = ?, finished = 1, finished_at = ? WHERE id = ?`,
		score, total, s.now(), attemptID,
	)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetAttempt returns an attempt with its score.
func (s *Service) GetAttempt(ctx context.Context, attemptID int64) (*Attempt, error) {
	var (
		a        Attempt
		finished int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, quiz_id, student_id, score, total, finished FROM quiz_attempts WHERE id = ?`, attemptID,
	).Scan(&a.ID, &a.QuizID, &a.StudentID, &a.Score, &a.Total, &finished)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	a.Finished = finished != 0
	return &a, nil
}

// ListAnswers returns the answers recorded for an attempt in order.
func (s *Service) ListAnswers(ctx context.Context, attemptID int64) ([]AttemptAnswer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_local_id, selected_index, selected_text, is_correct, feedback
		 FROM quiz_attempt_answers WHERE attempt_id = ? ORDER BY id ASC`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var out []AttemptAnswer
	for rows.Next() {
		var (
			a        AttemptAnswer
			selected sql.NullInt64
			correct  int
		)
		if err := rows.Scan(&a.QuestionID, &selected, &a.SelectedText, &correct, &a.Feedback); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		if selected.Valid {
			idx := int(selected.Int64)
			a.SelectedIndex = &idx
		}
		a.IsCorrect = correct != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
