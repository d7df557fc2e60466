package models

// Quiz is an ordered multiple-choice questionnaire.
type Quiz struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Question holds the choices and the 0-based index of the right one.
type Question struct {
	ID          int      `json:"id"`
	Text        string   `json:"question"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
}

// QuizState tracks progress through an active quiz.
type QuizState struct {
	Current        int   `json:"current"`
	Correct        int   `json:"correct"`
	AwaitingAnswer bool  `json:"awaiting_answer"`
	QuizID         int64 `json:"quiz_id,omitempty"`
	AttemptID      int64 `json:"attempt_id,omitempty"`
}

// Clone returns a deep copy.
func (q *Quiz) Clone() *Quiz {
	if q == nil {
		return nil
	}
	out := &Quiz{Title: q.Title, Questions: make([]Question, len(q.Questions))}
	for i, qq := range q.Questions {
		qq.Choices = append([]string(nil), qq.Choices...)
		out.Questions[i] = qq
	}
	return out
}

// Question returns the question with the given id.
func (q *Quiz) Question(id int) (Question, bool) {
	if q == nil {
		return Question{}, false
	}
	for _, qq := range q.Questions {
		if qq.ID == id {
			return qq, true
		}
	}
	return Question{}, false
}
