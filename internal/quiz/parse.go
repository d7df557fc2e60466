package quiz

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"edututor/internal/models"
)

// ErrInvalidQuiz wraps every reason a completion is rejected.
var ErrInvalidQuiz = errors.New("invalid quiz")

var placeholderChoice = regexp.MustCompile(`(?i)^\s*option\s*\d+\s*$`)

// Parse decodes a model completion into a quiz. The whole text is tried
// first, then the first balanced JSON object inside it.
func Parse(text string) (*models.Quiz, error) {
	text = strings.TrimSpace(text)
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		obj, ok := extractObject(text)
		if !ok {
			return nil, fmt.Errorf("%w: no json object", ErrInvalidQuiz)
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrInvalidQuiz, err)
		}
	}
	return validate(raw)
}

// extractObject returns the first balanced {...} block, ignoring braces inside strings.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func validate(raw map[string]any) (*models.Quiz, error) {
	list, ok := raw["questions"].([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrInvalidQuiz)
	}
	title, _ := raw["title"].(string)
	out := &models.Quiz{Title: strings.TrimSpace(title)}
	seen := make(map[int]bool, len(list))
	sawPlaceholder := false

	for i, item := range list {
		q, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: question %d is not an object", ErrInvalidQuiz, i+1)
		}
		text := firstString(q, "question", "text")
		if text == "" {
			return nil, fmt.Errorf("%w: question %d has no text", ErrInvalidQuiz, i+1)
		}
		choices := stringList(q, "choices", "options")
		if len(choices) < 2 {
			return nil, fmt.Errorf("%w: question %d has fewer than two choices", ErrInvalidQuiz, i+1)
		}
		if allMatch(choices, placeholderChoice) {
			sawPlaceholder = true
		}
		answer, ok := answerIndex(q, choices)
		if !ok {
			return nil, fmt.Errorf("%w: question %d has no valid answer index", ErrInvalidQuiz, i+1)
		}

		id, ok := intValue(q["id"])
		if !ok || id <= 0 || seen[id] {
			id = i + 1
		}
		seen[id] = true
		out.Questions = append(out.Questions, models.Question{ID: id, Text: text, Choices: choices, AnswerIndex: answer})
	}
	if sawPlaceholder {
		return nil, fmt.Errorf("%w: placeholder choices", ErrInvalidQuiz)
	}
	return out, nil
}

// answerIndex reads answer_index as 0-based. correct_index and answer are
// read as 1-based when in 1..n, and answer may also name the choice text.
// answer_index equal to n is taken as a 1-based slip.
func answerIndex(q map[string]any, choices []string) (int, bool) {
	n := len(choices)
	if v, present := q["answer_index"]; present {
		if idx, ok := intValue(v); ok {
			switch {
			case idx >= 0 && idx < n:
				return idx, true
			case idx == n:
				return n - 1, true
			}
		}
	}
	for _, key := range []string{"correct_index", "answer"} {
		v, present := q[key]
		if !present {
			continue
		}
		if idx, ok := intValue(v); ok {
			switch {
			case idx >= 1 && idx <= n:
				return idx - 1, true
			case idx == 0:
				return 0, true
			}
			continue
		}
		if s, ok := v.(string); ok {
			if idx, ok := matchChoice(s, choices); ok {
				return idx, true
			}
		}
	}
	return 0, false
}

func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func stringList(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		list, ok := m[k].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			switch x := v.(type) {
			case string:
				out = append(out, strings.TrimSpace(x))
			case float64:
				out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
			default:
				out = append(out, strings.TrimSpace(fmt.Sprint(x)))
			}
		}
		return out
	}
	return nil
}

func allMatch(list []string, re *regexp.Regexp) bool {
	for _, s := range list {
		if !re.MatchString(s) {
			return false
		}
	}
	return true
}
