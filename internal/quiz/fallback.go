package quiz

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"edututor/internal/models"
)

type poolQuestion struct {
	text    string
	choices []string
	answer  int
}

type pool struct {
	match     func(t string) bool
	questions []poolQuestion
}

func containsAny(t string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

var pools = []pool{
	{
		match: func(t string) bool { return containsAny(t, "planete", "planète", "planetes") },
		questions: []poolQuestion{
			{"Quelle est la planète la plus proche du Soleil ?", []string{"Mercure", "Vénus", "Terre", "Mars"}, 0},
			{"Quelle est la plus grande planète du système solaire ?", []string{"Jupiter", "Saturne", "Uranus", "Neptune"}, 0},
			{"Quelle planète est appelée la planète rouge ?", []string{"Mars", "Vénus", "Mercure", "Terre"}, 0},
			{"Quelle planète avons-nous pour vivre ?", []string{"Terre", "Mars", "Vénus", "Mercure"}, 0},
		},
	},
	{
		match: func(t string) bool { return containsAny(t, "capital", "france", "paris") },
		questions: []poolQuestion{
			{"Quelle est la capitale de la France ?", []string{"Londres", "Paris", "Berlin", "Rome"}, 1},
			{"Quelle est la capitale de l'Italie ?", []string{"Madrid", "Vienne", "Rome", "Athènes"}, 2},
			{"Quelle est la capitale de l'Allemagne ?", []string{"Berlin", "Zurich", "Munich", "Hambourg"}, 0},
		},
	},
	{
		match: func(t string) bool { return strings.Contains(t, "anim") },
		questions: []poolQuestion{
			{"Quel animal est connu pour aboyer ?", []string{"Chat", "Chien", "Oiseau", "Lapin"}, 1},
			{"Quel animal nage et a des nageoires ?", []string{"Chien", "Oiseau", "Poisson", "Cheval"}, 2},
			{"Quel animal est grand et a une trompe ?", []string{"Éléphant", "Souris", "Chien", "Chat"}, 0},
		},
	},
	{
		match: func(t string) bool { return containsAny(t, "harry", "potter") },
		questions: []poolQuestion{
			{"Qui est l'auteur des livres Harry Potter ?", []string{"J. R. R. Tolkien", "J. K. Rowling", "C. S. Lewis", "Roald Dahl"}, 1},
			{"Quel est le nom de l'école de magie fréquentée par Harry ?", []string{"Beauxbâtons", "Poudlard", "Durmstrang", "Ilvermorny"}, 1},
			{"Comment s'appelle l'ennemi principal de Harry ?", []string{"Voldemort", "Dumbledore", "Snape", "Hagrid"}, 0},
			{"Quel est le nom de l'ami roux et loyal d'Harry ?", []string{"Ron Weasley", "Draco Malfoy", "Neville Longbottom", "Severus Snape"}, 0},
		},
	},
}

var (
	quizOnPattern = regexp.MustCompile(`quiz\s+(?:sur|on)\s+(.+)$`)
	topicTypos    = strings.NewReplacer("harry_putter", "harry potter", "harryputter", "harry potter", "putter", "potter")
)

// extractTopic lowercases the request and keeps what follows "quiz sur/on".
func extractTopic(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if m := quizOnPattern.FindStringSubmatch(t); m != nil {
		t = strings.TrimSpace(m[1])
	}
	return topicTypos.Replace(t)
}

// Fallback builds a quiz of exactly n questions without a model. Known topics
// draw from fixed pools, topped up with templated questions when n exceeds
// the pool size.
func Fallback(topic string, n, age int) *models.Quiz {
	n = max(n, 1)
	if age <= 0 {
		age = DefaultAge
	}
	raw := strings.TrimSpace(topic)
	t := extractTopic(raw)
	q := &models.Quiz{Title: "Quiz: " + raw}

	add := func(text string, choices []string, answer int) {
		q.Questions = append(q.Questions, models.Question{
			ID:          len(q.Questions) + 1,
			Text:        text,
			Choices:     choices,
			AnswerIndex: answer,
		})
	}

	matched := false
	for _, p := range pools {
		if !p.match(t) {
			continue
		}
		for _, pq := range p.questions[:min(n, len(p.questions))] {
			add(pq.text, append([]string(nil), pq.choices...), pq.answer)
		}
		matched = true
		break
	}
	if !matched && containsAny(t, "addit", "plus", "somme") {
		for i := 0; i < n; i++ {
			a, b, choices := additionQuestion(i, age)
			add(fmt.Sprintf("Quel est le résultat de %d + %d ?", a, b), choices, 0)
		}
	}
	for len(q.Questions) < n {
		i := len(q.Questions)
		add(fmt.Sprintf("Question sur %s n°%d : Donne la bonne réponse.", raw, i+1),
			[]string{"Option 1", "Option 2", "Option 3", "Option 4"}, 0)
	}
	return q
}

// additionQuestion grows with the question index and the child's age. The
// correct sum is always the first choice.
func additionQuestion(i, age int) (int, int, []string) {
	a := 1 + i + age/6
	b := 2 + i + age/7
	sum := a + b
	seen := make(map[int]bool)
	var choices []string
	for _, v := range []int{sum, sum + 1, max(0, sum-1), sum + 2} {
		if !seen[v] {
			seen[v] = true
			choices = append(choices, strconv.Itoa(v))
		}
	}
	for len(choices) < 4 {
		choices = append(choices, strconv.Itoa(sum+len(choices)))
	}
	return a, b, choices
}
