package credstore

import "strings"

// HeuristicScorer rates password strength with a length/character-class
// heuristic in place of a full zxcvbn-style dictionary model: length
// buys the most points, with a bonus for mixing character classes and a
// penalty when the password contains one of the caller-supplied
// userInputs (email local-part, name) as a substring.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(password string, userInputs ...string) int {
	if len(password) == 0 {
		return 0
	}

	score := 0
	switch {
	case len(password) >= 16:
		score = 4
	case len(password) >= 12:
		score = 3
	case len(password) >= 8:
		score = 2
	default:
		score = 1
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	classes := 0
	for _, present := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if present {
			classes++
		}
	}
	if classes <= 1 && score > 1 {
		score--
	}

	lower := strings.ToLower(password)
	for _, input := range userInputs {
		input = strings.ToLower(strings.TrimSpace(input))
		if len(input) >= 3 && strings.Contains(lower, input) {
			score -= 2
			break
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 4 {
		score = 4
	}
	return score
}
