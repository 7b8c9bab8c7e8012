package config

import "regexp"

var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[0-9a-fA-F]{40}$`),
	regexp.MustCompile(`^gh[pousr]_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^github_pat_[A-Za-z0-9_]{82}$`),
}

// ValidToken reports whether t looks like a GitHub credential: a classic
// 40-character hex token, a prefixed token (ghp_, gho_, ghu_, ghs_, ghr_),
// or a fine-grained personal access token.
func ValidToken(t string) bool {
	for _, re := range tokenPatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// TokenSuffix returns the last four characters of a credential, the only
// part of it that is ever logged.
func TokenSuffix(t string) string {
	if len(t) <= 4 {
		return t
	}
	return t[len(t)-4:]
}
