package coordinator

import (
	"regexp"
	"strings"
)

// conditionPhrases is ordered best grade first; the first grade with a
// matching phrase wins.
var conditionPhrases = []struct {
	grade   string
	phrases []string
}{
	{"Excellent", []string{"excellent condition", "perfect condition", "like new", "mint condition"}},
	{"Very Good", []string{"very good condition", "great condition", "excellent"}},
	{"Good", []string{"good condition", "used but good", "fairly good"}},
	{"Fair", []string{"fair condition", "acceptable condition", "worn but fair"}},
	{"Poor", []string{"poor condition", "heavily worn", "damaged"}},
}

var (
	sellerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsold by\s+([^\s.,]+)`),
		regexp.MustCompile(`(?i)\bseller[:\s]+([^\s.,]+)`),
		regexp.MustCompile(`(?i)\bfrom\s+([^\s.,]+)\s+shop\b`),
	}
	sizePattern = regexp.MustCompile(`(?i)\bsize[:\s]+([a-z0-9]+)\b`)
)

// conditionFromDescription grades free text, or returns "" when no phrase
// matches.
func conditionFromDescription(desc string) string {
	lower := strings.ToLower(desc)
	for _, c := range conditionPhrases {
		for _, p := range c.phrases {
			if strings.Contains(lower, p) {
				return c.grade
			}
		}
	}
	return ""
}

func sellerFromDescription(desc string) string {
	for _, re := range sellerPatterns {
		if m := re.FindStringSubmatch(desc); m != nil {
			return m[1]
		}
	}
	return ""
}

func sizeFromDescription(desc string) string {
	if m := sizePattern.FindStringSubmatch(desc); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}
