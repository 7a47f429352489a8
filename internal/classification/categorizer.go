package classification

import "strings"

// Categorizer maps merchant names to spending categories by keyword rules.
// It holds no mutable state and is safe for concurrent use.
type Categorizer struct {
	rules []CategoryRule
}

// NewCategorizer creates a categorizer over rules. Keywords are lower-cased
// once here so matching only lower-cases the merchant name.
func NewCategorizer(rules []CategoryRule) *Categorizer {
	normalized := make([]CategoryRule, 0, len(rules))
	for _, r := range rules {
		keywords := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		normalized = append(normalized, CategoryRule{Category: r.Category, Keywords: keywords})
	}
	return &Categorizer{rules: normalized}
}

// Categorize returns the category of the first rule containing a keyword that
// is a substring of the lower-cased merchant name, or CategoryOther.
func (c *Categorizer) Categorize(merchantName string) string {
	name := strings.ToLower(merchantName)
	for _, rule := range c.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(name, keyword) {
				return rule.Category
			}
		}
	}
	return CategoryOther
}

var defaultCategorizer = NewCategorizer(DefaultCategoryRules())

// Categorize uses the default rule table.
func Categorize(merchantName string) string {
	return defaultCategorizer.Categorize(merchantName)
}
