package game

import "math/rand"

// DefaultCategories is the built-in round category catalog. Deployments can
// override it through configuration.
var DefaultCategories = []string{
	"Animals",
	"Countries",
	"Movies",
	"Food & Drink",
	"Famous People",
	"Cities",
	"Sports",
	"Things in a Kitchen",
	"Occupations",
	"Bands & Musicians",
	"TV Shows",
	"Brands",
}

// pickCategory returns a random category, avoiding an immediate repeat of the
// previous round's category when more than one is available.
func pickCategory(categories []string, previous string) string {
	if len(categories) == 0 {
		return ""
	}
	if len(categories) == 1 {
		return categories[0]
	}
	for {
		c := categories[rand.Intn(len(categories))]
		if c != previous {
			return c
		}
	}
}
