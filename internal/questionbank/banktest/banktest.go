// Package banktest builds synthetic question banks for tests.
package banktest

import (
	"fmt"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/questionbank"
)

// Definition returns a definition with the given shape. Trait ids are
// "t<category>-<trait>", both 1-based.
func Definition(categories, traitsPerCategory, questionsPerTrait int) questionbank.Definition {
	var def questionbank.Definition
	for c := 1; c <= categories; c++ {
		cat := questionbank.CategoryDef{
			ID:   fmt.Sprintf("c%d", c),
			Name: domain.LocalizedText{AR: fmt.Sprintf("فئة %d", c), EN: fmt.Sprintf("Category %d", c)},
		}
		for t := 1; t <= traitsPerCategory; t++ {
			tr := questionbank.TraitDef{
				ID:   fmt.Sprintf("t%d-%d", c, t),
				Name: domain.LocalizedText{AR: fmt.Sprintf("سمة %d-%d", c, t), EN: fmt.Sprintf("Trait %d-%d", c, t)},
			}
			for q := 1; q <= questionsPerTrait; q++ {
				tr.Questions = append(tr.Questions, questionbank.QuestionDef{
					Text: domain.LocalizedText{
						AR: fmt.Sprintf("عبارة %d للسمة %s", q, tr.ID),
						EN: fmt.Sprintf("Statement %d for %s", q, tr.ID),
					},
				})
			}
			cat.Traits = append(cat.Traits, tr)
		}
		def.Categories = append(def.Categories, cat)
	}
	return def
}

// New builds an indexed bank with the given shape and panics on error.
func New(categories, traitsPerCategory, questionsPerTrait int) *questionbank.Bank {
	b, err := questionbank.New(Definition(categories, traitsPerCategory, questionsPerTrait))
	if err != nil {
		panic(err)
	}
	return b
}

// Standard returns the full-size 360 question bank: 3 categories, 4 traits
// each, 30 questions per trait.
func Standard() *questionbank.Bank {
	return New(3, 4, 30)
}
