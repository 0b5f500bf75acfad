// Package questionbank loads the hierarchical questionnaire definition and
// exposes it as a flat, 1-based ordinal index.
package questionbank

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/traitlab/internal/domain"
	"gopkg.in/yaml.v3"
)

var (
	// ErrQuestionNotFound is returned for ordinals outside [1, OrdinalCount()].
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidStructure is returned when the categories/traits/questions nesting is broken.
	ErrInvalidStructure = errors.New("invalid question bank structure")
)

// Format names a supported definition encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Definition mirrors the question file: categories[].traits[].questions[].
type Definition struct {
	Categories []CategoryDef `json:"categories" yaml:"categories"`
}

// CategoryDef is a named group of traits.
type CategoryDef struct {
	ID     string               `json:"id" yaml:"id"`
	Name   domain.LocalizedText `json:"name" yaml:"name"`
	Traits []TraitDef           `json:"traits" yaml:"traits"`
}

// TraitDef is a personality dimension and its questions.
type TraitDef struct {
	ID        string               `json:"id" yaml:"id"`
	Name      domain.LocalizedText `json:"name" yaml:"name"`
	Questions []QuestionDef        `json:"questions" yaml:"questions"`
}

// QuestionDef is a single Likert statement.
type QuestionDef struct {
	Text domain.LocalizedText `json:"text" yaml:"text"`
}

// Question is a flattened question with its assigned ordinal.
type Question struct {
	Ordinal      int                  `json:"ordinal"`
	TraitID      string               `json:"trait_id"`
	CategoryID   string               `json:"category_id"`
	Text         domain.LocalizedText `json:"text"`
	TraitName    domain.LocalizedText `json:"trait_name"`
	CategoryName domain.LocalizedText `json:"category_name"`
}

// Trait exposes a trait with the ordinals of its questions in flattening order.
type Trait struct {
	ID         string
	CategoryID string
	Name       domain.LocalizedText
	Ordinals   []int
}

// Bank is an immutable, indexed question bank.
type Bank struct {
	questions []Question // index i holds ordinal i+1
	traits    []Trait
	traitByID map[string]int
}

// Load reads a definition file. The format is taken from the file extension
// (.json, .yaml, .yml).
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}

	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format)
}

// Parse decodes a definition in the given format and indexes it.
func Parse(data []byte, format Format) (*Bank, error) {
	var def Definition
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode yaml question bank: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode json question bank: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported question bank format %q", format)
	}
	return New(def)
}

// New indexes a definition. Ordinals are assigned by walking categories, then
// traits, then questions in declaration order, starting at 1.
func New(def Definition) (*Bank, error) {
	if len(def.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidStructure)
	}

	b := &Bank{traitByID: make(map[string]int)}
	ordinal := 0
	for ci, cat := range def.Categories {
		if len(cat.Traits) == 0 {
			return nil, fmt.Errorf("%w: category %d (%s) has no traits", ErrInvalidStructure, ci, cat.ID)
		}
		for ti, tr := range cat.Traits {
			if tr.ID == "" {
				return nil, fmt.Errorf("%w: category %s trait %d has no id", ErrInvalidStructure, cat.ID, ti)
			}
			if _, dup := b.traitByID[tr.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate trait id %s", ErrInvalidStructure, tr.ID)
			}
			if len(tr.Questions) == 0 {
				return nil, fmt.Errorf("%w: trait %s has no questions", ErrInvalidStructure, tr.ID)
			}

			trait := Trait{
				ID:         tr.ID,
				CategoryID: cat.ID,
				Name:       tr.Name,
				Ordinals:   make([]int, 0, len(tr.Questions)),
			}
			for _, q := range tr.Questions {
				ordinal++
				b.questions = append(b.questions, Question{
					Ordinal:      ordinal,
					TraitID:      tr.ID,
					CategoryID:   cat.ID,
					Text:         q.Text,
					TraitName:    tr.Name,
					CategoryName: cat.Name,
				})
				trait.Ordinals = append(trait.Ordinals, ordinal)
			}
			b.traitByID[tr.ID] = len(b.traits)
			b.traits = append(b.traits, trait)
		}
	}
	return b, nil
}

// OrdinalCount returns the number of questions in the bank.
func (b *Bank) OrdinalCount() int {
	return len(b.questions)
}

// Question returns the question with the given 1-based ordinal.
func (b *Bank) Question(ordinal int) (Question, error) {
	if ordinal < 1 || ordinal > len(b.questions) {
		return Question{}, fmt.Errorf("%w: ordinal %d", ErrQuestionNotFound, ordinal)
	}
	return b.questions[ordinal-1], nil
}

// Traits returns the traits in canonical order. Callers must not modify the result.
func (b *Bank) Traits() []Trait {
	return b.traits
}

// Trait looks up a trait by id.
func (b *Bank) Trait(id string) (Trait, bool) {
	i, ok := b.traitByID[id]
	if !ok {
		return Trait{}, false
	}
	return b.traits[i], true
}
