// Package domain contains core domain types for the assessment service.
package domain

import (
	"strings"
	"time"
)

// Language is one of the supported interface locales.
type Language string

const (
	// LangArabic is the default locale.
	LangArabic Language = "ar"
	// LangEnglish is the secondary locale.
	LangEnglish Language = "en"
)

// DefaultLanguage is assigned to users on first interaction.
const DefaultLanguage = LangArabic

// ParseLanguage normalizes a locale string. ok is false for unsupported values.
func ParseLanguage(s string) (Language, bool) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case LangArabic:
		return LangArabic, true
	case LangEnglish:
		return LangEnglish, true
	default:
		return "", false
	}
}

// Toggle returns the other supported locale.
func (l Language) Toggle() Language {
	if l == LangArabic {
		return LangEnglish
	}
	return LangArabic
}

// User is a person taking the questionnaire, keyed by a stable external id.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Language  Language  `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocalizedText carries the bilingual form of a display string.
type LocalizedText struct {
	AR string `json:"ar" yaml:"ar"`
	EN string `json:"en" yaml:"en"`
}

// In returns the text for lang, falling back to the other locale when empty.
func (t LocalizedText) In(lang Language) string {
	if lang == LangEnglish {
		if t.EN != "" {
			return t.EN
		}
		return t.AR
	}
	if t.AR != "" {
		return t.AR
	}
	return t.EN
}
