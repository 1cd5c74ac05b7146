package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// DocumentIDPattern определяет допустимый формат идентификатора документа
// Латинские буквы, цифры, дефис и нижнее подчеркивание
// Длина: 1-64 символа
var DocumentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const (
	// MaxDocumentIDLen максимальная длина идентификатора документа
	MaxDocumentIDLen = 64
	// MaxDisplayNameLen максимальная длина отображаемого имени участника
	MaxDisplayNameLen = 64
)

// ValidateDocumentID проверяет, что идентификатор документа соответствует требованиям
// Формат: латинские буквы, цифры, дефис (-), нижнее подчеркивание (_)
// Длина: 1-64 символа
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	if len(id) > MaxDocumentIDLen {
		return fmt.Errorf("document id must not exceed %d characters", MaxDocumentIDLen)
	}

	if !DocumentIDPattern.MatchString(id) {
		return fmt.Errorf("document id can only contain letters (a-z, A-Z), numbers (0-9), hyphens (-), and underscores (_)")
	}

	return nil
}

// ValidateDisplayName проверяет отображаемое имя участника
// Любой печатный UTF-8 текст длиной 1-64 руны, без управляющих символов
func ValidateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("display name cannot be empty")
	}

	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return fmt.Errorf("display name must not exceed %d characters", MaxDisplayNameLen)
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("display name cannot contain control characters")
		}
	}

	return nil
}
