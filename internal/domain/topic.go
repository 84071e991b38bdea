package domain

import (
	"fmt"
	"strings"
)

// Wildcard — подстановочный сегмент в шаблоне подписки.
const Wildcard = "*"

// Pattern — шаблон подписки вида "origin:intent", где любой сегмент может
// быть "*". Поддерживаются ровно четыре формы: "o:i", "o:*", "*:i" и
// глобальная "*" (наблюдатели/логгеры).
type Pattern struct {
	Origin string
	Intent string
}

// ParsePattern разбирает строку шаблона. Другие формы wildcard
// (например "or*:i") не поддерживаются и отклоняются.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("empty topic pattern")
	}
	if s == Wildcard {
		return Pattern{Origin: Wildcard, Intent: Wildcard}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pattern{}, fmt.Errorf("invalid topic pattern %q: want \"origin:intent\"", s)
	}
	for _, seg := range parts {
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return Pattern{}, fmt.Errorf("invalid topic pattern %q: partial wildcards are not supported", s)
		}
	}
	return Pattern{Origin: parts[0], Intent: parts[1]}, nil
}

// Matches проверяет конверт посегментно: сегмент шаблона равен сегменту
// конверта либо является "*".
func (p Pattern) Matches(e *Envelope) bool {
	if p.Origin != Wildcard && p.Origin != e.Origin {
		return false
	}
	if p.Intent != Wildcard && p.Intent != string(e.Intent) {
		return false
	}
	return true
}

// Covers — шаблон p покрывает шаблон other: каждый сегмент p равен "*"
// либо совпадает с сегментом other. Используется при сверке scope
// токена с запрошенной привязкой.
func (p Pattern) Covers(other Pattern) bool {
	if p.Origin != Wildcard && p.Origin != other.Origin {
		return false
	}
	if p.Intent != Wildcard && p.Intent != other.Intent {
		return false
	}
	return true
}

// IsGlobal — глобальный наблюдатель "*" (видит и синтетические отказы).
func (p Pattern) IsGlobal() bool {
	return p.Origin == Wildcard && p.Intent == Wildcard
}

func (p Pattern) String() string {
	if p.IsGlobal() {
		return Wildcard
	}
	return p.Origin + ":" + p.Intent
}
