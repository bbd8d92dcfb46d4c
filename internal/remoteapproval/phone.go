// Package remoteapproval реализует согласование заявок администраторами через WhatsApp.
package remoteapproval

import (
	"slices"
	"strings"
)

// NormalizePhone приводит номер к виду +<цифры>. Суффикс чата вида @c.us отбрасывается.
func NormalizePhone(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// Whitelist содержит номера администраторов, которым разрешено принимать решения.
type Whitelist struct {
	phones []string
	index  map[string]struct{}
}

// NewWhitelist создаёт список из произвольно записанных номеров. Пустые и повторные значения отбрасываются.
func NewWhitelist(phones []string) *Whitelist {
	w := &Whitelist{index: make(map[string]struct{}, len(phones))}
	for _, p := range phones {
		n := NormalizePhone(p)
		if n == "" {
			continue
		}
		if _, ok := w.index[n]; ok {
			continue
		}
		w.index[n] = struct{}{}
		w.phones = append(w.phones, n)
	}
	return w
}

// Allowed сообщает, входит ли номер в список.
func (w *Whitelist) Allowed(phone string) bool {
	if w == nil {
		return false
	}
	_, ok := w.index[NormalizePhone(phone)]
	return ok
}

// Phones возвращает нормализованные номера в порядке конфигурации.
func (w *Whitelist) Phones() []string {
	if w == nil {
		return nil
	}
	return slices.Clone(w.phones)
}

// Len возвращает число номеров.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.phones)
}
