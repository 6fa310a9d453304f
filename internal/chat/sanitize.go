package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultHistoryWindow  = 8
	ExtendedHistoryWindow = 10
)

// Sanitize coerces an arbitrary decoded JSON list into the canonical
// role/content shape every backend accepts. Entries that are not
// objects or have empty content after trimming are dropped. The result
// is capped to the last max entries.
func Sanitize(raw []any, max int) []Message {
	if max <= 0 {
		max = DefaultHistoryWindow
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content := coerceContent(m["content"])
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, Message{
			Role:    coerceRole(m["role"]),
			Content: content,
		})
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// SanitizeMessages applies the same policy to already-typed messages.
func SanitizeMessages(msgs []Message, max int) []Message {
	if max <= 0 {
		max = DefaultHistoryWindow
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		switch role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			role = RoleUser
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

func coerceRole(v any) string {
	s, _ := v.(string)
	switch s {
	case RoleUser, RoleAssistant, RoleSystem:
		return s
	default:
		return RoleUser
	}
}

func coerceContent(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
