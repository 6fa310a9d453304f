package chat

const PlaceholderText = "Thinking…"

// Turns regroups a flat message sequence into (user, answers) turns. A
// new turn starts on every user message; assistant messages attach to
// the most recent turn. For the latest turn only, a transient pending
// placeholder is synthesized for every selected model that has not yet
// answered. Placeholders exist for the current render pass only and
// are never persisted.
func Turns(msgs []Message, selected []string) []Turn {
	turns := make([]Turn, 0)
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			turns = append(turns, Turn{Index: len(turns), User: m})
		case RoleAssistant:
			if len(turns) == 0 {
				continue
			}
			last := &turns[len(turns)-1]
			last.Answers = append(last.Answers, m)
		}
	}
	if len(turns) == 0 || len(selected) == 0 {
		return turns
	}

	last := &turns[len(turns)-1]
	answered := make(map[string]bool, len(last.Answers))
	for _, a := range last.Answers {
		answered[a.ModelID] = true
	}
	for _, id := range selected {
		if answered[id] {
			continue
		}
		last.Answers = append(last.Answers, Message{
			Role:    RoleAssistant,
			Content: PlaceholderText,
			ModelID: id,
			Pending: true,
		})
	}
	return turns
}
