package channels

// SplitMessage slices content into chunks of at most max characters,
// greedily from the left. When a window boundary falls inside the text, the
// cut prefers the last newline in the window, then the last space, then a
// hard break exactly at max. Separator characters stay with the chunk they
// terminate.
func SplitMessage(content string, max int) []string {
	if max <= 0 || len([]rune(content)) <= max {
		return []string{content}
	}

	runes := []rune(content)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}

		window := runes[:max]
		cut := max
		if i := lastIndexRune(window, '\n'); i >= 0 {
			cut = i + 1
		} else if i := lastIndexRune(window, ' '); i >= 0 {
			cut = i + 1
		}

		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func lastIndexRune(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
