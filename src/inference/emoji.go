package inference

import (
	"fmt"
	"strings"

	"github.com/enescakir/emoji"
)

var emojiToAliasMap map[string]string

// See: https://tutorialedge.net/golang/the-go-init-function/
func init() {
	aliasToEmojiMap := emoji.Map()
	emojiToAliasMap = make(map[string]string)
	for alias, emoji := range aliasToEmojiMap {
		emojiToAliasMap[emoji] = alias
	}
}

func emojiToAlias(potentialEmoji string, returnAliasWithEmoji bool) string {
	alias, ok := emojiToAliasMap[potentialEmoji]
	if !ok {
		return potentialEmoji
	}
	if returnAliasWithEmoji {
		return fmt.Sprintf("%s[%s]", potentialEmoji, alias)
	} else {
		return alias
	}
}

// emojisToAliases appends the alias after every emoji found in word.
func emojisToAliases(word string) string {
	if _, ok := emojiToAliasMap[word]; ok {
		return emojiToAlias(word, true)
	}
	var sb strings.Builder
	for _, r := range word {
		sb.WriteString(emojiToAlias(string(r), true))
	}
	return sb.String()
}
