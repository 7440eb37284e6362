package resolver

import (
	"fmt"
	"strings"
)

const sectionRule = "════════════════════════════════════════"

// FormatDaily renders one combined message for a batch: a header listing the
// verse references, then each verse's generated sections.
func FormatDaily(b Batch) string {
	if len(b.Units) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("🌙 Today's Daily Quran Verses\n\n")
	for _, u := range b.Units {
		fmt.Fprintf(&sb, "📖 Surah %d: %s - Verse %d\n", u.Ref.Pos.Surah, u.Ref.SurahName, u.Ref.Pos.Ayah)
	}
	for _, u := range b.Units {
		sb.WriteString("\n")
		sb.WriteString(sectionRule)
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, "📖 %s\n\n", u.Ref.Pos)
		sb.WriteString(strings.TrimSpace(u.Text))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// CompletionMessage is the one-time congratulations sent after a subscriber
// has received the entire corpus.
const CompletionMessage = "🎉 Congratulations! You have completed reading the entire Quran!\n\n" +
	"May Allah accept your efforts and grant you the blessings of His words."
