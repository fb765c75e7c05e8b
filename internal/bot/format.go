package bot

import (
	"fmt"
	"strings"

	"askbot/internal/store"
)

// markdownSpecial is every character escaped in plain MarkdownV2 text.
const markdownSpecial = "_*[]()~`>#+-=|{}.!'\"?$&,:;\\"

// nonFormatSpecial leaves the formatting markers alone so recognized
// bold/italic/code runs survive.
const nonFormatSpecial = "[]()~>#+-=|{}.!'\"?$&,:;\\"

// EscapeMarkdownV2 escapes text for literal rendering in MarkdownV2.
func EscapeMarkdownV2(text string) string {
	return escapeChars(text, markdownSpecial)
}

func escapeNonFormatting(text string) string {
	return escapeChars(text, nonFormatSpecial)
}

func escapeChars(text, special string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, r := range text {
		if r < 128 && strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Formatter renders replies for MarkdownV2 delivery.
type Formatter struct{}

// TaskAnswer renders a recurring task's answer.
func (Formatter) TaskAnswer(task store.Task, answer string) string {
	return fmt.Sprintf("🤖 *Task Response*\n\n📌 *Task:* %s\n❓ *Question:* `%s`\n\n📝 *Answer:*\n\n%s",
		EscapeMarkdownV2(task.Name),
		EscapeMarkdownV2(task.Question),
		formatAnswerContent(answer),
	)
}

// AskAnswer renders an ad-hoc answer.
func (Formatter) AskAnswer(question, answer string) string {
	return fmt.Sprintf("🤖 *Answer*\n\n❓ *Question:* `%s`\n\n📝 *Answer:*\n\n%s",
		EscapeMarkdownV2(question),
		formatAnswerContent(answer),
	)
}

// formatAnswerContent converts model output into MarkdownV2: paragraphs
// are kept, list markers become bullets, and simple *bold*, _italic_ and
// `code` runs pass through while everything else is escaped.
func formatAnswerContent(content string) string {
	paragraphs := strings.Split(content, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		out = append(out, formatParagraph(paragraph))
	}
	return strings.Join(out, "\n\n")
}

func formatParagraph(paragraph string) string {
	lines := strings.Split(paragraph, "\n")
	hasList := false
	for _, line := range lines {
		if isListItem(line) {
			hasList = true
			break
		}
	}
	if !hasList {
		return formatRuns(paragraph)
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if isListItem(line) {
			item := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
			out = append(out, "• "+formatRuns(item))
		} else {
			out = append(out, formatRuns(line))
		}
	}
	return strings.Join(out, "\n")
}

func isListItem(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "-") || strings.HasPrefix(t, "*")
}

// formatRuns walks one line and keeps balanced *, _ and ` pairs as
// formatting. Unbalanced or nested markers are escaped literally.
func formatRuns(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)

	runes := []rune(text)
	var plain []rune
	var open rune // 0 when outside a formatting run

	flush := func() {
		if len(plain) > 0 {
			b.WriteString(escapeNonFormatting(string(plain)))
			plain = plain[:0]
		}
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '*' && c != '_' && c != '`' {
			plain = append(plain, c)
			continue
		}
		count := 1
		for i+1 < len(runes) && runes[i+1] == c {
			count++
			i++
		}
		flush()
		switch {
		case open == 0:
			open = c
			for n := 0; n < count; n++ {
				b.WriteRune(c)
			}
		case open == c:
			open = 0
			for n := 0; n < count; n++ {
				b.WriteRune(c)
			}
		default:
			// Nested or mismatched marker inside another run.
			for n := 0; n < count; n++ {
				b.WriteByte('\\')
				b.WriteRune(c)
			}
		}
	}
	flush()
	return b.String()
}

// TaskList renders a user's tasks.
func (Formatter) TaskList(tasks []store.Task) string {
	if len(tasks) == 0 {
		return "📭 *No tasks found*"
	}
	var b strings.Builder
	b.WriteString("*📋 Active Tasks:*\n\n")
	for _, task := range tasks {
		lastRun := "never"
		if !task.LastRunAt.IsZero() {
			lastRun = task.LastRunAt.Format("2006-01-02 15:04:05 MST")
		}
		fmt.Fprintf(&b, "🔷 *Task:* %s\n📝 *Question:* `%s`\n⏱ *Interval:* %s\n🕒 *Last run:* _%s_\n\n",
			EscapeMarkdownV2(task.Name),
			EscapeMarkdownV2(task.Question),
			EscapeMarkdownV2(task.Interval.String()),
			EscapeMarkdownV2(lastRun),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// UserStats renders the per-user summary.
func (Formatter) UserStats(sum store.UserSummary) string {
	return fmt.Sprintf("*📊 Your Usage Statistics*\n\n📈 *Total Commands:* %d\n📅 *Active Days:* %d\n⚡ *Average Response Time:* %s\n❌ *Error Rate:* %s",
		sum.TotalCommands,
		sum.ActiveDays,
		EscapeMarkdownV2(fmt.Sprintf("%.2fms", sum.AvgDurationMS)),
		EscapeMarkdownV2(fmt.Sprintf("%.2f%%", sum.ErrorRate*100)),
	)
}

// BotStats renders the global per-command breakdown.
func (Formatter) BotStats(usage []store.CommandUsage) string {
	var b strings.Builder
	b.WriteString("*📊 Bot Usage Statistics*\n\n")
	for _, u := range usage {
		fmt.Fprintf(&b, "🔷 *%s*\n  ├ Usage Count: %d\n  ├ Avg Response: %s\n  └ Error Rate: %s\n\n",
			EscapeMarkdownV2(u.Command),
			u.Count,
			EscapeMarkdownV2(fmt.Sprintf("%.2fms", u.AvgDurationMS)),
			EscapeMarkdownV2(fmt.Sprintf("%.2f%%", u.ErrorRate*100)),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Whoami renders the sender's identity.
func (Formatter) Whoami(userID int64, username string, owner bool) string {
	if username == "" {
		username = "none"
	}
	ownerMark := "No ❌"
	if owner {
		ownerMark = "Yes ✅"
	}
	return fmt.Sprintf("👤 *Your Telegram Info:*\n\n🆔 *User ID:* `%d`\n📝 *Username:* @%s\n👑 *Bot Owner:* %s",
		userID, EscapeMarkdownV2(username), ownerMark)
}

// CreateConfirmation renders the reply after a task is stored.
func (Formatter) CreateConfirmation(task store.Task) string {
	return fmt.Sprintf("✅ *Task Created Successfully*\n\n📌 *Name:* %s\n❓ *Question:* `%s`\n⏱ *Interval:* %s\n\n🔄 First response coming shortly\\.\\.\\.",
		EscapeMarkdownV2(task.Name),
		EscapeMarkdownV2(task.Question),
		EscapeMarkdownV2(task.Interval.String()),
	)
}

// DeleteConfirmation renders the reply after a task is removed.
func (Formatter) DeleteConfirmation(name string) string {
	return fmt.Sprintf("✅ Task *%s* deleted successfully", EscapeMarkdownV2(name))
}

// Help renders the command overview.
func (Formatter) Help() string {
	return "*Available Commands:*\n\n" +
		"📌 */help* \\- Show this help message\n\n" +
		"📝 */create* \\<name\\> \\<interval\\_minutes\\> \\<question\\>\n" +
		"Creates a recurring query task\n" +
		"Example: `/create weather 60 What's the weather in New York?`\n\n" +
		"📋 */list* \\- Show all active tasks\n\n" +
		"🗑 */delete* \\<name\\> \\- Remove a task\n\n" +
		"❓ */ask* \\<question\\> \\- Ask a one\\-time question\n\n" +
		"📊 */stats* \\- Your usage statistics\n\n" +
		"👤 */whoami* \\- Show your Telegram ID"
}
