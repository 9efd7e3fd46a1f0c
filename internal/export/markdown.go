package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nvake/sesh/internal/session"
)

// MarkdownExporter exports sessions in Markdown format.
type MarkdownExporter struct{}

// Export exports a session to Markdown format.
func (e *MarkdownExporter) Export(sess *session.Session, w io.Writer) error {
	title := sess.Name
	if title == "" {
		title = "Session " + sess.ID
	}
	_, _ = fmt.Fprintf(w, "# %s\n\n", title)

	_, _ = fmt.Fprintf(w, "**Session:** %s  \n", sess.ID)
	_, _ = fmt.Fprintf(w, "**User:** %s  \n", sess.UserID)
	_, _ = fmt.Fprintf(w, "**Status:** %s  \n", sess.Status)
	if !sess.CreatedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "**Created:** %s  \n", sess.CreatedAt.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "**Messages:** %d\n\n", sess.MessageCount)

	_, _ = fmt.Fprintf(w, "---\n\n")
	_, _ = fmt.Fprintf(w, "## Messages\n\n")

	for i, msg := range sess.Messages {
		timestamp := ""
		if !msg.Timestamp.IsZero() {
			timestamp = fmt.Sprintf(" (%s)", msg.Timestamp.UTC().Format(time.RFC3339))
		}

		content := escapeMarkdown(msg.Content)

		_, _ = fmt.Fprintf(w, "**%s:**%s\n\n%s\n\n", msg.Role, timestamp, content)

		if i < len(sess.Messages)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}

	return nil
}

// escapeMarkdown escapes markdown emphasis outside code blocks so
// transcript text renders literally.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	inCodeBlock := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			result = append(result, line)
		} else if inCodeBlock {
			result = append(result, line)
		} else {
			line = strings.ReplaceAll(line, "**", "\\*\\*")
			line = strings.ReplaceAll(line, "__", "\\_\\_")
			result = append(result, line)
		}
	}

	return strings.Join(result, "\n")
}

// Extension returns the file extension for this format.
func (e *MarkdownExporter) Extension() string {
	return "md"
}
