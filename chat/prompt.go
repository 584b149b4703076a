package chat

import (
	"strings"

	"github.com/fabfab/rag-local-api/history"
	"github.com/fabfab/rag-local-api/index"
)

// assembleContext concatenates chunk texts in rank order. Chunks that would
// push the total past maxChars are dropped; a first chunk longer than
// maxChars is cut. maxChars <= 0 disables the limit.
func assembleContext(results []index.Result, maxChars int) string {
	var sb strings.Builder
	used := 0
	for i, r := range results {
		n := len([]rune(r.Content))
		if maxChars > 0 && used+n > maxChars {
			if i == 0 {
				sb.WriteString(string([]rune(r.Content)[:maxChars]))
			}
			break
		}
		sb.WriteString(r.Content)
		used += n
	}
	return sb.String()
}

func formatTranscript(turns []history.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, "User: "+t.Question+"\nAssistant: "+t.Answer)
	}
	return strings.Join(lines, "\n")
}

func formatPrompt(question, context, transcript string) string {
	var sb strings.Builder
	sb.WriteString("You are an assistant that answers questions about the user's documents. ")
	sb.WriteString("Answer using the context below. If the context does not contain the answer, say so instead of guessing. ")
	sb.WriteString("Answer in the language of the question.\n\n")
	if strings.TrimSpace(transcript) != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(transcript)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}
