package generation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/docqd/internal/retrieval"
)

// Kind selects the output the prompt asks for.
type Kind string

const (
	KindAnswer      Kind = "answer"
	KindSummary     Kind = "summary"
	KindExplanation Kind = "explanation"
)

// NoContextResponse is the fixed user-facing reply when retrieval finds
// nothing relevant. It is returned with an empty source list and is never
// sent to a generation provider.
const NoContextResponse = "I couldn't find specific information in this document to answer your question. " +
	"Could you try asking something more specific about the document's content?"

// cannotAnswerInstruction tells the model what to say when the context does
// not cover the question.
const cannotAnswerInstruction = `If the question cannot be answered using the context, say "I cannot answer this question based on the available information from the document." and suggest what further information might be needed.`

// BuildPrompt assembles the generation prompt: numbered context passages
// and kind-specific instructions. Passages keep their 1-based numbers so
// [n] citations in the output map back to sources.
func BuildPrompt(kind Kind, query string, passages []retrieval.Passage) string {
	formatted := make([]string, len(passages))
	for i, p := range passages {
		formatted[i] = fmt.Sprintf("[%d] %s", p.Number, p.Text)
	}
	contextText := strings.Join(formatted, "\n\n")

	var b strings.Builder
	switch kind {
	case KindSummary:
		b.WriteString("You are an AI research assistant. Write a concise summary of the following excerpt from a document, using ONLY the information from the provided context.\n\n")
		fmt.Fprintf(&b, "Excerpt: %s\n\nContext:\n%s\n\n", query, contextText)
		b.WriteString("Keep the summary short and factual. Where the context directly supports a statement, you may cite it by including the passage number in square brackets, e.g., [1].\n")
	case KindExplanation:
		b.WriteString("You are an AI research assistant. Explain the following excerpt from a document in plain language, using ONLY the information from the provided context.\n\n")
		fmt.Fprintf(&b, "Excerpt: %s\n\nContext:\n%s\n\n", query, contextText)
		b.WriteString("Assume the reader is unfamiliar with the subject. Where the context directly supports a statement, you may cite it by including the passage number in square brackets, e.g., [1].\n")
	default:
		b.WriteString("You are an AI research assistant. Answer the following question using ONLY the information from the provided context passages.\n\n")
		b.WriteString(cannotAnswerInstruction)
		fmt.Fprintf(&b, "\n\nQuestion: %s\n\nContext:\n%s\n\n", query, contextText)
		b.WriteString("Answer the question in a clear, concise manner. If appropriate, you may format your response using Markdown. ")
		b.WriteString("If there are relevant parts of the context that directly support your answer, quote them by including the passage number in square brackets, e.g., [1].\n")
	}
	return b.String()
}
