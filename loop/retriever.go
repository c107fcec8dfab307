package loop

import (
	"context"
	"fmt"
	"strings"
)

// Passage is one ranked piece of grounding knowledge.
type Passage struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever supplies ranked passages above the collaborator's own
// relevance threshold. Embedding, chunking, and storage are the
// retriever's concern, not the loop's.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Passage, error)
}

// knowledgeContext renders retrieved passages as a system note injected
// ahead of the first model call.
func knowledgeContext(passages []Passage) string {
	var sb strings.Builder
	sb.WriteString("Relevant knowledge for this request:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "%d. ", i+1)
		if p.Source != "" {
			fmt.Fprintf(&sb, "[%s] ", p.Source)
		}
		sb.WriteString(p.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
