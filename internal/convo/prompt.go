package convo

import (
	"fmt"
	"strings"
	"time"

	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/provider/llm"
)

// promptInput carries everything the prompt builder needs for one turn.
type promptInput struct {
	personality Personality
	robotName   string
	now         time.Time

	// kbHits and recalled form the retrieved-context block of the system
	// message; either may be empty.
	kbHits   []ScoredPair
	recalled []memory.ChunkResult

	// fileContext is operator-provided background text (venue info, event
	// schedule, …) injected verbatim when non-empty.
	fileContext string

	// history is the recent-interaction window, oldest first.
	history []memory.Interaction

	userInput string

	// imageURL is attached to the user message when non-empty; callers must
	// only set it for backends that support vision.
	imageURL string
}

// buildMessages assembles the message list for one completion:
//
//  1. A system message: personality prompt, retrieved context, file context,
//     and a footer naming the robot, the current date/time, and the
//     expression-tag convention.
//  2. The recent interaction history in chronological order.
//  3. The new user message, with an image part when provided.
func buildMessages(in promptInput) []llm.Message {
	messages := make([]llm.Message, 0, len(in.history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: buildSystemPrompt(in),
	})

	for _, h := range in.history {
		role := llm.RoleUser
		if h.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: h.Content})
	}

	messages = append(messages, llm.Message{
		Role:     llm.RoleUser,
		Content:  in.userInput,
		ImageURL: in.imageURL,
	})
	return messages
}

func buildSystemPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString(in.personality.SystemPrompt)

	if len(in.kbHits) > 0 || len(in.recalled) > 0 {
		b.WriteString("\n\n## Contexto recuperado\n")
		b.WriteString("Usa esta información si es relevante para la pregunta:\n")
		for _, hit := range in.kbHits {
			fmt.Fprintf(&b, "- P: %s\n  R: %s\n", hit.Pair.Question, hit.Pair.Answer)
		}
		for _, r := range in.recalled {
			fmt.Fprintf(&b, "- Conversación anterior: %s\n", r.Chunk.Content)
		}
	}

	if in.fileContext != "" {
		b.WriteString("\n\n## Información adicional\n")
		b.WriteString(in.fileContext)
	}

	fmt.Fprintf(&b, "\n\nTe llamas %s. Fecha y hora actual: %s.\n",
		in.robotName, in.now.Format("Monday 2 January 2006, 15:04"))
	b.WriteString("Puedes añadir animaciones a tu respuesta insertando etiquetas " +
		"^runTag(nombre) en el texto, por ejemplo: \"^runTag(happy) ¡Hola! \". " +
		"Etiquetas disponibles: happy, sad, confused, excited, thinking, " +
		"affirmative, negative. Úsalas con moderación y nunca inventes otras.")

	return b.String()
}
