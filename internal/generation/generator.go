// Package generation produces conversational replies for the bot persona,
// either from an OpenAI-compatible chat API or from an agent runtime, and
// supplies local fallback lines when generation fails.
package generation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/store"
)

// Request is everything a reply is conditioned on.
type Request struct {
	Message string
	Profile store.UserProfile
	Persona config.BotConfig
	Context string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// SystemPrompt renders the persona instructions for a conversation with handle.
func SystemPrompt(persona config.BotConfig, handle, context string) string {
	return fmt.Sprintf(`Tu es %s, %d ans, %s,
habitant à %s, %s.

Tu discutes avec %s sur IRC. Réponds de manière naturelle et engageante.
Adapte ton style à la personne avec qui tu parles.

Contexte de la conversation précédente: %s

Règles importantes:
- Reste dans le personnage
- Sois naturel et authentique
- Évite les réponses trop longues
- Pose des questions pour maintenir la conversation`,
		persona.Name, persona.Age, persona.Gender, persona.City, persona.Role, handle, context)
}

// FormatContext renders history (most recent first, as the store returns it)
// as a chronological transcript.
func FormatContext(history []store.InteractionRecord, botName string) string {
	if len(history) == 0 {
		return "aucun"
	}
	var sb strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if r.Inbound != "" {
			fmt.Fprintf(&sb, "%s: %s\n", r.Handle, r.Inbound)
		}
		if r.Outbound != "" {
			fmt.Fprintf(&sb, "%s: %s\n", botName, r.Outbound)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FallbackPrefix marks replies chosen locally instead of generated.
const FallbackPrefix = "[Mode démo] "

// Fallback picks a canned reply in the persona's voice.
func Fallback(persona config.BotConfig, rng *rand.Rand) string {
	lines := []string{
		fmt.Sprintf("Salut ! Comment ça va ? Je suis %s de %s 😊", persona.Name, persona.City),
		"C'est intéressant ce que tu dis ! Raconte-moi en plus ?",
		"Ah oui, je vois ! Moi aussi j'ai vécu ça récemment.",
		fmt.Sprintf("En tant que %s, je peux te dire que...", persona.Role),
		"Haha, c'est marrant ! Tu as l'air sympa 😄",
	}
	var i int
	if rng != nil {
		i = rng.IntN(len(lines))
	} else {
		i = rand.IntN(len(lines))
	}
	return FallbackPrefix + lines[i]
}
