package config

import (
	"fmt"
	"math/rand/v2"
)

var (
	personaNames   = []string{"Alex", "Sam", "Jordan", "Casey", "Morgan", "Riley", "Avery", "Quinn"}
	personaCities  = []string{"Paris", "Lyon", "Marseille", "Toulouse", "Nice", "Nantes", "Strasbourg"}
	personaRoles   = []string{"Étudiant", "Développeur", "Designer", "Photographe", "Musicien", "Écrivain"}
	personaGenders = []string{"Homme", "Femme", "Non-binaire"}
)

// RandomPersona draws a fresh bot persona. The nickname is the name
// followed by two digits.
func RandomPersona(rng *rand.Rand) BotConfig {
	name := personaNames[rng.IntN(len(personaNames))]
	return BotConfig{
		Name:     name,
		Age:      20 + rng.IntN(11),
		Gender:   personaGenders[rng.IntN(len(personaGenders))],
		City:     personaCities[rng.IntN(len(personaCities))],
		Role:     personaRoles[rng.IntN(len(personaRoles))],
		Nickname: fmt.Sprintf("%s%d", name, 10+rng.IntN(90)),
	}
}
