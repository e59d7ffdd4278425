package server

import "strings"

// crisisPhrases is deliberately crude: substring hits, favoring false
// positives over missed crisis language. Extend the list, don't tune it.
var crisisPhrases = []string{
	"suicide",
	"kill myself",
	"end my life",
	"die",
	"hurt myself",
	"self-harm",
	"want to die",
	"better off dead",
	"no point living",
}

const crisisHelpline = "9152987821 (Suicide Prevention Helpline India)"

// checkCrisis reports whether text contains crisis language. It must run
// before any model call or persistence on the chat paths.
func checkCrisis(text string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range crisisPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

type crisisResponse struct {
	SafetyLevel string   `json:"safety_level"`
	Message     string   `json:"message"`
	Steps       []string `json:"steps"`
}

func crisisPayload() crisisResponse {
	return crisisResponse{
		SafetyLevel: "critical",
		Message:     "You're not alone. Please call " + crisisHelpline + ".",
		Steps: []string{
			"Try grounding exercise",
			"Talk to a trusted friend",
			"Call helpline",
		},
	}
}
