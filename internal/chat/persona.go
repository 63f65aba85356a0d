package chat

// Persona is one selectable assistant profile. The prompt is the first
// segment of the instruction text, so switching personas never reorders the
// rest of the assembled instructions.
type Persona struct {
	ID     string
	Name   string
	Prompt string
}

// DefaultPersonaID is used when the request names no persona or an unknown one.
const DefaultPersonaID = "default"

var personas = map[string]Persona{
	"default": {
		ID:   "default",
		Name: "Advisory Assistant",
		Prompt: `You are an assistant for the professional staff of a tax and audit practice.
Answer precisely and concisely. When you are not certain, say so instead of guessing.
Ground your answers in the provided context and in tool results whenever they are available.`,
	},
	"tax-advisor": {
		ID:   "tax-advisor",
		Name: "Tax Advisor",
		Prompt: `You are an assistant specialised in tax advisory work.
Answer precisely, reference the relevant statutes and administrative guidance when the
provided context contains them, and flag deadlines or filing obligations the user should
be aware of. When you are not certain, say so instead of guessing.`,
	},
	"audit-assistant": {
		ID:   "audit-assistant",
		Name: "Audit Assistant",
		Prompt: `You are an assistant supporting audit engagements.
Answer precisely, distinguish clearly between audit evidence from the provided context
and your own reasoning, and point out materiality considerations where relevant.
When you are not certain, say so instead of guessing.`,
	},
}

// personaFor resolves a persona id, falling back to the default.
func personaFor(id string) (Persona, bool) {
	if id == "" {
		return personas[DefaultPersonaID], true
	}
	p, ok := personas[id]
	if !ok {
		return personas[DefaultPersonaID], false
	}
	return p, true
}
