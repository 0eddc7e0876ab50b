package precedent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/store"
)

const similaritySystemPrompt = `You are a GDPR enforcement analyst. You compare a newly classified data
protection case against historical enforcement decisions and score how similar
each precedent is to the new case. Score 0-100 where 100 means the facts,
violation type and aggravating circumstances are near-identical. Base your
scoring only on the material provided.`

const predictionSystemPrompt = `You are a GDPR enforcement analyst. Given a classified data protection case
and a set of scored precedent decisions with their fines, estimate the fine a
supervisory authority would likely impose for the new case. Anchor on the most
similar precedents and adjust for the classification profile. The fine is an
integer amount in euros.`

func similarityPrompt(c schema.Classification, precedents []store.Precedent) string {
	var b strings.Builder
	b.WriteString("New case:\n")
	b.WriteString(c.CaseDescription)
	b.WriteString("\n\nClassification:\n")
	writeClassification(&b, c)
	b.WriteString("\nPrecedents:\n")
	for _, p := range precedents {
		fmt.Fprintf(&b, "- id: %s\n  company: %s\n  authority: %s\n  fine: %d EUR\n  decision: %s\n",
			p.ID, p.Company, p.Authority, p.Fine, p.Description)
	}
	b.WriteString("\nScore each precedent by id.")
	return b.String()
}

func predictionPrompt(c schema.Classification, similar []SimilarCase) string {
	var b strings.Builder
	b.WriteString("Case:\n")
	b.WriteString(c.CaseDescription)
	b.WriteString("\n\nClassification:\n")
	writeClassification(&b, c)
	b.WriteString("\nScored precedents:\n")
	for _, sc := range similar {
		fmt.Fprintf(&b, "- %s (%s): fine %d EUR, similarity %d/100. %s\n",
			sc.Company, sc.Authority, sc.Fine, sc.Similarity, sc.Explanation)
	}
	b.WriteString("\nEstimate the fine for the case.")
	return b.String()
}

func writeClassification(b *strings.Builder, c schema.Classification) {
	fmt.Fprintf(b, "- %s: %s\n", schema.FieldLawfulness, c.Lawfulness)
	fmt.Fprintf(b, "- %s: %s\n", schema.FieldRights, c.Rights)
	fmt.Fprintf(b, "- %s: %s\n", schema.FieldRisk, c.Risk)
	fmt.Fprintf(b, "- %s: %s\n", schema.FieldAccountability, c.Accountability)
}

func similaritySchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "similar_cases": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "similarity": {"type": "integer"},
          "explanation_of_similarity": {"type": "string"}
        },
        "required": ["id", "similarity", "explanation_of_similarity"],
        "additionalProperties": false
      }
    }
  },
  "required": ["similar_cases"],
  "additionalProperties": false
}`)
}

func predictionSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "predicted_fine": {"type": "integer"},
    "explanation_for_fine": {"type": "string"}
  },
  "required": ["predicted_fine", "explanation_for_fine"],
  "additionalProperties": false
}`)
}
