package gatherer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veridical-Systems/quaestor/internal/openai"
	"github.com/Veridical-Systems/quaestor/internal/schema"
)

const finalizeToolName = "finalize_classification"

const systemInstructions = `You are an expert GDPR case analysis assistant helping Data Protection Officers classify breach incidents.

Your goal is to gather information through natural conversation to classify a GDPR breach case across 4 key dimensions:

1. **Lawfulness of Processing** (choose one):
   - lawful_and_appropriate_basis: Processing had clear legal basis and was appropriate
   - lawful_but_principle_violation: Legal basis existed but violated GDPR principles (fairness, transparency, etc.)
   - no_valid_basis: No valid legal basis for processing
   - exempt_or_restricted: Processing was exempt from GDPR or had restricted applicability
   - information_unavailable: The conversation gave no usable signal on this dimension

2. **Data Subject Rights Compliance** (choose one):
   - full_compliance: All relevant data subject rights were properly handled
   - partial_compliance: Some rights were handled but with deficiencies
   - non_compliance: Failed to respect data subject rights
   - not_triggered: No data subject rights were triggered in this case
   - information_unavailable: The conversation gave no usable signal on this dimension

3. **Risk Management and Safeguards** (choose one):
   - proactive_safeguards: Had comprehensive preventive security measures
   - reactive_only: Only responded after incident occurred
   - insufficient_protection: Inadequate security measures in place
   - not_applicable: Risk management not relevant to this case
   - information_unavailable: The conversation gave no usable signal on this dimension

4. **Accountability and Governance** (choose one):
   - fully_accountable: Complete documentation, policies, and governance
   - partially_accountable: Some accountability measures but gaps exist
   - not_accountable: Failed to demonstrate compliance accountability
   - not_required: Accountability requirements didn't apply
   - information_unavailable: The conversation gave no usable signal on this dimension

**Your approach:**
- Ask focused, relevant questions to understand the case
- Be conversational and helpful, not interrogational
- Ask 1-2 questions at a time, don't overwhelm
- When you have enough information for all 4 dimensions, call the finalize_classification function immediately
- Do not ask the user to confirm the classification - make the expert decision based on the information provided
- If the user provides a case description upfront, acknowledge it and ask follow-up questions for missing information
- Make reasonable inferences and expert judgments when information is incomplete
- Don't assume company size, revenue, or industry - focus on the incident itself
- Be empathetic - this person is dealing with a stressful situation`

// roundContext is appended to the system instructions each round so the
// model knows how much budget remains.
func roundContext(round, maxRounds int) string {
	ctx := fmt.Sprintf("\n\n**Current Status:** This is exchange %d/%d maximum.", round, maxRounds)
	switch {
	case round >= maxRounds:
		ctx += " **IMPORTANT: This is the final exchange. You MUST call the finalize_classification function now with your best assessment based on available information. Do not ask more questions.**"
	case round == maxRounds-1:
		ctx += " **WARNING: This is the second-to-last exchange. After the user's next response, you must classify immediately.**"
	default:
		ctx += " Gather key information efficiently. Remember to call finalize_classification when you have sufficient information."
	}
	return ctx
}

const startMessageWithDescription = "I need help classifying a GDPR breach case. Here's what I know so far: %s"
const startMessageBare = "I need help classifying a GDPR breach case. I'd like to provide information about the incident."

// finalizeTool declares the function the model calls to propose the final
// classification. Enum constraints are generated from the schema package so
// the tool and the validator can't drift apart.
func finalizeTool() openai.Tool {
	props := map[string]any{
		"case_description": map[string]any{
			"type":        "string",
			"description": "Complete description of the breach case",
		},
	}
	required := []string{"case_description"}
	for field, values := range schema.Domains() {
		props[field] = map[string]any{
			"type": "string",
			"enum": values,
		}
		required = append(required, field)
	}

	params, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})

	return openai.Tool{
		Type: "function",
		Function: openai.ToolFunction{
			Name:        finalizeToolName,
			Description: "Finalize the breach classification with the gathered information",
			Parameters:  params,
		},
	}
}

// classificationSchema is the structured-output contract for the forced
// re-query: by construction the model cannot return an out-of-domain value.
func classificationSchema() json.RawMessage {
	props := map[string]any{
		"case_description": map[string]any{
			"type":        "string",
			"description": "Complete description of the breach case based on the conversation",
		},
	}
	for field, values := range schema.Domains() {
		props[field] = map[string]any{
			"type": "string",
			"enum": values,
		}
	}

	required := append([]string{"case_description"}, schema.Fields...)
	out, _ := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	})
	return out
}

const forcedSystemPrompt = `You are an expert GDPR case analysis assistant. Analyze the conversation history and provide a structured classification of the breach incident across the 4 key dimensions. Make reasonable inferences where information is incomplete; use information_unavailable only when a dimension was never touched.`

func forcedUserPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Based on the following conversation about a GDPR breach incident, classify the case across the 4 key dimensions and summarize it.\n\nConversation History:\n")
	b.WriteString(transcript)
	return b.String()
}
