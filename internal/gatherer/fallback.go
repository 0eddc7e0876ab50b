package gatherer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/session"
)

// ForceClassify produces a fully valid classification from the transcript
// without asking the user anything further. Tier 1 is a structured-output
// re-query of the model; tier 2 is a local keyword heuristic that cannot
// fail. The session is marked complete either way.
func (g *Gatherer) ForceClassify(ctx context.Context, sess *session.Session) schema.Classification {
	classification, err := g.requeryClassification(ctx, sess)
	if err != nil {
		g.logger.Warn("forced re-query failed, using rule-based fallback",
			"session_id", sess.ID,
			"error", err,
		)
		classification = ruleClassify(sess)
	}

	g.complete(sess, classification)
	g.logger.Info("classification complete",
		"session_id", sess.ID,
		"round", sess.Round,
		"forced", true,
	)
	return classification
}

// requeryClassification is tier 1: one non-streaming call constrained to
// the classification schema.
func (g *Gatherer) requeryClassification(ctx context.Context, sess *session.Session) (schema.Classification, error) {
	raw, err := g.llm.Complete(ctx, forcedSystemPrompt, forcedUserPrompt(sess.Transcript()), "breach_classification", classificationSchema(), 2048)
	if err != nil {
		return schema.Classification{}, err
	}

	var c schema.Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return schema.Classification{}, err
	}
	c.ConversationComplete = true

	// Fields the model already committed to during gathering beat a
	// re-query shrug.
	for f, v := range sess.Collected {
		if c.Field(f) == schema.ValueUnavailable {
			c.Set(f, v)
		}
	}

	if err := c.Validate(); err != nil {
		return schema.Classification{}, err
	}
	return c, nil
}

// keywordRule maps transcript phrases to an enum value. Rules are checked
// in order; the first match per dimension wins.
type keywordRule struct {
	keywords []string
	value    string
}

var fallbackRules = map[string][]keywordRule{
	schema.FieldLawfulness: {
		{[]string{"no legal basis", "no valid basis", "unlawful", "without consent", "without any legal"}, "no_valid_basis"},
		{[]string{"transparency violation", "principle violation", "not transparent", "unfair processing"}, "lawful_but_principle_violation"},
		{[]string{"exempt", "household exemption", "restricted applicability"}, "exempt_or_restricted"},
		{[]string{"legitimate interest", "legal basis", "lawful basis", "consent obtained", "employment contract"}, "lawful_and_appropriate_basis"},
	},
	schema.FieldRights: {
		{[]string{"not notified", "no notification", "ignored the request", "refused access request", "never informed"}, "non_compliance"},
		{[]string{"no data subject rights", "no rights were triggered"}, "not_triggered"},
		{[]string{"all affected individuals were notified", "fully informed", "all requests handled"}, "full_compliance"},
		{[]string{"notified", "informed the data subjects", "72 hours", "supervisory authority"}, "partial_compliance"},
	},
	schema.FieldRisk: {
		{[]string{"comprehensive security", "proactive", "encryption in place", "preventive measures", "regular audits"}, "proactive_safeguards"},
		{[]string{"no security", "inadequate security", "unencrypted", "insufficient protection", "no safeguards"}, "insufficient_protection"},
		{[]string{"after the incident", "responded after", "reactive", "only acted once"}, "reactive_only"},
	},
	schema.FieldAccountability: {
		{[]string{"no policies", "no documentation", "no dpo", "no governance"}, "not_accountable"},
		{[]string{"documented data protection policies", "dedicated dpo", "data protection officer", "full documentation"}, "fully_accountable"},
		{[]string{"some policies", "partial documentation", "gaps in"}, "partially_accountable"},
	},
}

// ruleClassify is tier 2: seed every dimension with the conservative
// default, apply whatever the model validly committed to during gathering,
// then let keyword matches fill the dimensions still defaulted. Never
// fails, including on an empty transcript.
func ruleClassify(sess *session.Session) schema.Classification {
	c := schema.Classification{
		Lawfulness:           schema.ValueUnavailable,
		Rights:               schema.ValueUnavailable,
		Risk:                 schema.ValueUnavailable,
		Accountability:       schema.ValueUnavailable,
		ConversationComplete: true,
	}

	for f, v := range sess.Collected {
		c.Set(f, v)
	}

	text := strings.ToLower(sess.Transcript())
	for _, f := range schema.Fields {
		if c.Field(f) != schema.ValueUnavailable {
			continue
		}
		for _, rule := range fallbackRules[f] {
			if containsAny(text, rule.keywords) {
				c.Set(f, rule.value)
				break
			}
		}
	}

	c.CaseDescription = sess.UserTranscript()
	if c.CaseDescription == "" {
		c.CaseDescription = "Data breach incident; no case details were provided."
	}
	return c
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
