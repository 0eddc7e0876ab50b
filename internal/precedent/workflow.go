// Package precedent implements the fine-prediction workflow: find similar
// historical enforcement cases in the archive, have the model judge their
// similarity, and estimate a likely fine from the matches. Each model step
// has a deterministic local fallback so the pipeline always produces an
// answer once a classification exists.
package precedent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/store"
)

const maxPrecedents = 5

// Searcher is the archive query the workflow runs against.
type Searcher interface {
	SearchPrecedents(ctx context.Context, query string, limit int) ([]store.Precedent, error)
}

// Provider is the structured-output model call the analysis steps use.
type Provider interface {
	Complete(ctx context.Context, system, user, schemaName string, schema json.RawMessage, maxTokens int) (string, error)
}

type SimilarCase struct {
	ID          string `json:"id"`
	Company     string `json:"company"`
	Description string `json:"description"`
	Fine        int64  `json:"fine"`
	Similarity  int    `json:"similarity"`
	Explanation string `json:"explanation_of_similarity"`
	Date        string `json:"date"`
	Authority   string `json:"authority"`
}

type Prediction struct {
	PredictedFine int64  `json:"predicted_fine"`
	Explanation   string `json:"explanation_for_fine"`
}

type Result struct {
	SimilarCases []SimilarCase `json:"similar_cases"`
	Prediction   Prediction    `json:"prediction_result"`
}

type Workflow struct {
	archive Searcher
	llm     Provider
	logger  *slog.Logger
}

func New(archive Searcher, llm Provider, logger *slog.Logger) *Workflow {
	return &Workflow{archive: archive, llm: llm, logger: logger}
}

// Predict runs the three-step pipeline for a completed classification.
func (w *Workflow) Predict(ctx context.Context, c schema.Classification) (*Result, error) {
	precedents, err := w.archive.SearchPrecedents(ctx, c.CaseDescription, maxPrecedents)
	if err != nil {
		return nil, fmt.Errorf("precedent search: %w", err)
	}

	if len(precedents) == 0 {
		w.logger.Info("no precedents matched, using baseline estimate")
		return &Result{
			SimilarCases: []SimilarCase{},
			Prediction:   baselinePrediction(c),
		}, nil
	}

	similar := w.analyzeSimilarity(ctx, c, precedents)
	prediction := w.estimateFine(ctx, c, similar)

	return &Result{SimilarCases: similar, Prediction: prediction}, nil
}

type similarityResponse struct {
	SimilarCases []struct {
		ID          string `json:"id"`
		Similarity  int    `json:"similarity"`
		Explanation string `json:"explanation_of_similarity"`
	} `json:"similar_cases"`
}

func (w *Workflow) analyzeSimilarity(ctx context.Context, c schema.Classification, precedents []store.Precedent) []SimilarCase {
	raw, err := w.llm.Complete(ctx, similaritySystemPrompt, similarityPrompt(c, precedents), "similarity_analysis", similaritySchema(), 2048)
	scores := make(map[string]SimilarCase)
	if err == nil {
		var resp similarityResponse
		if jerr := json.Unmarshal([]byte(raw), &resp); jerr == nil {
			for _, sc := range resp.SimilarCases {
				scores[sc.ID] = SimilarCase{Similarity: clampPercent(sc.Similarity), Explanation: sc.Explanation}
			}
		} else {
			err = jerr
		}
	}
	if err != nil {
		w.logger.Warn("similarity analysis failed, scoring by keyword overlap", "error", err)
	}

	out := make([]SimilarCase, 0, len(precedents))
	for _, p := range precedents {
		sc := SimilarCase{
			ID:          p.ID,
			Company:     p.Company,
			Description: p.Description,
			Fine:        p.Fine,
			Date:        p.DecidedOn.Format("2006-01-02"),
			Authority:   p.Authority,
		}
		if scored, ok := scores[p.ID]; ok {
			sc.Similarity = scored.Similarity
			sc.Explanation = scored.Explanation
		} else {
			sc.Similarity = keywordSimilarity(c.CaseDescription, p.Description)
			sc.Explanation = "Scored by keyword overlap with the case description."
		}
		out = append(out, sc)
	}
	return out
}

func (w *Workflow) estimateFine(ctx context.Context, c schema.Classification, similar []SimilarCase) Prediction {
	raw, err := w.llm.Complete(ctx, predictionSystemPrompt, predictionPrompt(c, similar), "fine_prediction", predictionSchema(), 1024)
	if err == nil {
		var p Prediction
		if jerr := json.Unmarshal([]byte(raw), &p); jerr != nil {
			err = jerr
		} else if p.PredictedFine < 0 {
			err = fmt.Errorf("negative predicted fine %d", p.PredictedFine)
		} else {
			return p
		}
	}
	w.logger.Warn("fine estimation failed, averaging precedent fines", "error", err)

	// Similarity-weighted average of the matched fines.
	var weighted, weights float64
	for _, sc := range similar {
		wgt := float64(sc.Similarity)
		if wgt <= 0 {
			wgt = 1
		}
		weighted += float64(sc.Fine) * wgt
		weights += wgt
	}
	fine := int64(0)
	if weights > 0 {
		fine = int64(weighted / weights)
	}
	return Prediction{
		PredictedFine: fine,
		Explanation:   "Similarity-weighted average of matched enforcement fines; the model-backed estimate was unavailable.",
	}
}

// baselinePrediction estimates from the classification alone when the
// archive holds nothing comparable. The weights favour the dimensions
// supervisory authorities fine hardest.
func baselinePrediction(c schema.Classification) Prediction {
	fine := int64(10000)
	switch c.Lawfulness {
	case "no_valid_basis":
		fine += 200000
	case "lawful_but_principle_violation":
		fine += 75000
	}
	if c.Rights == "non_compliance" {
		fine += 100000
	}
	if c.Risk == "insufficient_protection" {
		fine += 100000
	}
	if c.Accountability == "not_accountable" {
		fine += 50000
	}
	return Prediction{
		PredictedFine: fine,
		Explanation:   "Baseline estimate from the classification profile; no comparable precedents were found in the archive.",
	}
}

func keywordSimilarity(query, candidate string) int {
	common := []string{"data", "processing", "consent", "transfer", "breach", "protection", "security", "notification"}
	q := strings.ToLower(query)
	c := strings.ToLower(candidate)
	score := 30
	for _, k := range common {
		if strings.Contains(q, k) && strings.Contains(c, k) {
			score += 8
		}
	}
	return clampPercent(score)
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
