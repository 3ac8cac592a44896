// Package merge reduces the outputs of cooperating agent roles into one
// canonical answer. Pure computation: no I/O, no clock beyond durations
// the caller already measured. Every result carries a traceability list so
// the decision can be reconstructed after the fact.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleValidator Role = "validator"
	RoleArchitect Role = "architect"
	RoleEngineer  Role = "engineer"
	RoleSupport   Role = "support"
)

// ParseRole maps wire-level role names onto the closed Role set. Unknown
// names classify as support so stray roles still contribute content.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RolePrimary, RoleValidator, RoleArchitect, RoleEngineer, RoleSupport:
		return Role(strings.ToLower(s))
	default:
		return RoleSupport
	}
}

type Strategy string

const (
	StrategyPassthrough        Strategy = "passthrough"
	StrategyJSONMerged         Strategy = "json_merged"
	StrategyValidatorCorrected Strategy = "validator_corrected"
	StrategyPrimaryWins        Strategy = "primary_wins"
	StrategyConflictResolved   Strategy = "conflict_resolved"
	StrategyArchitectEngineer  Strategy = "architect_engineer"
	StrategySequentialConcat   Strategy = "sequential_concat"
	StrategyBestScoreWins      Strategy = "best_score_wins"
)

// AgentOutput is one participant's raw result, immutable once produced.
// Score 0 means unset; unset scores default to 70 during resolution.
type AgentOutput struct {
	Role       Role   `json:"role"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Content    string `json:"content"`
	Score      int    `json:"score,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Failed     bool   `json:"failed,omitempty"`
	Err        string `json:"error,omitempty"`
}

type ConflictResolution struct {
	Winner      Role   `json:"winner"`
	WinnerScore int    `json:"winner_score"`
	LoserScore  int    `json:"loser_score"`
	Reason      string `json:"reason"`
}

type TraceEntry struct {
	Role     Role   `json:"role"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Excerpt  string `json:"excerpt"`
	Included bool   `json:"included"`
	Failed   bool   `json:"failed,omitempty"`
}

type Result struct {
	FinalContent       string              `json:"final_content"`
	Strategy           Strategy            `json:"strategy"`
	SourcedFrom        []Role              `json:"sourced_from"`
	ValidationUsed     bool                `json:"validation_used"`
	ConflictDetected   bool                `json:"conflict_detected"`
	ConflictResolution *ConflictResolution `json:"conflict_resolution,omitempty"`
	Traceability       []TraceEntry        `json:"traceability"`
	DurationMs         int64               `json:"duration_ms"`
}

// Empty reports whether no agent contributed to the result.
func (r Result) Empty() bool {
	return len(r.SourcedFrom) == 0
}

// ErrNoOutput is returned by callers when every agent call failed and there
// is nothing to merge; any credits already taken must be refunded.
var ErrNoOutput = errors.New("merge: no successful agent output")

type Options struct {
	// RequireJSON forces the JSON-merge branch even when some outputs do
	// not parse; a structurally impossible merge still falls through.
	RequireJSON bool
}

const (
	defaultScore      = 70
	conflictMinLen    = 100
	conflictThreshold = 0.30
	scoreTieMargin    = 10
	excerptLen        = 120
)

// Merge applies the fixed strategy cascade to the agent outputs.
// The branches are evaluated in order; the first applicable one wins.
func Merge(outputs []AgentOutput, opts Options) Result {
	ok := successful(outputs)

	// 1. Nothing succeeded: empty result, nothing sourced.
	if len(ok) == 0 {
		return trace(Result{Strategy: StrategyPassthrough}, outputs, nil)
	}

	// 2. Single survivor is used verbatim.
	if len(ok) == 1 {
		return trace(Result{
			FinalContent: ok[0].Content,
			Strategy:     StrategyPassthrough,
			SourcedFrom:  []Role{ok[0].Role},
		}, outputs, []Role{ok[0].Role})
	}

	// 3. Structural JSON merge.
	if allJSON(ok) || opts.RequireJSON {
		if merged, sourced, done := mergeJSON(ok); done {
			return trace(Result{
				FinalContent: merged,
				Strategy:     StrategyJSONMerged,
				SourcedFrom:  sourced,
			}, outputs, sourced)
		}
	}

	// 4. Validator verdicts.
	if r, done := applyValidator(ok, outputs); done {
		return r
	}

	// 5. Architect vs engineer.
	if r, done := resolveArchitectEngineer(ok, outputs); done {
		return r
	}

	// 6. Primary plus supporting sections.
	if r, done := concatSupports(ok, outputs); done {
		return r
	}

	// 7. Fallback: the single best-scored output.
	best := ok[0]
	for _, o := range ok[1:] {
		if scoreOf(o) > scoreOf(best) {
			best = o
		}
	}
	return trace(Result{
		FinalContent: best.Content,
		Strategy:     StrategyBestScoreWins,
		SourcedFrom:  []Role{best.Role},
	}, outputs, []Role{best.Role})
}

func successful(outputs []AgentOutput) []AgentOutput {
	var ok []AgentOutput
	for _, o := range outputs {
		if !o.Failed {
			ok = append(ok, o)
		}
	}
	return ok
}

func scoreOf(o AgentOutput) int {
	if o.Score == 0 {
		return defaultScore
	}
	return o.Score
}

func byRole(outputs []AgentOutput, role Role) (AgentOutput, bool) {
	for _, o := range outputs {
		if o.Role == role {
			return o, true
		}
	}
	return AgentOutput{}, false
}

// trace fills the traceability list: one entry per input agent, with an
// excerpt and whether the agent's content reached the final answer.
func trace(r Result, outputs []AgentOutput, included []Role) Result {
	in := make(map[Role]bool, len(included))
	for _, role := range included {
		in[role] = true
	}
	r.Traceability = make([]TraceEntry, 0, len(outputs))
	for _, o := range outputs {
		r.Traceability = append(r.Traceability, TraceEntry{
			Role:     o.Role,
			Provider: o.Provider,
			Model:    o.Model,
			Excerpt:  excerpt(o.Content),
			Included: in[o.Role] && !o.Failed,
			Failed:   o.Failed,
		})
	}
	return r
}

func excerpt(s string) string {
	if len(s) <= excerptLen {
		return s
	}
	return s[:excerptLen] + "..."
}

// --- strategy 3: JSON merge ---

func allJSON(outputs []AgentOutput) bool {
	for _, o := range outputs {
		var v any
		if err := json.Unmarshal([]byte(o.Content), &v); err != nil {
			return false
		}
		switch v.(type) {
		case map[string]any, []any:
		default:
			return false
		}
	}
	return true
}

// mergeJSON deep-merges the parseable outputs. Objects merge key-wise with
// later outputs overriding earlier ones, arrays union with de-duplication.
// Returns done=false when the shapes cannot be reconciled.
func mergeJSON(outputs []AgentOutput) (string, []Role, bool) {
	var values []any
	var roles []Role
	for _, o := range outputs {
		var v any
		if err := json.Unmarshal([]byte(o.Content), &v); err != nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			values = append(values, v)
			roles = append(roles, o.Role)
		}
	}
	if len(values) < 2 {
		return "", nil, false
	}

	merged := values[0]
	for _, v := range values[1:] {
		var ok bool
		merged, ok = deepMerge(merged, v)
		if !ok {
			return "", nil, false
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", nil, false
	}
	return string(out), roles, true
}

func deepMerge(a, b any) (any, bool) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make(map[string]any, len(av)+len(bv))
		for k, v := range av {
			out[k] = v
		}
		for k, v := range bv {
			if existing, present := out[k]; present {
				if m, ok := deepMerge(existing, v); ok {
					out[k] = m
					continue
				}
			}
			// Later agent overrides earlier on unmergeable values.
			out[k] = v
		}
		return out, true
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return nil, false
		}
		return unionArrays(av, bv), true
	default:
		return nil, false
	}
}

func unionArrays(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		key, err := json.Marshal(v)
		if err != nil {
			out = append(out, v)
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, v)
	}
	return out
}

// --- strategy 4: validator ---

type validatorVerdict struct {
	Score     *float64 `json:"score"`
	Passed    *bool    `json:"passed"`
	Corrected *string  `json:"corrected"`
}

func applyValidator(ok []AgentOutput, all []AgentOutput) (Result, bool) {
	validator, found := byRole(ok, RoleValidator)
	if !found {
		return Result{}, false
	}

	var verdict validatorVerdict
	if err := json.Unmarshal([]byte(validator.Content), &verdict); err != nil {
		// A validator that did not produce machine-readable output cannot
		// block; treat it as a pass.
		verdict = validatorVerdict{}
	}

	// A corrected rewrite always supersedes the original.
	if verdict.Corrected != nil {
		return trace(Result{
			FinalContent:   *verdict.Corrected,
			Strategy:       StrategyValidatorCorrected,
			SourcedFrom:    []Role{RoleValidator},
			ValidationUsed: true,
		}, all, []Role{RoleValidator}), true
	}

	primary, found := nonValidatorPrimary(ok)
	if !found {
		return Result{}, false
	}

	passed := verdict.Passed == nil || *verdict.Passed
	goodScore := verdict.Score != nil && *verdict.Score >= 70
	if passed || goodScore {
		return trace(Result{
			FinalContent:   primary.Content,
			Strategy:       StrategyPrimaryWins,
			SourcedFrom:    []Role{primary.Role},
			ValidationUsed: true,
		}, all, []Role{primary.Role}), true
	}

	// Validation failed and no correction offered: fall through.
	return Result{}, false
}

func nonValidatorPrimary(outputs []AgentOutput) (AgentOutput, bool) {
	if p, found := byRole(outputs, RolePrimary); found {
		return p, true
	}
	for _, o := range outputs {
		if o.Role != RoleValidator {
			return o, true
		}
	}
	return AgentOutput{}, false
}

// --- strategy 5: architect vs engineer ---

func resolveArchitectEngineer(ok []AgentOutput, all []AgentOutput) (Result, bool) {
	architect, hasArch := byRole(ok, RoleArchitect)
	engineer, hasEng := byRole(ok, RoleEngineer)
	if !hasArch || !hasEng {
		return Result{}, false
	}

	sim := Similarity(architect.Content, engineer.Content)
	conflict := len(architect.Content) > conflictMinLen &&
		len(engineer.Content) > conflictMinLen &&
		sim < conflictThreshold

	if conflict {
		archScore, engScore := scoreOf(architect), scoreOf(engineer)
		winner, loserScore := engineer, archScore
		reason := fmt.Sprintf("engineer wins: scores within %d points (architect %d, engineer %d); implementation beats plan on near-ties", scoreTieMargin, archScore, engScore)
		if archScore-engScore > scoreTieMargin {
			winner, loserScore = architect, engScore
			reason = fmt.Sprintf("architect wins on score (%d vs %d)", archScore, engScore)
		} else if engScore-archScore > scoreTieMargin {
			reason = fmt.Sprintf("engineer wins on score (%d vs %d)", engScore, archScore)
		}
		return trace(Result{
			FinalContent:     winner.Content,
			Strategy:         StrategyConflictResolved,
			SourcedFrom:      []Role{winner.Role},
			ConflictDetected: true,
			ConflictResolution: &ConflictResolution{
				Winner:      winner.Role,
				WinnerScore: scoreOf(winner),
				LoserScore:  loserScore,
				Reason:      reason,
			},
		}, all, []Role{winner.Role}), true
	}

	combined := "## Architecture Plan\n\n" + architect.Content +
		"\n\n## Implementation\n\n" + engineer.Content
	return trace(Result{
		FinalContent: combined,
		Strategy:     StrategyArchitectEngineer,
		SourcedFrom:  []Role{RoleArchitect, RoleEngineer},
	}, all, []Role{RoleArchitect, RoleEngineer}), true
}

// Similarity computes case-insensitive word overlap (Jaccard) over the
// first 100 tokens of each text.
func Similarity(a, b string) float64 {
	wa := firstWords(a, 100)
	wb := firstWords(b, 100)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(wa))
	for _, w := range wa {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wb))
	for _, w := range wb {
		setB[w] = true
	}
	shared := 0
	union := len(setA)
	for w := range setB {
		if setA[w] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func firstWords(s string, n int) []string {
	words := strings.Fields(strings.ToLower(s))
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// --- strategy 6: sequential concatenation ---

func concatSupports(ok []AgentOutput, all []AgentOutput) (Result, bool) {
	primary, found := nonValidatorPrimary(ok)
	if !found {
		return Result{}, false
	}

	var supports []AgentOutput
	for _, o := range ok {
		if o.Role != primary.Role && o.Role != RoleValidator {
			supports = append(supports, o)
		}
	}
	if len(supports) == 0 {
		return Result{}, false
	}

	var sb strings.Builder
	sb.WriteString(primary.Content)
	sourced := []Role{primary.Role}
	for _, s := range supports {
		sb.WriteString("\n\n## ")
		sb.WriteString(sectionTitle(s.Role))
		sb.WriteString("\n\n")
		sb.WriteString(s.Content)
		sourced = append(sourced, s.Role)
	}

	return trace(Result{
		FinalContent: sb.String(),
		Strategy:     StrategySequentialConcat,
		SourcedFrom:  sourced,
	}, all, sourced), true
}

func sectionTitle(r Role) string {
	if r == "" {
		return "Support"
	}
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
