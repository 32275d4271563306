package domain

import "time"

// Size, Complexity and Type are the three classification dimensions.
// Each is a closed enum; anything outside the listed values is rejected
// before an oracle call is made.
const (
	DimSize       = "size"
	DimComplexity = "complexity"
	DimType       = "type"
)

var (
	Sizes        = []string{"XS", "S", "M", "L", "XL", "XXL"}
	Complexities = []string{"Low", "Medium", "High", "Critical"}
	Types        = []string{"Feature", "Enhancement", "Bug", "Infrastructure", "Migration", "Research", "Epic"}
)

// Expected is a scenario's expected classification triple.
type Expected struct {
	Size       string `yaml:"size" json:"size"`
	Complexity string `yaml:"complexity" json:"complexity"`
	Type       string `yaml:"type" json:"type"`
}

func (e Expected) Value(dim string) string {
	switch dim {
	case DimSize:
		return e.Size
	case DimComplexity:
		return e.Complexity
	case DimType:
		return e.Type
	}
	return ""
}

// Scenario is a canonical reference work pattern.
type Scenario struct {
	ID              string            `yaml:"id" json:"id"`
	Title           string            `yaml:"title" json:"title"`
	DomainTag       string            `yaml:"domain_tag" json:"domain_tag"`
	Expected        Expected          `yaml:"expected" json:"expected"`
	ContextReqs     map[string]string `yaml:"context_requirements" json:"context_requirements"`
	Examples        []string          `yaml:"examples" json:"examples"`
	SuccessPatterns []string          `yaml:"success_patterns" json:"success_patterns"`
	UsageCount      int64             `yaml:"-" json:"usage_count"`
	AccuracyScore   float64           `yaml:"-" json:"accuracy_score"` // 0-100
	Version         int               `yaml:"-" json:"version"`
	Retired         bool              `yaml:"-" json:"retired"`
	FlaggedForReview bool             `yaml:"-" json:"flagged_for_review"`
}

// Rule sources.
const (
	RuleSourceManual  = "manual"
	RuleSourcePattern = "pattern-analysis"
)

// ContextRule injects context into a request when its trigger matches the
// description. Rules created by pattern analysis carry the cluster
// consistency ratio as confidence; only rules with confidence >= the
// auto-apply threshold become active without review.
type ContextRule struct {
	ID           string            `yaml:"id" json:"id"`
	Trigger      Condition         `yaml:"trigger" json:"trigger"`
	Additions    map[string]string `yaml:"additions" json:"additions"`
	Confidence   float64           `yaml:"confidence" json:"confidence"` // 0-1
	Source       string            `yaml:"source" json:"source"`
	Priority     int               `yaml:"priority" json:"priority"`
	AppliedCount int64             `yaml:"-" json:"applied_count"`
	Active       bool              `yaml:"-" json:"active"`
	CreatedAt    time.Time         `yaml:"-" json:"created_at"`
}

// DimensionResult is one dimension of an oracle classification.
type DimensionResult struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Result is a full classification triple with per-dimension confidence
// and reasoning.
type Result struct {
	Size       DimensionResult `json:"size"`
	Complexity DimensionResult `json:"complexity"`
	Type       DimensionResult `json:"type"`
}

func (r Result) Dimension(dim string) DimensionResult {
	switch dim {
	case DimSize:
		return r.Size
	case DimComplexity:
		return r.Complexity
	case DimType:
		return r.Type
	}
	return DimensionResult{}
}

func (r *Result) SetDimension(dim string, d DimensionResult) {
	switch dim {
	case DimSize:
		r.Size = d
	case DimComplexity:
		r.Complexity = d
	case DimType:
		r.Type = d
	}
}

// Values returns the bare triple, convenient for comparisons.
func (r Result) Values() Expected {
	return Expected{Size: r.Size.Value, Complexity: r.Complexity.Value, Type: r.Type.Value}
}

// ClassificationRecord is the immutable outcome of one classify call.
// AlignmentScore is only meaningful when MatchedScenarioID is non-empty.
type ClassificationRecord struct {
	ID                string            `json:"id"`
	Description       string            `json:"description"`
	InputContext      map[string]string `json:"input_context"`
	MatchedScenarioID string            `json:"matched_scenario_id"`
	MatchOutcome      string            `json:"match_outcome"`
	EnhancedContext   map[string]string `json:"enhanced_context"`
	AppliedRuleIDs    []string          `json:"applied_rule_ids"`
	Result            Result            `json:"result"`
	AlignmentScore    int               `json:"alignment_score"`
	Invalidated       bool              `json:"invalidated"`
	Provider          string            `json:"provider"`
	Model             string            `json:"model"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Feedback types.
const (
	FeedbackAccept = "accept"
	FeedbackEdit   = "edit"
	FeedbackReject = "reject"
)

// FeedbackRecord links user feedback to an existing classification.
// Corrections holds only the dimensions the user changed.
type FeedbackRecord struct {
	ID                string            `json:"id"`
	ClassificationID  string            `json:"classification_id"`
	FeedbackType      string            `json:"feedback_type"`
	Corrections       map[string]string `json:"corrections"`
	AdditionalContext map[string]string `json:"additional_context"`
	UserID            string            `json:"user_id"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Snapshot is the structural configuration at one version: the scenario
// library, the context rules and the prompt templates. Snapshots are
// immutable once committed.
type Snapshot struct {
	Scenarios       []Scenario        `json:"scenarios"`
	Rules           []ContextRule     `json:"rules"`
	PromptTemplates map[string]string `json:"prompt_templates"`
}

// ConfigurationVersion is an immutable committed snapshot. Version ids are
// strictly increasing; a rollback produces a new version whose snapshot
// equals the target's content.
type ConfigurationVersion struct {
	VersionID int64     `json:"version_id"`
	Snapshot  Snapshot  `json:"snapshot"`
	ChangeLog string    `json:"change_log"`
	CreatedAt time.Time `json:"created_at"`
}

// Match outcomes.
const (
	MatchMatched   = "MATCHED"
	MatchAmbiguous = "AMBIGUOUS"
	MatchNoMatch   = "NO_MATCH"
)

// RuleProposal is a pattern-analysis rule that did not meet the auto-apply
// bar and is queued for manual review.
type RuleProposal struct {
	ID         string      `json:"id"`
	Rule       ContextRule `json:"rule"`
	Rationale  string      `json:"rationale"`
	ScenarioID string      `json:"scenario_id"`
	Status     string      `json:"status"` // "pending", "applied", "dismissed"
	CreatedAt  time.Time   `json:"created_at"`
}

func enumIndex(values []string, v string) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

// ValidSize reports whether v is a member of the size enum; likewise for
// the other dimensions.
func ValidSize(v string) bool       { return enumIndex(Sizes, v) >= 0 }
func ValidComplexity(v string) bool { return enumIndex(Complexities, v) >= 0 }
func ValidType(v string) bool       { return enumIndex(Types, v) >= 0 }

func ValidDimensionValue(dim, v string) bool {
	switch dim {
	case DimSize:
		return ValidSize(v)
	case DimComplexity:
		return ValidComplexity(v)
	case DimType:
		return ValidType(v)
	}
	return false
}

// EnumDistance returns the ordinal distance between two values of an
// ordered dimension. Type has no ordering, so any disagreement counts as a
// single step. Unknown values return -1.
func EnumDistance(dim, a, b string) int {
	var values []string
	switch dim {
	case DimSize:
		values = Sizes
	case DimComplexity:
		values = Complexities
	case DimType:
		if a == "" || b == "" {
			return -1
		}
		if a == b {
			return 0
		}
		return 1
	default:
		return -1
	}
	ia, ib := enumIndex(values, a), enumIndex(values, b)
	if ia < 0 || ib < 0 {
		return -1
	}
	if ia > ib {
		return ia - ib
	}
	return ib - ia
}

// Dimensions lists the three dimensions in canonical order.
func Dimensions() []string {
	return []string{DimSize, DimComplexity, DimType}
}
