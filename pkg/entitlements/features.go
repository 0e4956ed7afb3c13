// Package entitlements defines shared MealLens entitlement contracts: the
// feature catalog, plan and subscription snapshots, trial derivations and
// the pure access decision.
//
// This package exists so UI adapters and tooling can depend on canonical
// entitlement metadata without importing internal packages.
package entitlements

import "sort"

// Feature constants represent gated features in MealLens.
const (
	FeatureFoodDetection       = "food_detection"       // Photo-based food recognition
	FeatureIngredientDetection = "ingredient_detection" // Ingredient list from a photo
	FeatureMealPlanning        = "meal_planning"        // Weekly meal planner
	FeatureRecipeGeneration    = "recipe_generation"    // AI recipe suggestions
	FeatureAIKitchen           = "ai_kitchen"           // AI kitchen assistant
)

// FeatureInfo is display metadata for a gated feature. Data only.
type FeatureInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IconID      string `json:"icon_id"`
	// TrialLimit is informational: the backend's per-feature trial quota.
	TrialLimit int `json:"trial_limit"`
}

// catalog is the static feature catalog.
var catalog = map[string]FeatureInfo{
	FeatureFoodDetection: {
		Name:        FeatureFoodDetection,
		Title:       "Food Detection",
		Description: "Snap a meal and get instant food recognition and nutrition insights.",
		IconID:      "camera",
		TrialLimit:  5,
	},
	FeatureIngredientDetection: {
		Name:        FeatureIngredientDetection,
		Title:       "Ingredient Detection",
		Description: "Identify ingredients from a photo and get recipe ideas.",
		IconID:      "scan",
		TrialLimit:  5,
	},
	FeatureMealPlanning: {
		Name:        FeatureMealPlanning,
		Title:       "Meal Planning",
		Description: "Generate personalised weekly meal plans.",
		IconID:      "calendar",
		TrialLimit:  3,
	},
	FeatureRecipeGeneration: {
		Name:        FeatureRecipeGeneration,
		Title:       "Recipe Generation",
		Description: "Get step-by-step recipes generated for your ingredients.",
		IconID:      "chef-hat",
		TrialLimit:  5,
	},
	FeatureAIKitchen: {
		Name:        FeatureAIKitchen,
		Title:       "AI Kitchen",
		Description: "Chat with the AI kitchen assistant while you cook.",
		IconID:      "sparkles",
		TrialLimit:  5,
	},
}

// LookupFeature returns catalog metadata for a feature name.
func LookupFeature(name string) (FeatureInfo, bool) {
	info, ok := catalog[name]
	return info, ok
}

// Features returns the catalog sorted by feature name.
func Features() []FeatureInfo {
	out := make([]FeatureInfo, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FeatureNames returns all catalog feature names, sorted.
func FeatureNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetFeatureDisplayName returns a human-readable name for a feature.
// Unknown features fall back to the raw name.
func GetFeatureDisplayName(feature string) string {
	if info, ok := catalog[feature]; ok {
		return info.Title
	}
	return feature
}
