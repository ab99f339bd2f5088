package eval

import (
	"encoding/json"
	"fmt"
	"os"
)

// Question categories of the built-in dataset.
const (
	CategorySimpleLookup         = "simple_lookup"
	CategoryAggregation          = "aggregation"
	CategoryJoin                 = "join"
	CategoryComplexAnalytics     = "complex_analytics"
	CategoryBusinessIntelligence = "business_intelligence"
	CategoryEdgeCases            = "edge_cases"
)

// Categories lists the built-in categories in report order.
var Categories = []string{
	CategorySimpleLookup,
	CategoryAggregation,
	CategoryJoin,
	CategoryComplexAnalytics,
	CategoryBusinessIntelligence,
	CategoryEdgeCases,
}

// Dataset is a collection of test cases for evaluation.
type Dataset struct {
	Name  string     `json:"name"`
	Tests []TestCase `json:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question string `json:"question"`
	Category string `json:"category"`
	// ExpectedStrategy is "sql", "retrieval" or "both"; empty skips the
	// routing check.
	ExpectedStrategy string `json:"expected_strategy,omitempty"`
	// ExpectedFacts should appear in the answer. A fact may list
	// pipe-separated alternatives ("revenue|sales").
	ExpectedFacts []string `json:"expected_facts,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
}

// LoadDataset reads a dataset from a JSON file.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset: %w", err)
	}
	var d Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return Dataset{}, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	if len(d.Tests) == 0 {
		return Dataset{}, fmt.Errorf("dataset %s has no tests", path)
	}
	for i, tc := range d.Tests {
		if tc.Question == "" {
			return Dataset{}, fmt.Errorf("dataset %s: test %d has no question", path, i+1)
		}
	}
	if d.Name == "" {
		d.Name = path
	}
	return d, nil
}

// Filter returns the tests in the given categories, keeping their order.
func (d Dataset) Filter(categories ...string) Dataset {
	if len(categories) == 0 {
		return d
	}
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	out := Dataset{Name: d.Name}
	for _, tc := range d.Tests {
		if want[tc.Category] {
			out.Tests = append(out.Tests, tc)
		}
	}
	return out
}

// Sample returns the first n tests of each category.
func (d Dataset) Sample(n int) Dataset {
	seen := make(map[string]int)
	out := Dataset{Name: d.Name + " (sample)"}
	for _, tc := range d.Tests {
		if seen[tc.Category] < n {
			seen[tc.Category]++
			out.Tests = append(out.Tests, tc)
		}
	}
	return out
}

// DefaultDataset returns the labelled e-commerce questions.
func DefaultDataset() Dataset {
	return Dataset{
		Name: "E-commerce Questions",
		Tests: []TestCase{
			{Question: "How many customers do we have?", Category: CategorySimpleLookup, ExpectedStrategy: "sql", ExpectedFacts: []string{"customer"}},
			{Question: "What is the total number of orders?", Category: CategorySimpleLookup, ExpectedStrategy: "sql", ExpectedFacts: []string{"order"}},
			{Question: "Show me all products in the Electronics category", Category: CategorySimpleLookup, ExpectedStrategy: "sql"},
			{Question: "How many support tickets are currently open?", Category: CategorySimpleLookup, ExpectedStrategy: "sql", ExpectedFacts: []string{"ticket"}},
			{Question: "What is the average product price?", Category: CategorySimpleLookup, ExpectedStrategy: "sql", ExpectedFacts: []string{"$"}},
			{Question: "List all products with stock quantity less than 10", Category: CategorySimpleLookup, ExpectedStrategy: "sql"},

			{Question: "What is the total revenue from all orders?", Category: CategoryAggregation, ExpectedStrategy: "sql", ExpectedFacts: []string{"$"}},
			{Question: "What is the average order value?", Category: CategoryAggregation, ExpectedStrategy: "sql", ExpectedFacts: []string{"$"}},
			{Question: "What is the average rating across all products?", Category: CategoryAggregation, ExpectedStrategy: "sql", ExpectedFacts: []string{"rating"}},
			{Question: "How many products are in each category?", Category: CategoryAggregation, ExpectedStrategy: "sql", ExpectedFacts: []string{"category"}},
			{Question: "What is the total number of verified purchase reviews?", Category: CategoryAggregation, ExpectedStrategy: "sql"},

			{Question: "Show me all orders with customer names and email addresses", Category: CategoryJoin, ExpectedStrategy: "sql", ExpectedFacts: []string{"email"}},
			{Question: "List all products with their average ratings", Category: CategoryJoin, ExpectedStrategy: "sql", ExpectedFacts: []string{"rating"}},
			{Question: "Show me customers who have placed orders and their total spending", Category: CategoryJoin, ExpectedStrategy: "sql"},
			{Question: "List all support tickets with customer contact information", Category: CategoryJoin, ExpectedStrategy: "sql"},

			{Question: "Which customers have spent the most money?", Category: CategoryComplexAnalytics, ExpectedStrategy: "sql"},
			{Question: "What are our top 5 selling products?", Category: CategoryComplexAnalytics, ExpectedStrategy: "sql"},
			{Question: "Which categories generate the most revenue?", Category: CategoryComplexAnalytics, ExpectedStrategy: "sql", ExpectedFacts: []string{"revenue|$"}},
			{Question: "Which customers have the most support tickets?", Category: CategoryComplexAnalytics, ExpectedStrategy: "sql"},

			{Question: "What is our monthly revenue trend over the last 6 months?", Category: CategoryBusinessIntelligence, ExpectedStrategy: "sql", ExpectedFacts: []string{"revenue|$"}},
			{Question: "Which payment methods are most popular?", Category: CategoryBusinessIntelligence, ExpectedStrategy: "sql", ExpectedFacts: []string{"payment|card|paypal"}},
			{Question: "Tell me about our best customers", Category: CategoryBusinessIntelligence, ExpectedStrategy: "retrieval", ExpectedFacts: []string{"customer"}},
			{Question: "Summarize the feedback customers leave in their reviews", Category: CategoryBusinessIntelligence, ExpectedStrategy: "retrieval", ExpectedFacts: []string{"review|feedback"}},
			{Question: "Help me understand why customers open support tickets", Category: CategoryBusinessIntelligence, ExpectedStrategy: "retrieval", ExpectedFacts: []string{"ticket|support"}},

			{Question: "Show me orders with negative total amounts", Category: CategoryEdgeCases, ExpectedStrategy: "sql"},
			{Question: "List products with zero price", Category: CategoryEdgeCases, ExpectedStrategy: "sql"},
			{Question: "Show me orders placed in the future", Category: CategoryEdgeCases},
			{Question: "Find customers with orders but no reviews", Category: CategoryEdgeCases},
		},
	}
}
