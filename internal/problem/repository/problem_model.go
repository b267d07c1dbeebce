package repository

// Problem types. Only coding problems accept submissions.
const (
	ProblemTypeCoding = "coding"
	ProblemTypeQuiz   = "quiz"
)

// TestCase is one input/expected-output pair, ordered by position.
type TestCase struct {
	Input          string `json:"input" yaml:"input"`
	ExpectedOutput string `json:"expected_output" yaml:"expectedOutput"`
}

// CodingProblem is the read-only view the judging pipeline needs.
type CodingProblem struct {
	ID        int64      `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Type      string     `json:"type" yaml:"type"`
	TestCases []TestCase `json:"test_cases" yaml:"testCases"`
}
