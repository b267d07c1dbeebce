package interpreter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"codejudge/internal/judge/judgeclient"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/repository"
)

const DefaultDelimiter = "\n"

// CaseSeparator keeps multi-line inputs and outputs apart. Programs print it
// between the outputs of consecutive test cases.
const CaseSeparator = "\n---\n"

const (
	defaultCompileMessage = "compilation failed"
	defaultRuntimeMessage = "runtime error"
)

// Outcome is the canonical verdict for one submission.
type Outcome struct {
	Status           repository.Status
	Reason           repository.Reason
	TotalTestCases   int
	PassedTestCases  int
	Score            int
	ExecutionTimeMs  int64
	MemoryKB         int64
	TestCaseResults  []repository.TestCaseResult
	CompilationError string
	RuntimeError     string
	JudgeMessage     string
}

// TerminalUpdate converts the outcome into the store's terminal write.
func (o Outcome) TerminalUpdate(at time.Time) repository.TerminalUpdate {
	return repository.TerminalUpdate{
		Status:           o.Status,
		Reason:           o.Reason,
		PassedTestCases:  o.PassedTestCases,
		Score:            o.Score,
		ExecutionTimeMs:  o.ExecutionTimeMs,
		MemoryKB:         o.MemoryKB,
		TestCaseResults:  o.TestCaseResults,
		CompilationError: o.CompilationError,
		RuntimeError:     o.RuntimeError,
		JudgeMessage:     o.JudgeMessage,
		CompletedAt:      at,
	}
}

// Interpreter turns raw judge output into an Outcome. Test inputs are joined
// and outputs split with the same delimiter.
type Interpreter struct {
	Delimiter string
}

func New(delimiter string) *Interpreter {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Interpreter{Delimiter: delimiter}
}

func (i *Interpreter) delimiter() string {
	if i == nil || i.Delimiter == "" {
		return DefaultDelimiter
	}
	return i.Delimiter
}

// JoinInputs builds the aggregated stdin sent to the judge.
func (i *Interpreter) JoinInputs(testCases []problemRepo.TestCase) string {
	inputs := make([]string, len(testCases))
	for idx, tc := range testCases {
		inputs[idx] = tc.Input
	}
	return strings.Join(inputs, i.delimiter())
}

// Interpret is pure: the same raw result and test cases always give the same outcome.
func (i *Interpreter) Interpret(raw judgeclient.RawResult, testCases []problemRepo.TestCase) Outcome {
	total := len(testCases)
	out := Outcome{
		TotalTestCases:  total,
		ExecutionTimeMs: raw.TimeMs,
		MemoryKB:        raw.MemoryKB,
	}

	compiled := raw.Verdict != judgeclient.VerdictCompilationError
	var actual []string
	if compiled {
		actual = strings.Split(raw.Stdout, i.delimiter())
	}
	var perTestTime int64
	if total > 0 {
		perTestTime = raw.TimeMs / int64(total)
	}

	out.TestCaseResults = make([]repository.TestCaseResult, total)
	for idx, tc := range testCases {
		result := repository.TestCaseResult{
			Input:           tc.Input,
			ExpectedOutput:  tc.ExpectedOutput,
			Status:          repository.TestCaseFailed,
			ExecutionTimeMs: perTestTime,
			MemoryKB:        raw.MemoryKB,
		}
		if idx < len(actual) {
			result.ActualOutput = actual[idx]
			if strings.TrimSpace(result.ActualOutput) == strings.TrimSpace(tc.ExpectedOutput) {
				result.Status = repository.TestCasePassed
				out.PassedTestCases++
			}
		}
		out.TestCaseResults[idx] = result
	}

	switch raw.Verdict {
	case judgeclient.VerdictCompilationError:
		out.Status = repository.StatusCompilationError
		out.CompilationError = firstNonEmpty(raw.CompileOutput, raw.Message, defaultCompileMessage)
	case judgeclient.VerdictRuntimeError:
		out.Status = repository.StatusRuntimeError
		out.RuntimeError = firstNonEmpty(raw.Stderr, raw.Message, raw.Description, defaultRuntimeMessage)
	case judgeclient.VerdictTimeLimitExceeded:
		out.Status = repository.StatusTimeLimitExceeded
		out.Reason = repository.ReasonProgramTimeLimit
		out.JudgeMessage = firstNonEmpty(raw.Message, raw.Description)
	case judgeclient.VerdictMemoryLimitExceeded:
		out.Status = repository.StatusMemoryLimitExceeded
		out.Reason = repository.ReasonProgramMemory
		out.JudgeMessage = firstNonEmpty(raw.Message, raw.Description)
	case judgeclient.VerdictAccepted:
		if out.PassedTestCases == total && total > 0 {
			out.Status = repository.StatusAccepted
		} else {
			out.Status = repository.StatusWrongAnswer
		}
	default:
		out.Status = repository.StatusWrongAnswer
	}

	if out.Status.IsScored() {
		out.Score = Score(out.PassedTestCases, total)
	}
	return out
}

// Score is round(100 * passed / total), 0 when there are no test cases.
func Score(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(passed) / float64(total)))
}

// TimeoutOutcome marks a submission whose judge never finished within the poll budget.
func TimeoutOutcome(total, attempts int) Outcome {
	return Outcome{
		Status:         repository.StatusTimeLimitExceeded,
		Reason:         repository.ReasonJudgeTimeout,
		TotalTestCases: total,
		JudgeMessage:   fmt.Sprintf("judge did not finish after %d polls", attempts),
	}
}

// SchedulerErrorOutcome marks a submission whose polling failed.
func SchedulerErrorOutcome(total int, err error) Outcome {
	return Outcome{
		Status:         repository.StatusRuntimeError,
		Reason:         repository.ReasonSchedulerError,
		TotalTestCases: total,
		RuntimeError:   "judging failed",
		JudgeMessage:   errorText(err),
	}
}

// JudgeErrorOutcome marks a submission the judge reported as an internal failure.
func JudgeErrorOutcome(total int, raw judgeclient.RawResult) Outcome {
	return Outcome{
		Status:         repository.StatusRuntimeError,
		Reason:         repository.ReasonJudgeError,
		TotalTestCases: total,
		RuntimeError:   firstNonEmpty(raw.Message, raw.Description, defaultRuntimeMessage),
		JudgeMessage:   raw.Description,
	}
}

// DispatchFailedOutcome marks a submission the judge never accepted.
func DispatchFailedOutcome(total int, err error) Outcome {
	return Outcome{
		Status:         repository.StatusJudgeError,
		Reason:         repository.ReasonDispatchFailed,
		TotalTestCases: total,
		JudgeMessage:   errorText(err),
	}
}

// QueueFullOutcome marks a dispatched submission that could not be scheduled for polling.
func QueueFullOutcome(total int, err error) Outcome {
	return Outcome{
		Status:         repository.StatusJudgeError,
		Reason:         repository.ReasonQueueFull,
		TotalTestCases: total,
		JudgeMessage:   errorText(err),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
