package protocol

import "time"

// CriterionType tags a machine-checkable acceptance criterion.
type CriterionType string

// Criterion type constants.
const (
	CriterionCommand      CriterionType = "command"       // shell command must exit 0
	CriterionFileExists   CriterionType = "file_exists"   // path must exist
	CriterionFileContains CriterionType = "file_contains" // regex must match file contents
	CriterionScript       CriterionType = "script"        // custom script must exit 0
)

// Criterion is one acceptance check gating story completion.
type Criterion struct {
	Type        CriterionType `json:"type" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string        `json:"command,omitempty" yaml:"command,omitempty"`
	Path        string        `json:"path,omitempty" yaml:"path,omitempty"`
	Pattern     string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Script      string        `json:"script,omitempty" yaml:"script,omitempty"`
}

// Story is one PRD unit of work, mapped 1:1 to a task when executed.
type Story struct {
	ID                 string      `json:"id" yaml:"id"`
	Title              string      `json:"title" yaml:"title"`
	Description        string      `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []Criterion `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	DependsOn          []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Complexity         Complexity  `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Model              string      `json:"model,omitempty" yaml:"model,omitempty"` // explicit override wins over complexity routing
	Hints              []string    `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// Constraints bound a PRD run.
type Constraints struct {
	MaxWorkers            int `json:"max_workers" yaml:"max_workers"`
	MaxIterationsPerStory int `json:"max_iterations_per_story" yaml:"max_iterations_per_story"`
	TotalTimeoutMinutes   int `json:"total_timeout_minutes,omitempty" yaml:"total_timeout_minutes,omitempty"` // advisory, checked between dispatch cycles
}

// PRD is an ordered set of stories with acceptance criteria and dependencies.
type PRD struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Cwd         string      `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Stories     []Story     `json:"stories" yaml:"stories"`
	Constraints Constraints `json:"constraints" yaml:"constraints"`
}

// ValidationResult is the outcome of PRD validation.
type ValidationResult struct {
	Valid            bool              `json:"valid"`
	Errors           []string          `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd"`
	ModelAssignments map[string]string `json:"model_assignments"` // story id -> model
	DependencyOrder  []string          `json:"dependency_order"`  // topological story order
}

// StoryStatus is the per-story lifecycle inside a PRD session.
type StoryStatus string

// Story status constants. Blocked means a dependency failed terminally; only
// a human retry of the dependency can unblock it.
const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
	StoryBlocked    StoryStatus = "blocked"
)

// CriterionResult is one criterion's outcome for the latest iteration.
type CriterionResult struct {
	Criterion Criterion `json:"criterion"`
	Passed    bool      `json:"passed"`
	Detail    string    `json:"detail,omitempty"`
}

// StoryState tracks one story's progress within a PRD session.
type StoryState struct {
	StoryID   string            `json:"story_id"`
	TaskID    string            `json:"task_id"`
	Status    StoryStatus       `json:"status"`
	Iteration int               `json:"iteration"`
	Criteria  []CriterionResult `json:"criteria,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Model     string            `json:"model"`
	CostUSD   float64           `json:"cost_usd"`
}

// PrdSessionStatus is the overall state of a PRD run.
type PrdSessionStatus string

// PRD session status constants.
const (
	PrdRunning   PrdSessionStatus = "running"
	PrdPaused    PrdSessionStatus = "paused"
	PrdCompleted PrdSessionStatus = "completed"
	PrdFailed    PrdSessionStatus = "failed"
)

// PrdSession is the engine-visible snapshot of one PRD run.
type PrdSession struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"` // owning registry session
	Name      string                 `json:"name"`
	Status    PrdSessionStatus       `json:"status"`
	Stories   map[string]*StoryState `json:"stories"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// CostBreakdown reports accumulated spend per story for one PRD session.
type CostBreakdown struct {
	TotalUSD float64            `json:"total_usd"`
	ByStory  map[string]float64 `json:"by_story"`
}
