package persistence

import "time"

// Thread is the top-level conversation container. The summary_* columns
// belong to the thread-level single-field auto-summary feature, which is
// explicitly out of scope for this core; they are carried on the entity so
// the schema matches what that external feature expects, but the core never
// writes them.
type Thread struct {
	ID                string
	Title             string
	CreatedAt         time.Time
	Summary           string
	SummaryUpdatedAt  *time.Time
	SummaryLang       string
	SummaryQuality    string
	IsSummarizing     bool
	SummarySourceHash string
	LastSummaryRunAt  *time.Time
}

// Role enumerates the four message roles the store accepts.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message belongs to exactly one Thread.
type Message struct {
	ID           string
	ThreadID     string
	Role         Role
	Content      string
	CreatedAt    time.Time
	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
}

// L2Summary is a pair (or grouped-pair) summary.
type L2Summary struct {
	ID             int64
	ThreadID       string
	StartMessageID string
	EndMessageID   string
	Text           string
	Tokens         int
	CreatedAt      time.Time
}

// L3MicroSummary condenses a contiguous block of L2 rows.
type L3MicroSummary struct {
	ID        int64
	ThreadID  string
	StartL2ID int64
	EndL2ID   int64
	Text      string
	Tokens    int
	CreatedAt time.Time
}

// MemoryState is the diagnostic cache of per-layer token totals; never the
// source of truth for compaction decisions.
type MemoryState struct {
	ThreadID               string
	LastCompactedMessageID string
	L1Tokens               int
	L2Tokens               int
	L3Tokens               int
	UpdatedAt              time.Time
}

// Profile is the single-row settings record the core profile block is
// rendered from. Read-only to this core; mutated only by the external
// profile CRUD.
type Profile struct {
	ID                 int
	DisplayName        string
	PreferredLanguage  string
	Tone               string
	Timezone           string
	RegionCoarse       string
	WorkHours          string
	UIFormatPrefs      string
	GoalsMood          string
	DecisionsTasks     string
	Brevity            string
	FormatDefaults     string
	InterestsTopics    string
	WorkflowTools      string
	OS                 string
	Runtime            string
	HardwareHint       string
	UpdatedAt          time.Time
	Source             string
	Confidence         float64
}

// Response records one generation turn. Cost is always 0 here; populating
// it is the excluded pricing component's job.
type Response struct {
	ID              string
	ThreadID        string
	RequestJSON     string
	ResponseJSON    string
	Status          string
	Model           string
	ProviderName    string
	ProviderBaseURL string
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	Cost            float64
	CreatedAt       time.Time
}

// ToolRun is a persisted record of an already-executed tool call; tool-call
// parsing itself is out of scope, but the Context Assembler reads this
// table's result text when rendering the tool-results system block.
type ToolRun struct {
	ID         string
	ThreadID   string
	AttemptID  string
	ToolName   string
	ArgsJSON   string
	ArgsHash   string
	ResultText string
	Status     string
	CreatedAt  time.Time
}
