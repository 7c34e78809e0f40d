// Package artifact defines the closed domain types shared by every component:
// task types, request lifecycle statuses, persisted records and the
// notification payload published for each terminal request.
//
// The string values are part of the external contract (they appear in job
// payloads, notification messages and the HTTP API) and must not change.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies the kind of artifact a request produces or targets.
type TaskType string

const (
	TypeEpic             TaskType = "epic"
	TypeFeature          TaskType = "feature"
	TypeUserStory        TaskType = "user_story"
	TypeTask             TaskType = "task"
	TypeBug              TaskType = "bug"
	TypeIssue            TaskType = "issue"
	TypePBI              TaskType = "pbi"
	TypeTestCase         TaskType = "test_case"
	TypeWBS              TaskType = "wbs"
	TypeAutomationScript TaskType = "automation_script"

	// TypeProject is the sentinel parent type for artifacts anchored to an
	// external system rather than to another artifact. It is never a valid
	// generation target and is exempt from hierarchy validation.
	TypeProject TaskType = "project"
)

var taskTypes = map[TaskType]struct{}{
	TypeEpic: {}, TypeFeature: {}, TypeUserStory: {}, TypeTask: {},
	TypeBug: {}, TypeIssue: {}, TypePBI: {}, TypeTestCase: {},
	TypeWBS: {}, TypeAutomationScript: {}, TypeProject: {},
}

// ParseTaskType validates s against the closed set of task types.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if _, ok := taskTypes[t]; !ok {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// Generatable reports whether t is a valid generation target.
func (t TaskType) Generatable() bool {
	_, ok := taskTypes[t]
	return ok && t != TypeProject
}

// Stored reports whether artifacts of type t are persisted as their own rows.
// Automation scripts merge into an existing test case and the project sentinel
// lives in an external system, so neither has rows of its own.
func (t TaskType) Stored() bool {
	_, ok := taskTypes[t]
	return ok && t != TypeProject && t != TypeAutomationScript
}

func (t TaskType) String() string { return string(t) }

// Status is the lifecycle status of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// Platform is the downstream board platform an artifact is destined for.
type Platform string

const (
	PlatformAzure Platform = "azure"
	PlatformJira  Platform = "jira"
)

// ParsePlatform validates s against the closed set of platforms. Empty input
// is allowed and returns the empty platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case "", PlatformAzure, PlatformJira:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Languages accepted for generated content. The first entry is the default.
var Languages = []string{"portuguese", "english", "spanish"}

// ParseLanguage validates s, defaulting to portuguese when empty.
func ParseLanguage(s string) (string, error) {
	if s == "" {
		return Languages[0], nil
	}
	for _, l := range Languages {
		if s == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

// Request is the durable record of one generation or reprocessing attempt.
// Created pending by the intake layer; only the orchestrator moves it to a
// terminal status.
type Request struct {
	ID           int64
	RequestID    string
	Parent       *int64
	ParentType   *TaskType
	ProjectID    *string
	TaskType     TaskType
	Status       Status
	ErrorMessage *string
	ArtifactType *TaskType
	ArtifactID   *int64
	Platform     Platform
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	UpdatedAt    *time.Time
}

// Record is one persisted artifact version. Type-specific fields are nil for
// types that do not use them.
type Record struct {
	ID         int64
	TaskType   TaskType
	Parent     *int64
	ParentType *TaskType
	ProjectID  *string

	Title       string
	Description string

	// Epic
	TeamProjectID *int64
	Tags          []string
	Reflection    json.RawMessage
	Summary       *string

	// Feature / user story
	AcceptanceCriteria *string
	Priority           *string
	DoD                *string
	DoR                *string

	// Task
	Estimate *string

	// Test case
	Gherkin json.RawMessage
	Script  *string
	Actions []Action

	// WBS
	WBS json.RawMessage

	// Bug
	ReproSteps *string
	SystemInfo *string

	Version          int
	IsActive         bool
	PromptTokens     int
	CompletionTokens int

	WorkItemID    *string
	ParentBoardID *string
	Platform      Platform

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Action is one ordered step of a test case. Version and active flags mirror
// the owning test case.
type Action struct {
	ID             int64
	TestCaseID     int64
	Step           string
	ExpectedResult string
	Version        int
	IsActive       bool
	Platform       Platform
}

// StringPtr returns a pointer to s, or nil when s is empty. Convenience for
// the many optional string columns.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
