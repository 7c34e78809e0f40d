package parse

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
)

// Update is the field set produced by the update parsers. Nil pointer fields
// were not present in the response and leave the stored value untouched; the
// reprocessor decides which fields each type merges.
type Update struct {
	Title              string
	Description        string
	Tags               []string
	Reflection         json.RawMessage
	Summary            *string
	AcceptanceCriteria *string
	Priority           *string
	DoD                *string
	DoR                *string
	Estimate           *string
	Gherkin            json.RawMessage
	Actions            []artifact.Action
	WBS                json.RawMessage
	ReproSteps         *string
	SystemInfo         *string
	Script             *string
}

// ForUpdate parses generated text into the update field set for taskType.
// Responses that arrive as arrays collapse to their first element.
func ForUpdate(taskType artifact.TaskType, text string) (*Update, error) {
	switch taskType {
	case artifact.TypeEpic:
		return parseEpicUpdate(text)
	case artifact.TypeFeature:
		return parseFeatureUpdate(text)
	case artifact.TypeUserStory:
		return parseUserStoryUpdate(text)
	case artifact.TypeTask:
		return parseTaskUpdate(text)
	case artifact.TypeTestCase:
		return parseTestCaseUpdate(text)
	case artifact.TypeWBS:
		return parseWBSUpdate(text)
	case artifact.TypeBug:
		return parseBugUpdate(text)
	case artifact.TypeIssue, artifact.TypePBI:
		return parseTitledUpdate(text, string(taskType))
	case artifact.TypeAutomationScript:
		script, err := AutomationScript(text)
		if err != nil {
			return nil, err
		}
		return &Update{Script: &script}, nil
	default:
		return nil, fmt.Errorf("%w: no update parser for task type %q", ErrMalformed, taskType)
	}
}

func parseEpicUpdate(text string) (*Update, error) {
	rec, err := parseEpic(text)
	if err != nil {
		return nil, err
	}
	return &Update{
		Title:       rec.Title,
		Description: rec.Description,
		Tags:        rec.Tags,
		Reflection:  rec.Reflection,
		Summary:     rec.Summary,
	}, nil
}

func parseFeatureUpdate(text string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	var resp featureResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: feature: %v", ErrMalformed, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.Description, "description"); err != nil {
		return nil, err
	}
	ac, err := resp.AcceptanceCriteria.flatten()
	if err != nil {
		return nil, err
	}
	return &Update{
		Title:              resp.Title,
		Description:        resp.Description,
		AcceptanceCriteria: ac,
		Summary:            resp.Summary,
	}, nil
}

func parseUserStoryUpdate(text string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	var resp userStoryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: user story: %v", ErrMalformed, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.Description, "description"); err != nil {
		return nil, err
	}
	if err := required(resp.Priority, "priority"); err != nil {
		return nil, err
	}
	ac, err := resp.AcceptanceCriteria.flatten()
	if err != nil {
		return nil, err
	}
	if ac == nil {
		return nil, fmt.Errorf("%w: missing acceptance_criteria", ErrMalformed)
	}
	return &Update{
		Title:              resp.Title,
		Description:        resp.Description,
		AcceptanceCriteria: ac,
		Priority:           artifact.StringPtr(resp.Priority),
	}, nil
}

func parseTaskUpdate(text string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	var resp taskResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: task: %v", ErrMalformed, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.Description, "description"); err != nil {
		return nil, err
	}
	if err := required(resp.Estimate, "estimate"); err != nil {
		return nil, err
	}
	return &Update{
		Title:       resp.Title,
		Description: resp.Description,
		Estimate:    artifact.StringPtr(resp.Estimate),
	}, nil
}

func parseTestCaseUpdate(text string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	recs, err := parseTestCases(string(raw))
	if err != nil {
		return nil, err
	}
	rec := recs[0]
	return &Update{
		Title:    rec.Title,
		Gherkin:  rec.Gherkin,
		Priority: rec.Priority,
		Actions:  rec.Actions,
	}, nil
}

func parseWBSUpdate(text string) (*Update, error) {
	rec, err := parseWBS(text)
	if err != nil {
		return nil, err
	}
	return &Update{WBS: rec.WBS}, nil
}

func parseBugUpdate(text string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	rec, err := parseBug(raw)
	if err != nil {
		return nil, err
	}
	return &Update{
		Title:      rec.Title,
		Tags:       rec.Tags,
		ReproSteps: rec.ReproSteps,
		SystemInfo: rec.SystemInfo,
	}, nil
}

func parseTitledUpdate(text, label string) (*Update, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	rec, err := parseTitled(raw, label)
	if err != nil {
		return nil, err
	}
	return &Update{
		Title:       rec.Title,
		Description: rec.Description,
		Tags:        rec.Tags,
	}, nil
}
