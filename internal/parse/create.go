package parse

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
)

// Creation parses generated text into draft records for taskType. Drafts
// carry payload fields and token counters only; the creator stamps parent,
// project, version and platform before persisting.
//
// Automation scripts are not standalone records and are handled by
// AutomationScript instead.
func Creation(taskType artifact.TaskType, text string, usage Usage) ([]*artifact.Record, error) {
	switch taskType {
	case artifact.TypeEpic:
		rec, err := parseEpic(text)
		if err != nil {
			return nil, err
		}
		return stamp([]*artifact.Record{rec}, taskType, usage), nil
	case artifact.TypeWBS:
		rec, err := parseWBS(text)
		if err != nil {
			return nil, err
		}
		return stamp([]*artifact.Record{rec}, taskType, usage), nil
	case artifact.TypeFeature:
		recs, err := parseFeatures(text)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypeUserStory:
		recs, err := parseUserStories(text)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypeTask:
		recs, err := parseTasks(text)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypeTestCase:
		recs, err := parseTestCases(text)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypeBug:
		recs, err := parseWrapped(text, "bug", parseBug)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypeIssue:
		recs, err := parseWrapped(text, "issue", parseIssue)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	case artifact.TypePBI:
		recs, err := parseWrapped(text, "pbi", parsePBI)
		if err != nil {
			return nil, err
		}
		return stamp(recs, taskType, usage), nil
	default:
		return nil, fmt.Errorf("%w: no creation parser for task type %q", ErrMalformed, taskType)
	}
}

func stamp(recs []*artifact.Record, taskType artifact.TaskType, usage Usage) []*artifact.Record {
	for _, rec := range recs {
		rec.TaskType = taskType
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
	}
	return recs
}

type epicResponse struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Reflection  json.RawMessage `json:"reflection"`
	Summary     *string         `json:"summary"`
}

func parseEpic(text string) (*artifact.Record, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	var resp epicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: epic: %v", ErrMalformed, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.Description, "description"); err != nil {
		return nil, err
	}
	if len(resp.Reflection) == 0 {
		return nil, fmt.Errorf("%w: missing reflection", ErrMalformed)
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	return &artifact.Record{
		Title:       resp.Title,
		Description: resp.Description,
		Tags:        resp.Tags,
		Reflection:  resp.Reflection,
		Summary:     resp.Summary,
	}, nil
}

type wbsResponse struct {
	WBS json.RawMessage `json:"wbs"`
}

func parseWBS(text string) (*artifact.Record, error) {
	raw, err := firstObject(text)
	if err != nil {
		return nil, err
	}
	var resp wbsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: wbs: %v", ErrMalformed, err)
	}
	if len(resp.WBS) == 0 {
		return nil, fmt.Errorf("%w: missing wbs payload", ErrMalformed)
	}
	return &artifact.Record{WBS: resp.WBS}, nil
}

type featureResponse struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria criteria `json:"acceptance_criteria"`
	Summary            *string  `json:"summary"`
}

func parseFeatures(text string) ([]*artifact.Record, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	recs := make([]*artifact.Record, 0, len(items))
	for _, item := range items {
		var resp featureResponse
		if err := json.Unmarshal(item, &resp); err != nil {
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
		recs = append(recs, &artifact.Record{
			Title:              resp.Title,
			Description:        resp.Description,
			AcceptanceCriteria: ac,
			Summary:            resp.Summary,
		})
	}
	return recs, nil
}

type userStoryResponse struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria criteria `json:"acceptance_criteria"`
	Priority           string   `json:"priority"`
	DoD                *string  `json:"dod"`
	DoR                *string  `json:"dor"`
	Summary            *string  `json:"summary"`
}

func parseUserStories(text string) ([]*artifact.Record, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	recs := make([]*artifact.Record, 0, len(items))
	for _, item := range items {
		var resp userStoryResponse
		if err := json.Unmarshal(item, &resp); err != nil {
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
		recs = append(recs, &artifact.Record{
			Title:              resp.Title,
			Description:        resp.Description,
			AcceptanceCriteria: ac,
			Priority:           artifact.StringPtr(resp.Priority),
			DoD:                resp.DoD,
			DoR:                resp.DoR,
			Summary:            resp.Summary,
		})
	}
	return recs, nil
}

type taskResponse struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Estimate    string  `json:"estimate"`
	Summary     *string `json:"summary"`
}

func parseTasks(text string) ([]*artifact.Record, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	recs := make([]*artifact.Record, 0, len(items))
	for _, item := range items {
		var resp taskResponse
		if err := json.Unmarshal(item, &resp); err != nil {
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
		recs = append(recs, &artifact.Record{
			Title:       resp.Title,
			Description: resp.Description,
			Estimate:    artifact.StringPtr(resp.Estimate),
			Summary:     resp.Summary,
		})
	}
	return recs, nil
}

type actionResponse struct {
	Step           string `json:"step"`
	ExpectedResult string `json:"expected_result"`
}

type testCaseResponse struct {
	Title    string           `json:"title"`
	Priority string           `json:"priority"`
	Gherkin  json.RawMessage  `json:"gherkin"`
	Actions  []actionResponse `json:"actions"`
}

func parseTestCases(text string) ([]*artifact.Record, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	recs := make([]*artifact.Record, 0, len(items))
	for _, item := range items {
		var resp testCaseResponse
		if err := json.Unmarshal(item, &resp); err != nil {
			return nil, fmt.Errorf("%w: test case: %v", ErrMalformed, err)
		}
		if err := required(resp.Title, "title"); err != nil {
			return nil, err
		}
		if err := required(resp.Priority, "priority"); err != nil {
			return nil, err
		}
		if len(resp.Gherkin) == 0 {
			return nil, fmt.Errorf("%w: missing gherkin", ErrMalformed)
		}
		if resp.Actions == nil {
			return nil, fmt.Errorf("%w: missing actions", ErrMalformed)
		}
		actions := make([]artifact.Action, 0, len(resp.Actions))
		for _, a := range resp.Actions {
			if err := required(a.Step, "action step"); err != nil {
				return nil, err
			}
			if err := required(a.ExpectedResult, "action expected_result"); err != nil {
				return nil, err
			}
			actions = append(actions, artifact.Action{Step: a.Step, ExpectedResult: a.ExpectedResult})
		}
		recs = append(recs, &artifact.Record{
			Title:    resp.Title,
			Priority: artifact.StringPtr(resp.Priority),
			Gherkin:  resp.Gherkin,
			Actions:  actions,
		})
	}
	return recs, nil
}

// parseWrapped handles the bug/issue/pbi shape: an array of single-key
// wrapper objects, e.g. [{"bug": {...}}, {"bug": {...}}].
func parseWrapped(text string, key string, inner func(json.RawMessage) (*artifact.Record, error)) ([]*artifact.Record, error) {
	items, err := objectOrArray(text)
	if err != nil {
		return nil, err
	}
	recs := make([]*artifact.Record, 0, len(items))
	for _, item := range items {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(item, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		payload, ok := wrapper[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q wrapper key", ErrMalformed, key)
		}
		rec, err := inner(payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

type bugResponse struct {
	Title      string   `json:"title"`
	ReproSteps string   `json:"reproSteps"`
	SystemInfo string   `json:"systemInfo"`
	Tags       []string `json:"tags"`
}

func parseBug(raw json.RawMessage) (*artifact.Record, error) {
	var resp bugResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: bug: %v", ErrMalformed, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.ReproSteps, "reproSteps"); err != nil {
		return nil, err
	}
	if err := required(resp.SystemInfo, "systemInfo"); err != nil {
		return nil, err
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	return &artifact.Record{
		Title:      resp.Title,
		ReproSteps: artifact.StringPtr(resp.ReproSteps),
		SystemInfo: artifact.StringPtr(resp.SystemInfo),
		Tags:       resp.Tags,
	}, nil
}

// issueResponse covers both issues and PBIs, which share a shape.
type issueResponse struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func parseTitled(raw json.RawMessage, label string) (*artifact.Record, error) {
	var resp issueResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, label, err)
	}
	if err := required(resp.Title, "title"); err != nil {
		return nil, err
	}
	if err := required(resp.Description, "description"); err != nil {
		return nil, err
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	return &artifact.Record{
		Title:       resp.Title,
		Description: resp.Description,
		Tags:        resp.Tags,
	}, nil
}

func parseIssue(raw json.RawMessage) (*artifact.Record, error) {
	return parseTitled(raw, "issue")
}

func parsePBI(raw json.RawMessage) (*artifact.Record, error) {
	return parseTitled(raw, "pbi")
}
