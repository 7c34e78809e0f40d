package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Prompt carries the three chat roles plus the values substituted into their
// placeholders. {user_input} is only substituted into the user role;
// {language} and {type_test} are substituted into all three.
type Prompt struct {
	System    string
	User      string
	Assistant string

	UserInput string
	Language  string
	TypeTest  string
}

const (
	placeholderUserInput = "{user_input}"
	placeholderLanguage  = "{language}"
	placeholderTypeTest  = "{type_test}"
)

// render substitutes placeholders into a copy of p. Missing placeholders are
// logged but never fatal; the caller may have inlined the values already.
func (c *Client) render(ctx context.Context, p Prompt) Prompt {
	if p.UserInput != "" {
		if strings.Contains(p.User, placeholderUserInput) {
			p.User = strings.ReplaceAll(p.User, placeholderUserInput, p.UserInput)
		} else {
			c.log.Warn(ctx, "user prompt has no {user_input} placeholder")
		}
	}

	if !strings.Contains(p.System, placeholderLanguage) {
		c.log.Warn(ctx, "system prompt has no {language} placeholder",
			zap.String("language", p.Language))
	}

	for _, role := range []*string{&p.System, &p.User, &p.Assistant} {
		*role = strings.ReplaceAll(*role, placeholderTypeTest, p.TypeTest)
		*role = strings.ReplaceAll(*role, placeholderLanguage, p.Language)
	}
	return p
}
