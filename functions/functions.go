// Package functions holds the tool surface exposed to the model.
package functions

import (
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Declarations returns every tool offered to the model at session setup.
func Declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        "get_current_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"timezone": {
						Type:        genai.TypeString,
						Description: "IANA timezone name such as Europe/Paris. Defaults to UTC.",
					},
				},
			},
		},
	}
}

// Execute runs one tool call and returns its textual result.
func Execute(name string, args map[string]any) (string, error) {
	switch name {
	case "get_current_time":
		return getCurrentTime(args)
	default:
		return "", fmt.Errorf("unknown function: %s", name)
	}
}

func getCurrentTime(args map[string]any) (string, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format("Monday, January 2 2006, 15:04 MST"), nil
}
