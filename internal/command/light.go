package command

import (
	"fmt"
	"math"
	"strconv"
)

// LightAction is the structured shortcut for the common set-state calls.
type LightAction struct {
	Action     string   `json:"action"`
	Selector   string   `json:"selector,omitempty"`
	Power      string   `json:"power,omitempty"`
	Color      string   `json:"color,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Kelvin     *float64 `json:"kelvin,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`
}

// ActionError is a LightAction that cannot be turned into a command.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string { return e.Message }

const setState = "set-state"

// BuildLightAction returns the set-state command for a and a one-line
// description of what it does.
func BuildLightAction(a LightAction) (Command, string, error) {
	if a.Action == "" {
		return Command{}, "", &ActionError{Message: "Action is required"}
	}
	selector := a.Selector
	if selector == "" {
		selector = DefaultSelector
	}
	duration := 1.0
	if a.Duration != nil {
		duration = *a.Duration
	}

	args := map[string]any{"selector": selector, "duration": duration}
	var desc string
	switch a.Action {
	case "power":
		if a.Power == "" {
			return Command{}, "", &ActionError{Action: a.Action, Message: "Power state (on/off) is required for power action"}
		}
		args["power"] = a.Power
		desc = fmt.Sprintf("Turn %s lights %s", selector, a.Power)
	case "color":
		if a.Color == "" {
			return Command{}, "", &ActionError{Action: a.Action, Message: "Color is required for color action"}
		}
		args["color"] = a.Color
		desc = fmt.Sprintf("Set %s lights to %s", selector, a.Color)
		if a.Kelvin != nil && *a.Kelvin != 0 {
			args["kelvin"] = *a.Kelvin
			desc += fmt.Sprintf(" (%sK)", strconv.FormatFloat(*a.Kelvin, 'f', -1, 64))
		}
	case "brightness":
		if a.Brightness == nil {
			return Command{}, "", &ActionError{Action: a.Action, Message: "Brightness level (0.0-1.0) is required for brightness action"}
		}
		args["brightness"] = *a.Brightness
		desc = fmt.Sprintf("Set %s lights brightness to %d%%", selector, int(math.Round(*a.Brightness*100)))
	default:
		return Command{}, "", &ActionError{Action: a.Action, Message: "Unsupported action: " + a.Action}
	}
	return Command{ToolName: setState, Arguments: args}, desc, nil
}
