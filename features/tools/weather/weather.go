// Package weather provides the local "weather" tool. It returns canned
// conditions; it exists to give the planner a second local tool.
package weather

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentloop/runtime/toolregistry"
)

// Name is the tool name.
const Name = "weather"

// Args are the tool arguments. Location is accepted as an alias of City.
type Args struct {
	City     string `json:"city,omitempty" jsonschema_description:"City name, for example Paris"`
	Location string `json:"location,omitempty" jsonschema_description:"Alias of city"`
}

// Register adds the weather tool to ts.
func Register(ts *toolregistry.Toolset) error {
	return toolregistry.Register(ts, Name, "Get the current weather for a city.", Lookup)
}

// Lookup runs the tool.
func Lookup(_ context.Context, a Args) (string, error) {
	city := strings.TrimSpace(a.City)
	if city == "" {
		city = strings.TrimSpace(a.Location)
	}
	if city == "" {
		city = "Unknown"
	}
	return fmt.Sprintf("Weather in %s: Sunny, 72°F", city), nil
}
