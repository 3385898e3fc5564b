package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins adds the weather and user-info lookups.
func RegisterBuiltins(r *Registry, users map[string]string) {
	r.Register(NewWeather(time.Now))
	r.Register(NewUserInfo(users))
}

// Weather simulates a weather lookup.
type Weather struct {
	now func() time.Time
}

// NewWeather returns the get_weather tool; now supplies the default date.
func NewWeather(now func() time.Time) *Weather {
	if now == nil {
		now = time.Now
	}
	return &Weather{now: now}
}

func (w *Weather) Name() string { return "get_weather" }

func (w *Weather) Description() string {
	return "Provides weather information for a given location and date."
}

func (w *Weather) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "The city to get the weather for",
			},
			"date": map[string]any{
				"type":        "string",
				"description": "The date to get the weather for (YYYY-MM-DD)",
			},
			"unit": map[string]any{
				"type": "string",
				"enum": []string{"Celsius", "Fahrenheit"},
			},
		},
		"required": []string{"location"},
	}
}

func (w *Weather) Execute(_ context.Context, args map[string]any) (string, error) {
	location := strings.TrimSpace(getString(args, "location"))
	if location == "" {
		location = "an unknown location"
	}
	date := strings.TrimSpace(getString(args, "date"))
	if date == "" {
		date = w.now().Format(time.DateOnly)
	}

	high := "12°C"
	if strings.EqualFold(getString(args, "unit"), "Fahrenheit") {
		high = "54°F"
	}
	return fmt.Sprintf("The weather in %s on %s is sunny with a high of %s.", location, date, high), nil
}

// UserInfo looks up a user description in a static directory.
type UserInfo struct {
	directory map[string]string
}

// NewUserInfo returns the get_user_info tool over a copy of users.
func NewUserInfo(users map[string]string) *UserInfo {
	dir := make(map[string]string, len(users))
	for id, info := range users {
		dir[id] = info
	}
	return &UserInfo{directory: dir}
}

func (u *UserInfo) Name() string { return "get_user_info" }

func (u *UserInfo) Description() string {
	return "Returns what is known about a user of this service."
}

func (u *UserInfo) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "string",
				"description": "Identifier of the user",
			},
		},
		"required": []string{"user_id"},
	}
}

func (u *UserInfo) Execute(_ context.Context, args map[string]any) (string, error) {
	id := strings.TrimSpace(getString(args, "user_id"))
	if id == "" {
		return "", errors.New("user_id is required")
	}
	if info, ok := u.directory[id]; ok {
		return fmt.Sprintf("User '%s': %s", id, info), nil
	}
	return fmt.Sprintf("No information available for user '%s'.", id), nil
}
