// ABOUTME: Builtin tools registered by default in the gateway
// ABOUTME: Small, dependency-free tools useful in any session

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTools returns a registry preloaded with the builtin tools.
func DefaultTools() *ToolRegistry {
	r := NewToolRegistry()

	// Registration of our own specs cannot fail.
	_ = r.Register(ToolSpec{
		Name:        "time.now",
		Description: "Returns the current date and time in RFC 3339 format. Accepts an optional IANA timezone, e.g. {\"tz\": \"America/Chicago\"}.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tz": {"type": "string", "description": "IANA timezone name; defaults to UTC"}
			}
		}`),
		Func: timeNow,
	})

	_ = r.Register(ToolSpec{
		Name:        "time.sleep",
		Description: "Pauses for the given number of milliseconds (max 10000), then returns. Use to wait briefly. Input: {\"ms\": 500}.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ms": {"type": "integer", "description": "milliseconds to sleep, 0-10000"}
			},
			"required": ["ms"]
		}`),
		Func: timeSleep,
	})

	return r
}

func timeNow(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		TZ string `json:"tz"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("parsing arguments: %w", err)
		}
	}
	loc := time.UTC
	if in.TZ != "" {
		l, err := time.LoadLocation(in.TZ)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", in.TZ)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

func timeSleep(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		MS int `json:"ms"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parsing arguments: %w", err)
	}
	if in.MS < 0 || in.MS > 10000 {
		return "", fmt.Errorf("ms must be between 0 and 10000, got %d", in.MS)
	}
	select {
	case <-time.After(time.Duration(in.MS) * time.Millisecond):
		return fmt.Sprintf("slept %dms", in.MS), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
