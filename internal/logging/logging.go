// Package logging configures structured JSON logging for agent-world
// nodes, mirroring the teacher's observability/logging package.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the default slog logger to emit structured JSON with
// world_id/node_id context attached, and returns it for direct use.
func Setup(worldID, nodeID string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []any{slog.String("service", "agent-world")}
	if worldID = strings.TrimSpace(worldID); worldID != "" {
		attrs = append(attrs, slog.String("world_id", worldID))
	}
	if nodeID = strings.TrimSpace(nodeID); nodeID != "" {
		attrs = append(attrs, slog.String("node_id", nodeID))
	}

	base := slog.New(handler).With(attrs...)
	slog.SetDefault(base)
	return base
}
