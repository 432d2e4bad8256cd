package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/logging"
)

const maxReadBytes = 64 * 1024

// BuiltinOptions configures the builtin tool set.
type BuiltinOptions struct {
	// ScratchDir is where write_note stores its files. Empty disables the
	// tool.
	ScratchDir string
}

// NewBuiltinRegistry returns a registry with the reference tool set:
// current_time, read_file, list_files and write_note.
func NewBuiltinRegistry(opts BuiltinOptions, logger logging.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register(Tool{
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 form.",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})

	r.Register(Tool{
		Name:        "read_file",
		Description: "Reads a text file. Arguments: path (string).",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + "\n... (truncated)", nil
			}
			return string(data), nil
		},
	})

	r.Register(Tool{
		Name:        "list_files",
		Description: "Lists directory entries. Arguments: path (string).",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	})

	if opts.ScratchDir != "" {
		scratch := expandHome(opts.ScratchDir)
		r.Register(Tool{
			Name:        "write_note",
			Description: "Writes a named note to the scratch area. Arguments: title (string), body (string).",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				title, err := stringArg(args, "title")
				if err != nil {
					return "", err
				}
				body, _ := args["body"].(string)
				if err := os.MkdirAll(scratch, 0o755); err != nil {
					return "", err
				}
				name := sanitizeNoteName(title) + ".md"
				path := filepath.Join(scratch, name)
				if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
					return "", err
				}
				return "note written to " + path, nil
			},
		})
	}

	return r
}

func stringArg(args map[string]any, key string) (string, error) {
	value, _ := args[key].(string)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return value, nil
}

func sanitizeNoteName(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(title))
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		cleaned = "note"
	}
	return cleaned
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
