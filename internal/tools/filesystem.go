package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// maxGrepMatches bounds grep output.
const maxGrepMatches = 200

// resolvePath resolves a possibly relative path against the call's
// working directory and rejects escapes. Resolution is deterministic:
// the same path and working directory always yield the same result.
func resolvePath(ctx context.Context, path string) (string, error) {
	workDir := WorkingDirFromCtx(ctx)
	if workDir == "" {
		return "", fmt.Errorf("no working directory: set the world's working_directory variable")
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if resolved != absWork && !strings.HasPrefix(resolved, absWork+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %s is outside the working directory", path)
	}
	return resolved, nil
}

// ReadFileTool reads file contents.
type ReadFileTool struct{}

func (ReadFileTool) Name() string        { return "read_file" }
func (ReadFileTool) Description() string { return "Read the contents of a file" }
func (ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the working directory",
			},
		},
		"required": []string{"path"},
	}
}

func (ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(ctx, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	return SilentResult(string(data))
}

// ListFilesTool lists directory entries.
type ListFilesTool struct{}

func (ListFilesTool) Name() string        { return "list_files" }
func (ListFilesTool) Description() string { return "List the entries of a directory" }
func (ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list, relative to the working directory. Defaults to the working directory.",
			},
		},
	}
}

func (ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(ctx, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(strings.Join(names, "\n"))
}

// GrepTool searches file contents with a regular expression. Registered
// as "grep" with a "grep_search" alias.
type GrepTool struct{}

func (GrepTool) Name() string        { return "grep" }
func (GrepTool) Description() string { return "Search files for a regular expression pattern" }
func (GrepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory to search, relative to the working directory. Defaults to the working directory.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (GrepTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	root, err := resolvePath(ctx, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	workDir := WorkingDirFromCtx(ctx)
	var matches []string
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || len(matches) >= maxGrepMatches {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(workDir, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxGrepMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && len(matches) == 0 {
		return ErrorResult(fmt.Sprintf("search %s: %v", path, walkErr))
	}

	if len(matches) == 0 {
		return SilentResult("no matches")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= maxGrepMatches {
		out += fmt.Sprintf("\n(stopped after %d matches)", maxGrepMatches)
	}
	return SilentResult(out)
}
