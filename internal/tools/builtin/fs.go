package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/internal/workspace"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

type readInput struct {
	Path     string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	MaxBytes int    `json:"maxBytes,omitempty" jsonschema:"minimum=1,description=Cap on returned bytes"`
}

type writeInput struct {
	Path       string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Content    string `json:"content" jsonschema:"required,description=Full file content to write"`
	CreateDirs bool   `json:"createDirs,omitempty" jsonschema:"description=Create missing parent directories"`
}

type listInput struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace. Defaults to the root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories"`
}

type listEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func registerFS(reg *tools.Registry, cfg Config) {
	reg.Register(tools.Descriptor{
		ID:          "fs.read",
		Description: "Read a file from the workspace.",
		InputSchema: toolschema.MustDerive[readInput](),
		Handler:     tools.HandlerFunc(readHandler(cfg)),
	})
	reg.Register(tools.Descriptor{
		ID:          "fs.write",
		Description: "Write a file inside the workspace, replacing its content.",
		InputSchema: toolschema.MustDerive[writeInput](),
		Handler:     tools.HandlerFunc(writeHandler(cfg)),
	})
	reg.Register(tools.Descriptor{
		ID:          "fs.list",
		Description: "List workspace files and directories.",
		InputSchema: toolschema.MustDerive[listInput](),
		Handler:     tools.HandlerFunc(listHandler(cfg)),
	})
}

func readHandler(cfg Config) tools.HandlerFunc {
	return func(ctx context.Context, input map[string]any, _ *tools.Call) *models.ToolResult {
		started := time.Now()
		var in readInput
		if err := decode(input, &in); err != nil {
			return failInput(err, started)
		}

		resolved, err := cfg.Workspace.Resolve(in.Path)
		if err != nil {
			return failPath(err, started)
		}

		file, err := os.Open(resolved)
		if err != nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("open file: %v", err), ms(started))
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("stat file: %v", err), ms(started))
		}
		if info.IsDir() {
			return models.FailResult(models.ErrInvalidInput,
				fmt.Sprintf("%s is a directory", in.Path), ms(started))
		}

		limit := cfg.MaxReadBytes
		if in.MaxBytes > 0 && in.MaxBytes < limit {
			limit = in.MaxBytes
		}

		content, err := io.ReadAll(io.LimitReader(file, int64(limit)))
		if err != nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("read file: %v", err), ms(started))
		}

		return models.OKResult(map[string]any{
			"content":   string(content),
			"size":      info.Size(),
			"truncated": int64(len(content)) < info.Size(),
		}, ms(started))
	}
}

func writeHandler(cfg Config) tools.HandlerFunc {
	return func(ctx context.Context, input map[string]any, _ *tools.Call) *models.ToolResult {
		started := time.Now()
		var in writeInput
		if err := decode(input, &in); err != nil {
			return failInput(err, started)
		}

		resolved, err := cfg.Workspace.Resolve(in.Path)
		if err != nil {
			return failPath(err, started)
		}

		if in.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return models.FailResult(models.ErrExecutionError,
					fmt.Sprintf("create directories: %v", err), ms(started))
			}
		}
		if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("write file: %v", err), ms(started))
		}

		return models.OKResult(map[string]any{
			"bytesWritten": len(in.Content),
		}, ms(started))
	}
}

func listHandler(cfg Config) tools.HandlerFunc {
	return func(ctx context.Context, input map[string]any, _ *tools.Call) *models.ToolResult {
		started := time.Now()
		var in listInput
		if err := decode(input, &in); err != nil {
			return failInput(err, started)
		}
		if in.Path == "" {
			in.Path = "."
		}

		resolved, err := cfg.Workspace.Resolve(in.Path)
		if err != nil {
			return failPath(err, started)
		}

		entries, truncated, err := collectEntries(resolved, in.Recursive, cfg.MaxListEntries)
		if err != nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("list directory: %v", err), ms(started))
		}

		data := map[string]any{"entries": entries}
		if truncated {
			data["truncated"] = true
		}
		return models.OKResult(data, ms(started))
	}
}

// collectEntries walks the directory, entry names relative to it. The walk
// stops once max entries are collected.
func collectEntries(dir string, recursive bool, max int) ([]listEntry, bool, error) {
	var entries []listEntry
	truncated := false

	if !recursive {
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			return nil, false, err
		}
		for _, de := range dirEntries {
			if len(entries) >= max {
				truncated = true
				break
			}
			entries = append(entries, toEntry(de.Name(), de))
		}
		return entries, truncated, nil
	}

	errStop := errors.New("stop")
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if len(entries) >= max {
			truncated = true
			return errStop
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = de.Name()
		}
		entries = append(entries, toEntry(rel, de))
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, false, err
	}
	return entries, truncated, nil
}

func toEntry(name string, de fs.DirEntry) listEntry {
	entry := listEntry{Name: name, IsDir: de.IsDir()}
	if info, err := de.Info(); err == nil && !de.IsDir() {
		entry.Size = info.Size()
	}
	return entry
}

func failInput(err error, started time.Time) *models.ToolResult {
	return models.FailResult(models.ErrInvalidInput, err.Error(), ms(started))
}

// failPath keeps the resolver's escape wording on the wire so callers can
// tell a confinement refusal from a missing file.
func failPath(err error, started time.Time) *models.ToolResult {
	code := models.ErrExecutionError
	if errors.Is(err, workspace.ErrEscapesRoot) {
		code = models.ErrInvalidInput
	}
	return models.FailResult(code, err.Error(), ms(started))
}

func ms(started time.Time) int64 {
	return time.Since(started).Milliseconds()
}
