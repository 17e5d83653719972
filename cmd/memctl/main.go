// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/poiesic/convmem"
	"github.com/poiesic/convmem/config"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "memctl",
		Usage: "Save and query conversation memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Backend kind (relational, document)",
				EnvVars: []string{"MEMORY_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "PostgreSQL connection string for the relational backend",
				EnvVars: []string{"POSTGRES_DSN"},
			},
			&cli.StringFlag{
				Name:    "project",
				Usage:   "Project name for the document backend",
				EnvVars: []string{"MEMORY_DOCUMENT_PROJECT", "FIRESTORE_PROJECT"},
			},
			&cli.StringFlag{
				Name:    "dir",
				Usage:   "Root directory for document backend databases",
				EnvVars: []string{"MEMORY_DOCUMENT_DIR"},
			},
			&cli.BoolFlag{
				Name:  "in-memory",
				Usage: "Keep document backend data in memory only",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "save",
				Usage:  "Record one conversational turn",
				Action: saveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "session",
						Aliases:  []string{"s"},
						Usage:    "Session identifier",
						Required: true,
					},
					&cli.Int64Flag{
						Name:     "turn",
						Aliases:  []string{"t"},
						Usage:    "Conversational turn number, starting at 1",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "User utterance",
					},
					&cli.StringFlag{
						Name:  "assistant",
						Usage: "Assistant reply",
					},
					&cli.StringFlag{
						Name:  "metadata",
						Usage: "Metadata as a JSON object",
					},
				},
			},
			{
				Name:   "query",
				Usage:  "Search a session for a keyword",
				Action: queryCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "session",
						Aliases:  []string{"s"},
						Usage:    "Session identifier",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "query",
						Aliases: []string{"q"},
						Usage:   "Case-insensitive substring to match",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of matches",
						Value: 20,
					},
				},
			},
			{
				Name:   "exec",
				Usage:  "Run newline-delimited JSON tool requests from stdin",
				Action: execCommand,
			},
			newSeedCommand(),
		},
	}
}

// loadConfig reads configuration and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("backend") {
		cfg.Backend = strings.ToLower(c.String("backend"))
	}
	if c.IsSet("dsn") {
		cfg.Relational.DSN = c.String("dsn")
	}
	if c.IsSet("project") {
		cfg.Document.Project = c.String("project")
	}
	if c.IsSet("dir") {
		cfg.Document.Dir = c.String("dir")
	}
	if c.IsSet("in-memory") {
		cfg.Document.InMemory = c.Bool("in-memory")
	}
	return cfg, nil
}

func openMemory(c *cli.Context) (*convmem.Memory, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return convmem.New(convmem.WithConfig(cfg), convmem.WithLogger(slog.Default()))
}

func writeJSON(c *cli.Context, v any) error {
	return json.NewEncoder(c.App.Writer).Encode(v)
}

func saveCommand(c *cli.Context) error {
	req := convmem.SaveRequest{
		SessionID: c.String("session"),
		Turn:      c.Int64("turn"),
		User:      c.String("user"),
		Assistant: c.String("assistant"),
	}
	if raw := c.String("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			return fmt.Errorf("metadata must be a JSON object: %w", err)
		}
	}

	mem, err := openMemory(c)
	if err != nil {
		return err
	}
	defer mem.Close()

	resp, err := mem.MemorySave(c.Context, req)
	if err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	return writeJSON(c, resp)
}

func queryCommand(c *cli.Context) error {
	mem, err := openMemory(c)
	if err != nil {
		return err
	}
	defer mem.Close()

	resp, err := mem.MemoryQuery(c.Context, convmem.QueryRequest{
		SessionID: c.String("session"),
		Query:     c.String("query"),
		Limit:     c.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return writeJSON(c, resp)
}

// execRequest carries the tool name; the rest of the line is the tool payload.
type execRequest struct {
	Op string `json:"op"`
}

type execError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// execCommand answers each input line with one output line. A failed
// request produces an error line and processing continues.
func execCommand(c *cli.Context) error {
	mem, err := openMemory(c)
	if err != nil {
		return err
	}
	defer mem.Close()

	scanner := bufio.NewScanner(c.App.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req execRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := writeJSON(c, execError{Error: fmt.Sprintf("malformed request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		out, err := mem.Invoke(c.Context, req.Op, line)
		if err != nil {
			slog.Warn("request failed", "op", req.Op, "err", err)
			out = execError{Error: err.Error()}
		}
		if err := writeJSON(c, out); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	// Map string to slog.Level
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	// Logs go to stderr so stdout carries only JSON responses
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
