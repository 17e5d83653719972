package main

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/poiesic/convmem"
	"github.com/urfave/cli/v2"
)

// sampleDialogue alternates user and assistant lines.
var sampleDialogue = []string{
	"Hi, I was charged twice for my last order.",
	"Sorry about that. Can you give me the order number?",
	"It's 48213, placed on Monday.",
	"Thanks. I can see two charges for order 48213.",
	"Can you refund the duplicate?",
	"Yes, I've filed a dispute for the second charge.",
	"How long will the refund take?",
	"Refunds usually post within five business days.",
	"Will I get an email when it goes through?",
	"You'll get a confirmation email once the refund is issued.",
	"Great, thanks for the help.",
	"You're welcome. Anything else I can do?",
}

func newSeedCommand() *cli.Command {
	return &cli.Command{
		Name:   "seed",
		Usage:  "Record a dialogue, one line per utterance, alternating user and assistant",
		Action: seedCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "Session identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "src",
				Usage: "File of dialogue lines (defaults to a built-in sample)",
			},
			&cli.Int64Flag{
				Name:  "start",
				Usage: "Turn number of the first exchange",
				Value: 1,
			},
		},
	}
}

// linesFromReader returns an iterator over lines read from r. Once
// iteration ends, *errp holds the read error, if any.
func linesFromReader(r io.Reader, errp *error) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
		*errp = scanner.Err()
	}
}

// linesFromSlice returns an iterator over a slice of strings.
func linesFromSlice(lines []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, line := range lines {
			if !yield(line) {
				return
			}
		}
	}
}

// exchanges pairs consecutive lines into (user, assistant) exchanges.
// A trailing unpaired line becomes an exchange with an empty reply.
func exchanges(lines iter.Seq[string]) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		var (
			user    string
			pending bool
		)
		for line := range lines {
			if !pending {
				user, pending = line, true
				continue
			}
			pending = false
			if !yield(user, line) {
				return
			}
		}
		if pending {
			yield(user, "")
		}
	}
}

func seedCommand(c *cli.Context) error {
	start := c.Int64("start")
	if start < 1 {
		return fmt.Errorf("start must be at least 1")
	}

	mem, err := openMemory(c)
	if err != nil {
		return err
	}
	defer mem.Close()

	var readErr error
	source := linesFromSlice(sampleDialogue)
	if src := c.String("src"); src != "" {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		source = linesFromReader(f, &readErr)
	}

	turn := start
	for user, assistant := range exchanges(source) {
		_, err := mem.MemorySave(c.Context, convmem.SaveRequest{
			SessionID: c.String("session"),
			Turn:      turn,
			User:      user,
			Assistant: assistant,
		})
		if err != nil {
			return fmt.Errorf("seed turn %d: %w", turn, err)
		}
		turn++
	}
	if readErr != nil {
		return fmt.Errorf("read %s: %w", c.String("src"), readErr)
	}

	slog.Info("seeded session", "session_id", c.String("session"), "turns", turn-start)
	return writeJSON(c, map[string]any{"ok": true, "turns": turn - start})
}
