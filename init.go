package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	sentinelStart = "<!-- repomap:start -->"
	sentinelEnd   = "<!-- repomap:end -->"
)

// newInitCmd returns the `repomap init` command, which writes (or updates) a
// repomap usage section in an agent instructions file.
func newInitCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "init [path-to-AGENTS.md]",
		Short: "Write a repomap usage section to an agent instructions file",
		Long: `Write a repomap usage section to an agent instructions file. The section is
wrapped in sentinel comments so it can be updated in place on subsequent runs
without touching surrounding content. Creates the file if it does not exist.

The path defaults to ./AGENTS.md.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			section := generateSection(a.cfg.Map.TokenLimit)

			// --dry-run with no path: just print the section itself.
			if dryRun && len(args) == 0 {
				_, _ = fmt.Fprintln(a.stdout, section)
				return nil
			}

			path := "AGENTS.md"
			if len(args) > 0 {
				path = args[0]
			}

			existing, _ := os.ReadFile(path)
			updated := applySection(string(existing), section)

			if dryRun {
				_, _ = fmt.Fprint(a.stdout, updated)
				return nil
			}
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			_, _ = fmt.Fprintf(a.stderr, "wrote repomap section to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

// generateSection returns the sentinel-wrapped repomap usage block.
func generateSection(tokenLimit int) string {
	body := `## repomap: Repository Map

Run ` + "`repomap`" + ` at the start of any task on an unfamiliar codebase. It prints
the most central definitions of the repository, ranked by how often other
files reference them, trimmed to about ` + fmt.Sprint(tokenLimit) + ` tokens.

**Availability:** Check with ` + "`repomap --version`" + ` first; skip gracefully if
not found.

**Run it:**
` + "```" + `bash
repomap                                  # current directory, default budget
repomap /path/to/repo -t 4096            # explicit path and token budget
repomap --chat src/api.go                # bias the map toward files you are editing
repomap --mention ParseConfig            # bias the map toward identifiers in the task
repomap ranked --symbol Handler          # ranked definitions as a TOON table
repomap blocks -t 8000 --repo-id myrepo  # ranked code blocks as JSON
` + "```" + `

**All flags:** ` + "`repomap --help`" + `

**How to use the output:**

1. **Start from the top.** Files and definitions appear in rank order; the
   first ones are what the rest of the code depends on most.

2. **Lines prefixed with ` + "`│`" + ` are verbatim source**, cut to their first
   line; ` + "`⋮`" + ` marks skipped code. Open the file for the full body.

3. **Files listed without a colon** had no room for their definitions; they
   still matter, but less.

4. **Pass the files you are editing with ` + "`--chat`" + `.** Their definitions are
   always shown and the ranking shifts toward their neighbors.`

	return sentinelStart + "\n" + body + "\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
