package tools

import (
	"context"
	"fmt"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Bardemic/codee-sub000/internal/environment"
)

// SlugGitHubCommits enables the git history tools.
const SlugGitHubCommits = "github/commits"

func addSandboxTools(set *Set, env environment.Environment) {
	set.Add(
		mcplib.NewTool("list_files",
			mcplib.WithDescription("List files in the repository"),
			mcplib.WithString("path", mcplib.Description("Relative path to list (use '.' for repo root)"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			path := req.GetString("path", ".")
			res, err := env.RunCommand(ctx, environment.Command{Name: "ls", Args: []string{"-1", path}})
			if err != nil {
				return "", "", err
			}
			return textResult(res), "listed " + path, nil
		},
	)

	set.Add(
		mcplib.NewTool("read_file",
			mcplib.WithDescription("Read a file from the repository"),
			mcplib.WithString("path", mcplib.Description("Relative file path to read"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			path, err := req.RequireString("path")
			if err != nil {
				return "", "", err
			}
			content, err := env.ReadFile(ctx, path)
			if err != nil {
				return "", "", err
			}
			return string(content), "read " + path, nil
		},
	)

	set.Add(
		mcplib.NewTool("update_file",
			mcplib.WithDescription("Overwrite a file with new content"),
			mcplib.WithString("path", mcplib.Description("Relative file path to write"), mcplib.Required()),
			mcplib.WithString("content", mcplib.Description("New file contents"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			path, err := req.RequireString("path")
			if err != nil {
				return "", "", err
			}
			content := req.GetString("content", "")
			if err := env.WriteFiles(ctx, []environment.File{{Path: path, Content: []byte(content)}}); err != nil {
				return "", "", err
			}
			return "file updated", "updated " + path, nil
		},
	)

	set.Add(
		mcplib.NewTool("grep",
			mcplib.WithDescription("Run grep in the repository"),
			mcplib.WithString("command", mcplib.Description("Shell command to run (e.g., `grep -R foo .`)"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			command, err := req.RequireString("command")
			if err != nil {
				return "", "", err
			}
			res, err := env.RunCommand(ctx, environment.Shell(command))
			if err != nil {
				return "", "", err
			}
			// grep exits 1 when nothing matched; that is an answer, not a failure.
			if res.ExitCode == 1 && res.Stderr == "" {
				return "no matches", command, nil
			}
			return textResult(res), command, nil
		},
	)
}

func addCommitTools(set *Set, env environment.Environment) {
	set.Add(
		mcplib.NewTool("github_list_commits",
			mcplib.WithDescription("List recent git commits in the repository (max 10). Do NOT do anything regarding Git without using this tool."),
			mcplib.WithNumber("n", mcplib.Description("Number of commits to list"), mcplib.Min(1), mcplib.Max(10), mcplib.DefaultNumber(5)),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			n := min(max(req.GetInt("n", 5), 1), 10)
			res, err := env.RunCommand(ctx, environment.Git("log", "-n", strconv.Itoa(n), "--pretty=format:%H - %an, %ad : %s", "--date=iso"))
			if err != nil {
				return "", "", err
			}
			return textResult(res), fmt.Sprintf("listed %d commits", n), nil
		},
	)

	set.Add(
		mcplib.NewTool("github_view_commit",
			mcplib.WithDescription("Show detailed diff for a specific commit"),
			mcplib.WithString("sha", mcplib.Description("The commit SHA to view"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			sha, err := req.RequireString("sha")
			if err != nil {
				return "", "", err
			}
			res, err := env.RunCommand(ctx, environment.Git("show", "--end-of-options", sha))
			if err != nil {
				return "", "", err
			}
			return textResult(res), "viewed " + sha, nil
		},
	)
}

func addOrchestratorTools(set *Set, spawn func(ctx context.Context, prompt string) (int64, error)) {
	set.Add(
		mcplib.NewTool("spawn_sub_agent",
			mcplib.WithDescription("Spawn a new agent with a given prompt"),
			mcplib.WithString("prompt", mcplib.Description("The prompt to spawn the agent with"), mcplib.Required()),
		),
		func(ctx context.Context, req mcplib.CallToolRequest) (string, string, error) {
			prompt, err := req.RequireString("prompt")
			if err != nil {
				return "", "", err
			}
			id, err := spawn(ctx, prompt)
			if err != nil {
				return "", "", err
			}
			out := strconv.FormatInt(id, 10)
			return out, "spawned agent " + out, nil
		},
	)
}
