// Package gitx wraps the git CLI for diff, history, and ignore checks.
//
// All commands run through exec.CommandContext with no shell involved.
// Quote exists for rendering commands into logs and errors in a form that
// is safe to paste back into a POSIX shell.
package gitx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// Client runs git commands inside a working directory.
type Client struct {
	// Dir is the directory commands run in.
	Dir string
}

// New returns a Client rooted at dir.
func New(dir string) *Client {
	return &Client{Dir: dir}
}

// run executes git with the given arguments and returns stdout.
// stderr is captured and folded into the returned error.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runInput(ctx, nil, args...)
}

func (c *Client) runInput(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.Dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.New(errors.ErrCodeGitCommand, msg, err).
			WithDetail("command", CommandString("git", args...))
	}

	return stdout.String(), nil
}

// IsRepo reports whether Dir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// RepoRoot returns the work tree root, or Dir when not a repository.
func (c *Client) RepoRoot(ctx context.Context) string {
	out, err := c.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return c.Dir
	}
	return strings.TrimSpace(out)
}

// CurrentBranch returns the checked-out branch name.
// For detached HEAD it returns "detached-{short-hash}".
func (c *Client) CurrentBranch(ctx context.Context) string {
	out, err := c.run(ctx, "branch", "--show-current")
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out)
	}
	out, err = c.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "unknown"
	}
	return "detached-" + strings.TrimSpace(out)
}

// RefExists reports whether the given ref resolves.
func (c *Client) RefExists(ctx context.Context, ref string) bool {
	_, err := c.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// MergeBase returns the merge base of two refs.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := c.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DefaultBaseBranch returns the base branch to diff against: "main" when
// it exists, then "master", then empty.
func (c *Client) DefaultBaseBranch(ctx context.Context) string {
	for _, name := range []string{"main", "master"} {
		if c.RefExists(ctx, name) {
			return name
		}
	}
	return ""
}

// ChangeStatus is a single-letter git status code (A, M, D, R, C, T).
type ChangeStatus byte

// Change describes one changed path between two refs.
type Change struct {
	Path    string
	OldPath string // set for renames and copies
	Status  ChangeStatus
}

// ChangedFiles lists files changed between base...target (merge-base
// semantics), excluding deletions.
func (c *Client) ChangedFiles(ctx context.Context, base, target string) ([]Change, error) {
	out, err := c.run(ctx, "diff", "--name-status", "-z", base+"..."+target)
	if err != nil {
		return nil, err
	}
	changes := parseNameStatus(out)

	kept := changes[:0]
	for _, ch := range changes {
		if ch.Status == 'D' {
			continue
		}
		kept = append(kept, ch)
	}
	return kept, nil
}

// parseNameStatus parses `git diff --name-status -z` output.
// Records are NUL separated: STATUS\0PATH\0, with renames and copies
// carrying two paths: R100\0OLD\0NEW\0.
func parseNameStatus(out string) []Change {
	fields := strings.Split(out, "\x00")
	var changes []Change
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		code := ChangeStatus(status[0])
		switch code {
		case 'R', 'C':
			if i+2 >= len(fields) {
				return changes
			}
			changes = append(changes, Change{Status: code, OldPath: fields[i+1], Path: fields[i+2]})
			i += 3
		default:
			if i+1 >= len(fields) {
				return changes
			}
			changes = append(changes, Change{Status: code, Path: fields[i+1]})
			i += 2
		}
	}
	return changes
}

// Diff returns the unified diff of a single path between base...target.
func (c *Client) Diff(ctx context.Context, base, target, path string) (string, error) {
	args := []string{"diff", base + "..." + target}
	if path != "" {
		args = append(args, "--", path)
	}
	return c.run(ctx, args...)
}

// ShowFile returns the file content at the given ref.
func (c *Client) ShowFile(ctx context.Context, ref, path string) (string, error) {
	return c.run(ctx, "show", ref+":"+path)
}

// RemoteURL returns the origin remote URL, falling back to the first
// configured remote. Empty when no remote exists.
func (c *Client) RemoteURL(ctx context.Context) string {
	out, err := c.run(ctx, "remote", "get-url", "origin")
	if err == nil {
		return strings.TrimSpace(out)
	}

	out, err = c.run(ctx, "remote")
	if err != nil {
		return ""
	}
	remotes := strings.Split(strings.TrimSpace(out), "\n")
	if len(remotes) == 0 || remotes[0] == "" {
		return ""
	}
	out, err = c.run(ctx, "remote", "get-url", remotes[0])
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// OwnerRepo extracts "owner/name" from a git remote URL. Handles ssh
// (git@host:owner/name.git) and http(s) forms. Empty when the URL does
// not carry an owner/name pair.
func OwnerRepo(remote string) string {
	remote = strings.TrimSpace(remote)
	remote = strings.TrimSuffix(remote, ".git")
	if remote == "" {
		return ""
	}

	var path string
	switch {
	case strings.Contains(remote, "://"):
		_, rest, _ := strings.Cut(remote, "://")
		_, path, _ = strings.Cut(rest, "/")
	case strings.Contains(remote, ":"):
		_, path, _ = strings.Cut(remote, ":")
	default:
		path = remote
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

// CheckIgnore reports which of the given paths are gitignored.
// Paths are passed over stdin in one batch. Outside a repository every
// path is reported as not ignored.
func (c *Client) CheckIgnore(ctx context.Context, paths []string) (map[string]bool, error) {
	ignored := make(map[string]bool, len(paths))
	if len(paths) == 0 {
		return ignored, nil
	}

	stdin := []byte(strings.Join(paths, "\x00") + "\x00")
	out, err := c.runInput(ctx, stdin, "check-ignore", "--stdin", "-z")
	if err != nil {
		// Exit status 1 means no path is ignored. Status 128 means not a
		// repository; treat both as nothing ignored.
		var exitErr *exec.ExitError
		if re := errors.AsReviewError(err); re != nil {
			if ee, ok := re.Cause.(*exec.ExitError); ok {
				exitErr = ee
			}
		}
		if exitErr != nil && exitErr.ExitCode() == 1 {
			return ignored, nil
		}
		if exitErr != nil && exitErr.ExitCode() == 128 {
			return ignored, nil
		}
		return nil, err
	}

	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			ignored[p] = true
		}
	}
	return ignored, nil
}
