// Package gitclient drives git as a subprocess against one build's
// Workspace root: clone/init, stage, commit, push with retry, and
// remote-repo creation through the GitHub REST API.
package gitclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"forgeguard/internal/forgeerr"
	"forgeguard/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Target describes where a build's commits land.
type Target struct {
	Kind string // "new_remote" | "existing_remote" | "local"
	Ref  string // repo name (new_remote) or clone/path URL (existing_remote/local)
}

// Client runs git subprocesses rooted at workDir.
type Client struct {
	workDir     string
	githubToken string
	log         *zap.Logger
	httpClient  *http.Client // used for the REST calls; New creates one per Client when none is passed
}

// New creates a Client rooted at a build's Workspace directory.
func New(workDir, buildID, githubToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		workDir:     workDir,
		githubToken: githubToken,
		httpClient:  httpClient,
		log:         logging.L().With(zap.String("component", "gitclient"), zap.String("build_id", buildID)),
	}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workDir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return out.String(), forgeerr.Wrap(forgeerr.KindGitError, fmt.Sprintf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(errBuf.String())), err)
	}
	return out.String(), nil
}

// InitOrClone prepares the Workspace: clones an existing remote, inits a
// fresh repo for a new remote or local target.
func (c *Client) InitOrClone(ctx context.Context, target Target) error {
	switch target.Kind {
	case "existing_remote":
		if _, err := c.run(ctx, "clone", c.authURL(target.Ref), "."); err != nil {
			return err
		}
		return nil
	case "new_remote", "local":
		_, err := c.run(ctx, "init")
		return err
	default:
		return forgeerr.New(forgeerr.KindGitError, fmt.Sprintf("unknown target kind %q", target.Kind))
	}
}

// authURL embeds a bearer-style token into an HTTPS clone URL for a single
// subprocess invocation. The Client never writes the token to disk; it
// appears only in the URL handed to the git subprocess.
func (c *Client) authURL(remote string) string {
	if c.githubToken == "" || !strings.HasPrefix(remote, "https://") {
		return remote
	}
	return strings.Replace(remote, "https://", fmt.Sprintf("https://x-access-token:%s@", c.githubToken), 1)
}

// StageAll runs `git add -A`.
func (c *Client) StageAll(ctx context.Context) error {
	_, err := c.run(ctx, "add", "-A")
	return err
}

// Commit creates a commit with the given message. Returns nil without
// error if there is nothing staged to commit.
func (c *Client) Commit(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "diff", "--cached", "--quiet"); err == nil {
		return nil // nothing staged
	}
	_, err := c.run(ctx, "commit", "-m", message)
	return err
}

// nonRetryableGitErrors are substrings of git stderr that indicate the
// push can never succeed on retry.
var nonRetryableGitErrors = []string{
	"authentication failed",
	"permission denied",
	"could not read username",
	"invalid ref",
	"does not appear to be a git repository",
}

func isNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range nonRetryableGitErrors {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// Push pushes remote/branch with exponential backoff + jitter: base 1s,
// cap 30s, up to `retries` attempts.
func (c *Client) Push(ctx context.Context, remote, branch string, retries int) error {
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		_, err := c.run(ctx, "push", c.authURL(remote), branch)
		if err == nil {
			return nil
		}
		lastErr = err
		if isNonRetryable(err) {
			c.log.Warn("push failed, non-retryable", zap.Error(err))
			return err
		}
		if attempt == retries-1 {
			break
		}
		delay := backoffDelay(attempt)
		c.log.Warn("push failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return forgeerr.Wrap(forgeerr.KindGitError, fmt.Sprintf("push failed after %d attempts", retries), lastErr)
}

// backoffDelay computes the delay for attempt N (0-indexed): base 1s
// doubling each attempt, capped at 30s, with up to 20% jitter.
func backoffDelay(attempt int) time.Duration {
	base := time.Second
	cap := 30 * time.Second
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		d = cap
	}
	jitterMax := int64(d) / 5
	if jitterMax <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

type createRepoRequest struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

type createRepoResponse struct {
	CloneURL string `json:"clone_url"`
	SSHURL   string `json:"ssh_url"`
	FullName string `json:"full_name"`
}

// CreateRemoteRepo creates a new GitHub repository via the REST API for a
// new_remote target.
func (c *Client) CreateRemoteRepo(ctx context.Context, name string, private bool) (string, error) {
	body, err := json.Marshal(createRepoRequest{Name: name, Private: private})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.github.com/user/repos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.githubToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.KindGitError, "create remote repo request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", forgeerr.New(forgeerr.KindGitError, fmt.Sprintf("github create repo: status %d", resp.StatusCode))
	}
	var out createRepoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", forgeerr.Wrap(forgeerr.KindGitError, "decoding create repo response", err)
	}
	return out.CloneURL, nil
}

// HashCredential bcrypt-hashes a credential, so a stored copy never holds
// the raw PAT. The Client itself stores no credentials.
func HashCredential(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyCredential checks a raw token against a previously hashed one.
func VerifyCredential(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
