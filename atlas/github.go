package atlas

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v29/github"
	"golang.org/x/oauth2"
)

// Repository permission levels, weakest first. Tokens proving at least write
// access to the configured repository may exchange for a server token.
var permissionOrder = map[string]int{
	"read":     1,
	"triage":   2,
	"write":    3,
	"maintain": 4,
	"admin":    5,
}

const requiredPermission = "write"

func permissionLabel(perms map[string]bool) string {
	switch {
	case perms["admin"]:
		return "admin"
	case perms["maintain"]:
		return "maintain"
	case perms["push"]:
		return "write"
	case perms["triage"]:
		return "triage"
	case perms["pull"]:
		return "read"
	}
	return ""
}

// GitHubVerifier proves a caller's identity through their repository
// permissions on a configured repo.
type GitHubVerifier struct {
	APIBaseURL string // empty for api.github.com
	Repo       string // "owner/name"
}

func (g GitHubVerifier) client(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := github.NewClient(oauth2.NewClient(ctx, ts))
	if g.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(g.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, err
		}
		c.BaseURL = base
	}
	return c, nil
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// Verify checks that the third-party token belongs to a user with at least
// write permission on the repo and returns the user's login.
func (g GitHubVerifier) Verify(ctx context.Context, token string) (string, error) {
	c, err := g.client(ctx, token)
	if err != nil {
		return "", err
	}
	owner, name, err := splitRepo(g.Repo)
	if err != nil {
		return "", err
	}

	me, _, err := c.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("%w: user check failed", ErrUnauthorized)
	}
	repo, _, err := c.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("%w: repo check failed", ErrUnauthorized)
	}
	label := permissionLabel(repo.GetPermissions())
	if permissionOrder[label] < permissionOrder[requiredPermission] {
		return "", fmt.Errorf("%w: insufficient permission", ErrUnauthorized)
	}
	login := me.GetLogin()
	if login == "" {
		login = fmt.Sprintf("github:%d", me.GetID())
	}
	return login, nil
}

// TicketRef identifies an externally filed ticket.
type TicketRef struct {
	URL    string
	Number int
}

// TicketCreator files a summary of an access request with an external issue
// tracker. Failures are best-effort for callers: the request is already
// persisted by the time a ticket is attempted.
type TicketCreator interface {
	CreateTicket(ctx context.Context, rec AccessRecord) (TicketRef, error)
}

// GitHubTicketCreator opens an issue per access request.
type GitHubTicketCreator struct {
	APIBaseURL string
	Repo       string
	Token      string
	Labels     []string
}

func (g GitHubTicketCreator) CreateTicket(ctx context.Context, rec AccessRecord) (TicketRef, error) {
	if g.Token == "" {
		return TicketRef{}, fmt.Errorf("no tracker token configured")
	}
	v := GitHubVerifier{APIBaseURL: g.APIBaseURL, Repo: g.Repo}
	c, err := v.client(ctx, g.Token)
	if err != nil {
		return TicketRef{}, err
	}
	owner, name, err := splitRepo(g.Repo)
	if err != nil {
		return TicketRef{}, err
	}

	title := fmt.Sprintf("Access request: %s %s (%s)", rec.Name, rec.Surname, rec.GitHubUsername)
	body := strings.Join([]string{
		"New access request received:",
		"",
		fmt.Sprintf("Name: %s %s", rec.Name, rec.Surname),
		fmt.Sprintf("Email: %s", rec.Email),
		fmt.Sprintf("GitHub: %s", rec.GitHubUsername),
		fmt.Sprintf("Remote: %s", rec.RemoteAddr),
		fmt.Sprintf("Timestamp: %s", rec.Timestamp),
		fmt.Sprintf("User-Agent: %s", rec.UserAgent),
	}, "\n")
	labels := g.Labels

	issue, _, err := c.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return TicketRef{}, err
	}
	return TicketRef{URL: issue.GetHTMLURL(), Number: issue.GetNumber()}, nil
}
