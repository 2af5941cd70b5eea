package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	nameRe = regexp.MustCompile(`^[A-Za-zÀ-ÖØ-öø-ÿ' -]{2,100}$`)
	// GitHub login: alphanumeric with single interior hyphens. Length is
	// checked separately.
	githubRe = regexp.MustCompile(`^[a-zA-Z0-9](?:-?[a-zA-Z0-9])*$`)
)

// AccessRequest is the submitted form.
type AccessRequest struct {
	Name           string `json:"name"`
	Surname        string `json:"surname"`
	Email          string `json:"email"`
	GitHubUsername string `json:"github_username"`
}

// AccessRecord is one line of the durable request log.
type AccessRecord struct {
	Timestamp      string `json:"timestamp"`
	Name           string `json:"name"`
	Surname        string `json:"surname"`
	Email          string `json:"email"`
	GitHubUsername string `json:"github_username"`
	RemoteAddr     string `json:"remote_addr"`
	UserAgent      string `json:"user_agent"`
}

// Validate checks every field. Email validation is deliberately shallow: one
// @, non-empty local and domain parts, a dot in the domain.
func (r AccessRequest) Validate() error {
	if !nameRe.MatchString(strings.TrimSpace(r.Name)) {
		return fmt.Errorf("%w: invalid name", ErrBadRequest)
	}
	if !nameRe.MatchString(strings.TrimSpace(r.Surname)) {
		return fmt.Errorf("%w: invalid surname", ErrBadRequest)
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	login := strings.TrimSpace(r.GitHubUsername)
	if len(login) < 1 || len(login) > 39 || !githubRe.MatchString(login) {
		return fmt.Errorf("%w: invalid github username", ErrBadRequest)
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 || strings.Count(email, "@") != 1 {
		return fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	at := strings.Index(email, "@")
	local, domain := email[:at], email[at+1:]
	if local == "" || domain == "" || !strings.Contains(domain, ".") {
		return fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccessIntake validates, throttles, persists, and forwards access requests.
// The log write is the commit point; ticket creation afterwards is
// best-effort.
type AccessIntake struct {
	mu      sync.Mutex
	perIP   map[string][]time.Time
	byEmail map[string][]time.Time

	Window      time.Duration
	MinInterval time.Duration
	MaxPerIP    int
	MaxPerEmail int

	LogPath string
	Tickets TicketCreator
	Logger  *log.Logger

	now func() time.Time
}

func NewAccessIntake(dir string, logger *log.Logger) (*AccessIntake, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &AccessIntake{
		perIP:       make(map[string][]time.Time),
		byEmail:     make(map[string][]time.Time),
		Window:      time.Hour,
		MinInterval: 30 * time.Second,
		MaxPerIP:    5,
		MaxPerEmail: 3,
		LogPath:     filepath.Join(dir, "requests.jsonl"),
		Logger:      logger,
		now:         time.Now,
	}, nil
}

// admit charges one request against both the IP and the normalized email
// under a single lock, so concurrent submissions cannot interleave between
// the two checks.
func (a *AccessIntake) admit(ip, email string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.Window)
	ips := pruneWindow(a.perIP[ip], cutoff)
	emails := pruneWindow(a.byEmail[email], cutoff)
	a.perIP[ip] = ips
	a.byEmail[email] = emails

	last := time.Time{}
	if len(ips) > 0 {
		last = ips[len(ips)-1]
	}
	if len(emails) > 0 && emails[len(emails)-1].After(last) {
		last = emails[len(emails)-1]
	}
	if a.MinInterval > 0 && !last.IsZero() && now.Sub(last) < a.MinInterval {
		return fmt.Errorf("%w: please wait before submitting again", ErrRateLimited)
	}
	if len(ips) >= a.MaxPerIP {
		return fmt.Errorf("%w: too many requests from this address", ErrRateLimited)
	}
	if len(emails) >= a.MaxPerEmail {
		return fmt.Errorf("%w: too many requests for this email", ErrRateLimited)
	}

	a.perIP[ip] = append(ips, now)
	a.byEmail[email] = append(emails, now)
	return nil
}

// Submit runs the full intake: validate, throttle, append to the log, then
// try to file a ticket. Validation failures leave no trace in the log or the
// throttle counters. The returned ref is nil when no ticket was filed.
func (a *AccessIntake) Submit(ctx context.Context, req AccessRequest, remoteAddr, userAgent string) (AccessRecord, *TicketRef, error) {
	if err := req.Validate(); err != nil {
		return AccessRecord{}, nil, err
	}
	if err := a.admit(remoteAddr, normalizeEmail(req.Email)); err != nil {
		return AccessRecord{}, nil, err
	}

	rec := AccessRecord{
		Timestamp:      a.now().UTC().Format(time.RFC3339),
		Name:           strings.TrimSpace(req.Name),
		Surname:        strings.TrimSpace(req.Surname),
		Email:          strings.TrimSpace(req.Email),
		GitHubUsername: strings.TrimSpace(req.GitHubUsername),
		RemoteAddr:     remoteAddr,
		UserAgent:      userAgent,
	}
	if err := a.appendRecord(rec); err != nil {
		return AccessRecord{}, nil, fmt.Errorf("%w: persisting request: %v", ErrInternal, err)
	}

	var ticket *TicketRef
	if a.Tickets != nil {
		if ref, err := a.Tickets.CreateTicket(ctx, rec); err != nil {
			if a.Logger != nil {
				a.Logger.Printf("access request ticket failed for %s: %v", rec.Email, err)
			}
		} else {
			ticket = &ref
			if a.Logger != nil {
				a.Logger.Printf("access request ticket #%d filed: %s", ref.Number, ref.URL)
			}
		}
	}
	return rec, ticket, nil
}

// appendRecord writes one JSON line and fsyncs before reporting success.
func (a *AccessIntake) appendRecord(rec AccessRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(a.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
