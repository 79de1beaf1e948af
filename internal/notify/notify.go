// Package notify sends best-effort completion email through the Brevo
// transactional API when a job finalizes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/poverlay/poverlay/internal/job"
)

const (
	brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

	retryAttempts = 5
	retryBase     = time.Second
	retryCap      = 2 * time.Minute
)

// Notifier dispatches a completion notice for a finalized job. Delivery is
// best effort; failures never affect job state.
type Notifier interface {
	JobCompleted(ctx context.Context, j *job.Job)
}

// Noop is the Notifier used when email is disabled.
type Noop struct{}

func (Noop) JobCompleted(context.Context, *job.Job) {}

// Brevo sends completion email via the Brevo HTTP API.
type Brevo struct {
	apiKey      string
	senderEmail string
	senderName  string
	endpoint    string
	client      *http.Client
}

func NewBrevo(apiKey, senderEmail, senderName string) *Brevo {
	return &Brevo{
		apiKey:      apiKey,
		senderEmail: senderEmail,
		senderName:  senderName,
		endpoint:    brevoEndpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// JobCompleted dispatches the completion email asynchronously with jittered
// retries. Jobs without a recipient are skipped. ctx should be
// context.WithoutCancel of the caller's context so retries survive the
// triggering request but stop on shutdown.
func (b *Brevo) JobCompleted(ctx context.Context, j *job.Job) {
	if j.NotifyEmail == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"sender": map[string]string{
			"email": b.senderEmail,
			"name":  b.senderName,
		},
		"to": []map[string]string{
			{"email": j.NotifyEmail},
		},
		"subject":     subjectFor(j),
		"htmlContent": bodyFor(j),
	})
	if err != nil {
		slog.Error("notify: marshal payload", "job_id", j.ID, "error", err)
		return
	}

	go b.send(ctx, j.ID, payload)
}

func subjectFor(j *job.Job) string {
	switch j.Status {
	case job.StatusCompleted:
		return "Your overlay renders are ready"
	case job.StatusCompletedWithErrors:
		return fmt.Sprintf("Your overlay renders finished with %d failed clip(s)", j.CountTasks(job.TaskFailed))
	default:
		return "Your overlay render failed"
	}
}

func bodyFor(j *job.Job) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<p>%s</p><ul>", j.Message)
	for _, t := range j.Tasks {
		if t.Status == job.TaskCompleted {
			fmt.Fprintf(&buf, "<li>%s - completed</li>", t.Title)
		} else {
			fmt.Fprintf(&buf, "<li>%s - failed: %s</li>", t.Title, t.Error)
		}
	}
	buf.WriteString("</ul>")
	if j.DownloadAllURL != "" {
		fmt.Fprintf(&buf, `<p><a href="%s">Download all outputs</a></p>`, j.DownloadAllURL)
	}
	if j.ExpiresAt != nil {
		fmt.Fprintf(&buf, "<p>Outputs are kept until %s.</p>", j.ExpiresAt.UTC().Format(time.RFC1123))
	}
	return buf.String()
}

func (b *Brevo) send(ctx context.Context, jobID string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := b.post(ctx, payload)
		if err == nil {
			slog.Info("notify: completion email sent", "job_id", jobID)
			return
		}
		slog.Warn("notify: attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
		if attempt < retryAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	slog.Error("notify: all retries exhausted", "job_id", jobID)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
// Full jitter prevents synchronized retries when several jobs finalize together.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (b *Brevo) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
