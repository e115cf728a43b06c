// Package integration hands a finalized specification to the downstream system.
package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"specflow/internal/config"
	"specflow/internal/domain"
	"specflow/internal/logging"
)

const (
	SignatureHeader = "X-Specflow-Signature"
	SubjectHeader   = "X-Specflow-Subject"
	defaultTimeout  = 10 * time.Second
)

// Finalized is the payload delivered once per subject.
type Finalized struct {
	SubjectID   string          `json:"subject_id"`
	ActorID     string          `json:"actor_id"`
	FinalizedAt string          `json:"finalized_at"`
	Workflow    domain.Workflow `json:"workflow"`
	Rows        [][]string      `json:"rows"`
}

// Integrator submits a finalized subject and returns the receiver's reference.
type Integrator interface {
	Submit(ctx context.Context, f Finalized) (string, error)
}

// Noop accepts every submission without contacting anything.
type Noop struct{}

func (Noop) Submit(ctx context.Context, f Finalized) (string, error) {
	return "", nil
}

// Webhook POSTs the payload as JSON.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *zap.Logger
}

// FromConfig returns a Webhook when a URL is configured and Noop otherwise.
func FromConfig(cfg config.IntegrationConfig, logger *zap.Logger) Integrator {
	if strings.TrimSpace(cfg.URL) == "" {
		return Noop{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return Webhook{URL: cfg.URL, Secret: cfg.Secret, Client: &http.Client{Timeout: timeout}, Logger: logger}
}

type receipt struct {
	Reference string `json:"reference"`
}

func (w Webhook) Submit(ctx context.Context, f Finalized) (string, error) {
	log := logging.OrNop(w.Logger).With(zap.String("subject_id", f.SubjectID), zap.String("url", w.URL))
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SubjectHeader, f.SubjectID)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		log.Error("integration submit failed", zap.Error(err))
		return "", err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := fmt.Errorf("integration status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		log.Error("integration rejected", zap.Int("status", res.StatusCode))
		return "", err
	}
	var rc receipt
	if len(bytes.TrimSpace(body)) > 0 {
		_ = json.Unmarshal(body, &rc)
	}
	log.Info("integration submitted", zap.String("reference", rc.Reference))
	return rc.Reference, nil
}

// Sign returns the hex HMAC-SHA256 of body, prefixed with the algorithm.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
