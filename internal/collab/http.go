package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/retry"
)

// HTTPClients bundles the HTTP-backed collaborator implementations.
type HTTPClients struct {
	Scraper Scraper
	NLP     NLP
	OCR     OCR
	Indexer Indexer
}

// NewHTTPClients builds collaborator clients sharing one timeout. Each client
// sits behind its own circuit breaker so a dead collaborator is failed fast
// instead of hammered through its outage.
func NewHTTPClients(scraperURL, nlpURL, ocrURL, indexerURL string, timeout time.Duration) HTTPClients {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return HTTPClients{
		Scraper: &scraperClient{base: scraperURL, http: hc, br: newBreaker(scraperFailureThreshold, scraperRecoveryTimeout)},
		NLP:     &nlpClient{base: nlpURL, http: hc, br: newBreaker(defaultFailureThreshold, defaultRecoveryTimeout)},
		OCR:     &ocrClient{base: ocrURL, http: hc, br: newBreaker(defaultFailureThreshold, defaultRecoveryTimeout)},
		Indexer: &indexerClient{base: indexerURL, http: hc, br: newBreaker(defaultFailureThreshold, defaultRecoveryTimeout)},
	}
}

type scraperClient struct {
	base string
	http *http.Client
	br   *breaker
}

func (c *scraperClient) Fetch(ctx context.Context, target Target) ([]models.Item, error) {
	var out struct {
		Items []models.Item `json:"items"`
	}
	if err := postJSON(ctx, c.http, c.br, c.base+"/fetch", target, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

type nlpClient struct {
	base string
	http *http.Client
	br   *breaker
}

func (c *nlpClient) Analyze(ctx context.Context, text string) (Annotations, error) {
	in := map[string]string{"text": text}
	var out Annotations
	if err := postJSON(ctx, c.http, c.br, c.base+"/analyze", in, &out); err != nil {
		return Annotations{}, err
	}
	return out, nil
}

type ocrClient struct {
	base string
	http *http.Client
	br   *breaker
}

func (c *ocrClient) Extract(ctx context.Context, imageRefs []string) (OCRResult, error) {
	in := map[string][]string{"image_refs": imageRefs}
	var out OCRResult
	if err := postJSON(ctx, c.http, c.br, c.base+"/extract", in, &out); err != nil {
		return OCRResult{}, err
	}
	return out, nil
}

type indexerClient struct {
	base string
	http *http.Client
	br   *breaker
}

func (c *indexerClient) Upsert(ctx context.Context, records []Record, idempotencyKey string) error {
	in := map[string]any{"records": records, "idempotency_key": idempotencyKey}
	return postJSON(ctx, c.http, c.br, c.base+"/upsert", in, nil)
}

// postJSON issues one collaborator call through the breaker, classifying
// transport and HTTP failures so the retry policy can act on them uniformly.
// A rejected call surfaces as resource_exhausted: retryable, so the job backs
// off through the breaker's cool-off instead of dead-lettering immediately.
func postJSON(ctx context.Context, hc *http.Client, br *breaker, url string, in, out any) error {
	if br != nil {
		if err := br.allow(); err != nil {
			return retry.WrapClass(retry.ClassResourceExhausted, "", fmt.Errorf("%s: %w", url, err))
		}
	}
	err := doPostJSON(ctx, hc, url, in, out)
	if br != nil {
		br.record(err)
	}
	return err
}

func doPostJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return retry.WrapClass(retry.ClassMalformedInput, "", fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.WrapClass(retry.ClassMalformedInput, "", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return retry.WrapClass(retry.ClassTimeout, "", err)
		}
		return retry.WrapClass(retry.ClassResourceExhausted, "", err)
	}
	defer resp.Body.Close()

	if class, ok := classifyStatus(resp.StatusCode); ok {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.WrapClass(class, "", fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.WrapClass(retry.ClassMalformedInput, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyStatus(code int) (retry.Class, bool) {
	switch {
	case code < 400:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return retry.ClassAuthFailure, true
	case code == http.StatusTooManyRequests:
		return retry.ClassUpstreamThrottled, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return retry.ClassTimeout, true
	case code >= 500:
		return retry.ClassResourceExhausted, true
	default:
		return retry.ClassValidation, true
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
