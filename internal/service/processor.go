package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"sar-jobs/internal/apierr"
	"sar-jobs/internal/models"
)

// ProcessorOutput is a successful processor response: the parsed result, the
// raw result JSON as returned (uploaded verbatim as the job's result blob),
// and decoded visualization images by label.
type ProcessorOutput struct {
	Result    *models.ProcessorResult
	RawResult json.RawMessage
	Figures   map[string][]byte
}

// Processor is the external SAR estimation step. Implementations must honor
// ctx cancellation; the orchestrator supplies the time budget.
type Processor interface {
	Process(ctx context.Context, filename string, data []byte) (*ProcessorOutput, error)
}

// processorEnvelope is the wire response of the processor service.
type processorEnvelope struct {
	Success bool              `json:"success"`
	Results json.RawMessage   `json:"results"`
	Figures map[string]string `json:"figures"`
	Error   string            `json:"error"`
}

// HTTPProcessor calls the processor service over HTTP with a multipart file
// upload. It performs no retries.
type HTTPProcessor struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProcessor(url string, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, filename string, data []byte) (*ProcessorOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to build processor request", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to build processor request", err)
	}
	if err := mw.Close(); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to build processor request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, &body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to build processor request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.New(apierr.KindTimeout, "processor call exceeded %s time budget", p.timeout)
		}
		return nil, apierr.Wrap(apierr.KindUpstream, "processor unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.New(apierr.KindTimeout, "processor call exceeded %s time budget", p.timeout)
		}
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to read processor response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.KindUpstream, "processor returned status %d", resp.StatusCode)
	}

	var env processorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to decode processor response", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "processor reported failure without detail"
		}
		return nil, apierr.New(apierr.KindUpstream, "processing failed: %s", msg)
	}

	var result models.ProcessorResult
	if err := json.Unmarshal(env.Results, &result); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "processor returned malformed results", err)
	}

	figures, err := decodeFigures(env.Figures)
	if err != nil {
		return nil, err
	}

	return &ProcessorOutput{
		Result:    &result,
		RawResult: env.Results,
		Figures:   figures,
	}, nil
}

// decodeFigures turns data-URL encoded PNGs into raw bytes by label.
func decodeFigures(figures map[string]string) (map[string][]byte, error) {
	if len(figures) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(figures))
	for label, dataURL := range figures {
		payload := dataURL
		if i := strings.Index(payload, "base64,"); i >= 0 {
			payload = payload[i+len("base64,"):]
		}
		img, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUpstream, fmt.Sprintf("failed to decode figure %q", label), err)
		}
		out[label] = img
	}
	return out, nil
}
