package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"text/template"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const maxErrorBody = 2048

// FALClient posts to {base}/{model} with the person image first in
// image_urls followed by the garments. Prompt and parameters come from
// configuration.
type FALClient struct {
	http    *resty.Client
	apiKey  string
	model   string
	params  map[string]any
	prompt  *template.Template
	timeout time.Duration
	logger  *zap.Logger
}

func NewFALClient(cfg config.ProviderConfig, logger *zap.Logger) (*FALClient, error) {
	prompt, err := template.New("prompt").Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", "tryon-gateway/1.0").
		SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &FALClient{
		http:    client,
		apiKey:  cfg.APIKey,
		model:   strings.Trim(cfg.Model, "/"),
		params:  cfg.Params,
		prompt:  prompt,
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("provider", "fal"), zap.String("model", cfg.Model)),
	}, nil
}

func (c *FALClient) Name() string {
	return "fal"
}

type falImage struct {
	URL string `json:"url"`
}

type falResponse struct {
	Images    []falImage `json:"images"`
	Image     *falImage  `json:"image"`
	RequestID string     `json:"request_id"`
	Data      *struct {
		Images []falImage `json:"images"`
	} `json:"data"`
}

func (r *falResponse) imageURL() string {
	switch {
	case len(r.Images) > 0 && r.Images[0].URL != "":
		return r.Images[0].URL
	case r.Image != nil && r.Image.URL != "":
		return r.Image.URL
	case r.Data != nil && len(r.Data.Images) > 0:
		return r.Data.Images[0].URL
	}
	return ""
}

func (c *FALClient) renderPrompt(garmentCount int) (string, error) {
	var buf bytes.Buffer
	if err := c.prompt.Execute(&buf, struct{ GarmentCount int }{garmentCount}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *FALClient) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt, err := c.renderPrompt(len(req.GarmentImageURLs))
	if err != nil {
		return nil, apperr.Provider(0, "", fmt.Errorf("render prompt: %w", err))
	}

	body := make(map[string]any, len(c.params)+3)
	maps.Copy(body, c.params)
	body["prompt"] = prompt
	body["image_urls"] = append([]string{req.PersonImageURL}, req.GarmentImageURLs...)
	if req.Seed != nil {
		body["seed"] = *req.Seed
	}

	start := time.Now()
	var result falResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Key "+c.apiKey).
		SetBody(body).
		SetResult(&result).
		Post("/" + c.model)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Timeout(c.timeout, err)
		}
		return nil, apperr.Provider(0, "", fmt.Errorf("call fal: %w", err))
	}

	if resp.IsError() {
		raw := resp.String()
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		c.logger.Warn("provider returned error",
			zap.Int("status", resp.StatusCode()),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, apperr.Provider(resp.StatusCode(), raw, fmt.Errorf("fal status %d", resp.StatusCode()))
	}

	url := result.imageURL()
	if url == "" {
		return nil, apperr.Provider(resp.StatusCode(), resp.String(), errors.New("no image in provider response"))
	}

	c.logger.Debug("provider call completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id", result.RequestID),
	)
	return &Result{ImageURL: url, RequestID: result.RequestID}, nil
}
