// Package media stores attachment bytes in a content-addressed storage gateway.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	opStore = "media.store"

	reasonInvalidInput   = "invalid_input"
	reasonRejected       = "rejected"
	reasonUnavailable    = "unavailable"
	reasonMalformedReply = "malformed_reply"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxElapsed     = 20 * time.Second
)

// MaxUploadBytes bounds a single stored object.
const MaxUploadBytes = 25 << 20

var (
	errEmptyUpload      = errors.New("upload is empty")
	errUploadTooLarge   = errors.New("upload exceeds size limit")
	errMissingUploadURL = errors.New("upload url is required")
)

// ContentAddress identifies stored bytes.
type ContentAddress string

// Gateway stores bytes and turns addresses into public URLs.
type Gateway interface {
	Store(ctx context.Context, data []byte, filename string) (ContentAddress, error)
	URL(address ContentAddress) string
}

// HTTPGatewayConfig configures a pinning-service style upload endpoint.
type HTTPGatewayConfig struct {
	UploadURL  string
	GatewayURL string
	APIToken   string
	Client     *http.Client
	MaxElapsed time.Duration
	Logger     *zap.Logger
}

// HTTPGateway posts multipart uploads and reads the returned content hash.
type HTTPGateway struct {
	uploadURL  string
	gatewayURL string
	apiToken   string
	client     *http.Client
	maxElapsed time.Duration
	logger     *zap.Logger
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	uploadURL := strings.TrimSpace(cfg.UploadURL)
	if uploadURL == "" {
		return nil, errMissingUploadURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		uploadURL:  uploadURL,
		gatewayURL: strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/"),
		apiToken:   strings.TrimSpace(cfg.APIToken),
		client:     client,
		maxElapsed: maxElapsed,
		logger:     logger,
	}, nil
}

// Store uploads data. Server and network failures are retried with exponential
// backoff; a rejected upload fails immediately.
func (g *HTTPGateway) Store(ctx context.Context, data []byte, filename string) (ContentAddress, error) {
	if len(data) == 0 {
		return "", apperrors.Invalid(opStore, reasonInvalidInput, errEmptyUpload)
	}
	if len(data) > MaxUploadBytes {
		return "", apperrors.Invalid(opStore, reasonInvalidInput, errUploadTooLarge)
	}
	name := path.Base(strings.TrimSpace(filename))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}

	operation := func() (ContentAddress, error) {
		return g.upload(ctx, data, name)
	}
	address, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(g.maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Warn("media upload retry", zap.String("file_name", name), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		var coded *apperrors.Error
		if errors.As(err, &coded) {
			return "", err
		}
		return "", apperrors.Transient(opStore, reasonUnavailable, err)
	}
	return address, nil
}

func (g *HTTPGateway) upload(ctx context.Context, data []byte, name string) (ContentAddress, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if _, err := part.Write(data); err != nil {
		return "", backoff.Permanent(err)
	}
	if err := writer.Close(); err != nil {
		return "", backoff.Permanent(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.uploadURL, &body)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	if g.apiToken != "" {
		request.Header.Set("Authorization", "Bearer "+g.apiToken)
	}

	response, err := g.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", err
	}

	switch {
	case response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("storage gateway status %d", response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		return "", backoff.Permanent(apperrors.Invalid(opStore, reasonRejected,
			fmt.Errorf("storage gateway status %d: %s", response.StatusCode, strings.TrimSpace(string(payload)))))
	}

	var decoded pinResponse
	if err := json.Unmarshal(payload, &decoded); err != nil || strings.TrimSpace(decoded.IpfsHash) == "" {
		return "", backoff.Permanent(apperrors.Transient(opStore, reasonMalformedReply, err))
	}
	return ContentAddress(decoded.IpfsHash), nil
}

// URL builds the public fetch URL of address.
func (g *HTTPGateway) URL(address ContentAddress) string {
	if g.gatewayURL == "" {
		return "ipfs://" + string(address)
	}
	return g.gatewayURL + "/ipfs/" + string(address)
}
