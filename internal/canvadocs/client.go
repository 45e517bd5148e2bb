package canvadocs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnnotationSizeLimit is the store's hard ceiling on one encoded annotation
// payload, in bytes. Upserts at or above it never reach the network.
const AnnotationSizeLimit = 102_400

const (
	listAnnotationsAPIVersion  = "2018-04-06"
	upsertAnnotationAPIVersion = "2018-03-07"
	deleteAnnotationAPIVersion = "1"

	clientIDHeader = "X-Client-Id"

	defaultRequestTimeout = 30 * time.Second
)

var (
	// ErrMissingSessionURL indicates the client was constructed without a
	// session URL.
	ErrMissingSessionURL = errors.New("canvadocs: session url is required")
	// ErrInvalidSessionURL indicates the session URL could not be parsed
	// into a scheme, host and session id.
	ErrInvalidSessionURL = errors.New("canvadocs: invalid session url")
	// ErrMissingAnnotationID indicates an upsert or delete without a
	// server-addressable annotation id.
	ErrMissingAnnotationID = errors.New("canvadocs: annotation id is required")
	// ErrAnnotationTooBig indicates an encoded upsert payload at or above
	// AnnotationSizeLimit.
	ErrAnnotationTooBig = errors.New("canvadocs: annotation exceeds size limit")
	// ErrMalformedMetadata indicates the metadata endpoint returned an
	// unusable document.
	ErrMalformedMetadata = errors.New("canvadocs: malformed session metadata")
)

// StatusError reports an HTTP error status from the annotation store.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("canvadocs: %s returned status %d", e.Operation, e.StatusCode)
}

// ClientConfig configures a Client. Only SessionURL is required.
type ClientConfig struct {
	// SessionURL is the fully qualified per-document session endpoint; its
	// last path component is the session id.
	SessionURL string
	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
	// ClientID is sent as X-Client-Id on every request; defaults to a fresh
	// UUID per client instance.
	ClientID string
	Logger   *zap.Logger
}

// Client talks to one document session of the remote annotation store. Each
// instance carries its own HTTP client and client id; nothing is shared
// process-wide.
type Client struct {
	sessionURL *url.URL
	baseURL    *url.URL
	sessionID  string
	clientID   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the session URL and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.SessionURL) == "" {
		return nil, ErrMissingSessionURL
	}
	sessionURL, err := url.Parse(cfg.SessionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionURL, err)
	}
	if sessionURL.Scheme == "" || sessionURL.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSessionURL, cfg.SessionURL)
	}
	sessionID := strings.TrimSuffix(sessionURL.Path, "/")
	if idx := strings.LastIndex(sessionID, "/"); idx >= 0 {
		sessionID = sessionID[idx+1:]
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidSessionURL)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		sessionURL: sessionURL,
		baseURL:    &url.URL{Scheme: sessionURL.Scheme, Host: sessionURL.Host},
		sessionID:  sessionID,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SessionID returns the session id parsed from the session URL.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ClientID returns the X-Client-Id value the client stamps on its requests.
func (c *Client) ClientID() string {
	return c.clientID
}

// Metadata fetches and parses the per-session metadata document.
func (c *Client) Metadata(ctx context.Context) (SessionMetadata, error) {
	body, err := c.do(ctx, http.MethodGet, c.sessionURL.String(), nil, "metadata")
	if err != nil {
		return SessionMetadata{}, err
	}

	var wire wireMetadata
	if err := json.Unmarshal(body, &wire); err != nil {
		return SessionMetadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	if wire.URLs.PDFDownload == "" {
		return SessionMetadata{}, fmt.Errorf("%w: missing pdf_download url", ErrMalformedMetadata)
	}

	metadata := SessionMetadata{
		PDFDownloadURL: c.resolveDownloadURL(wire.URLs.PDFDownload),
	}
	if wire.Annotations != nil {
		metadata.Annotations = AnnotationSettings{
			Enabled:     wire.Annotations.Enabled,
			UserID:      wire.Annotations.UserID,
			UserName:    wire.Annotations.UserName,
			Permissions: parsePermissions(wire.Annotations.Permissions),
		}
	}
	if wire.PandaPush != nil && wire.PandaPush.Host != "" {
		metadata.Push = &PushChannel{
			Host:    wire.PandaPush.Host,
			Channel: wire.PandaPush.AnnotationsChannel,
			Token:   wire.PandaPush.AnnotationsToken,
		}
	}
	return metadata, nil
}

// DownloadDocument fetches the PDF binary into directory, overwriting any
// previous download for this session, and returns the local path. The file
// name is derived from the session URL so repeat sessions reuse one slot.
func (c *Client) DownloadDocument(ctx context.Context, downloadURL, directory string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	request.Header.Set(clientIDHeader, c.clientID)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		return "", &StatusError{Operation: "document download", StatusCode: response.StatusCode}
	}

	localPath := filepath.Join(directory, c.documentFilename())
	file, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(file, response.Body); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return localPath, nil
}

// ListAnnotations fetches the session's full annotation list.
func (c *Client) ListAnnotations(ctx context.Context) ([]annotation.Annotation, error) {
	endpoint := c.baseURL.JoinPath(listAnnotationsAPIVersion, "sessions", c.sessionID, "annotations")
	body, err := c.do(ctx, http.MethodGet, endpoint.String(), nil, "annotation list")
	if err != nil {
		return nil, err
	}
	return annotation.DecodeList(body)
}

// UpsertAnnotation writes one annotation by id and returns the canonical
// record the server echoed back. Payloads at or above AnnotationSizeLimit
// fail with ErrAnnotationTooBig before any network traffic.
func (c *Client) UpsertAnnotation(ctx context.Context, record annotation.Annotation) (annotation.Annotation, error) {
	if record.ID == "" {
		return annotation.Annotation{}, ErrMissingAnnotationID
	}
	payload, err := annotation.Encode(record)
	if err != nil {
		return annotation.Annotation{}, err
	}
	if len(payload) >= AnnotationSizeLimit {
		return annotation.Annotation{}, ErrAnnotationTooBig
	}

	endpoint := c.baseURL.JoinPath(upsertAnnotationAPIVersion, "sessions", c.sessionID, "annotations", record.ID)
	body, err := c.do(ctx, http.MethodPut, endpoint.String(), payload, "annotation upsert")
	if err != nil {
		return annotation.Annotation{}, err
	}
	return annotation.Decode(body)
}

// DeleteAnnotation removes one annotation by id.
func (c *Client) DeleteAnnotation(ctx context.Context, annotationID string) error {
	if annotationID == "" {
		return ErrMissingAnnotationID
	}
	endpoint := c.baseURL.JoinPath(deleteAnnotationAPIVersion, "sessions", c.sessionID, "annotations", annotationID)
	_, err := c.do(ctx, http.MethodDelete, endpoint.String(), nil, "annotation delete")
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, operation string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set(clientIDHeader, c.clientID)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("canvadocs request failed",
			zap.String("operation", operation),
			zap.Error(err))
		return nil, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("canvadocs request rejected",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode))
		return nil, &StatusError{Operation: operation, StatusCode: response.StatusCode}
	}
	return responseBody, nil
}

// documentFilename mirrors the historical naming scheme: the tail of the
// session id plus a fixed suffix, so repeat loads of one session overwrite
// the same slot.
func (c *Client) documentFilename() string {
	suffix := c.sessionID
	if len(suffix) > 12 {
		suffix = suffix[len(suffix)-12:]
	}
	return suffix + "_doc.pdf"
}

// resolveDownloadURL resolves the metadata's pdf_download entry, which the
// store reports as a path relative to the session host.
func (c *Client) resolveDownloadURL(raw string) string {
	if parsed, err := url.Parse(raw); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return raw
	}
	return c.baseURL.JoinPath(strings.TrimPrefix(raw, "/")).String()
}
