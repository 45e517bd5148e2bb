package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
	"go.uber.org/zap"
)

const fallbackFilename = "fallback_doc.pdf"

const defaultFallbackTimeout = 30 * time.Second

var (
	// ErrNoDocumentSource indicates a loader with neither a session client
	// nor a fallback document URL.
	ErrNoDocumentSource = errors.New("session: no document source configured")
	// ErrFallbackFailed indicates the one automatic fallback download also
	// failed.
	ErrFallbackFailed = errors.New("session: fallback document load failed")
)

// SessionClient is the slice of the annotation store client the loader
// needs, satisfied by canvadocs.Client.
type SessionClient interface {
	Metadata(ctx context.Context) (canvadocs.SessionMetadata, error)
	DownloadDocument(ctx context.Context, downloadURL, directory string) (string, error)
	ListAnnotations(ctx context.Context) ([]annotation.Annotation, error)
}

// Bundle is everything a document view needs to come up, reported once all
// fetches have settled. Err aggregates every primary-path failure even when
// the fallback succeeded, so callers can tell a degraded session apart from
// a healthy one.
type Bundle struct {
	LocalPDFPath string
	Metadata     canvadocs.SessionMetadata
	Annotations  []annotation.Annotation
	// UsedFallback reports that the bundle came from the alternate
	// non-annotated document source.
	UsedFallback bool
	Err          error
}

// LoaderConfig configures a Loader. At least one of Client and FallbackURL
// is required.
type LoaderConfig struct {
	// Client talks to the annotation session; nil means fallback-only.
	Client SessionClient
	// FallbackURL is the alternate static document fetched, at most once,
	// when the session path fails or is absent.
	FallbackURL string
	// Directory receives the downloaded PDF; defaults to the system temp
	// directory.
	Directory string
	// HTTPClient performs the fallback download, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Loader drives one document session bring-up: metadata first, then the PDF
// binary and the annotation list in parallel.
type Loader struct {
	client      SessionClient
	fallbackURL string
	directory   string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewLoader validates the configuration and builds a Loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Client == nil && strings.TrimSpace(cfg.FallbackURL) == "" {
		return nil, ErrNoDocumentSource
	}
	directory := cfg.Directory
	if directory == "" {
		directory = os.TempDir()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFallbackTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		client:      cfg.Client,
		fallbackURL: cfg.FallbackURL,
		directory:   directory,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Load runs the bring-up chain and blocks until every fetch has settled.
// Metadata is fetched first; the PDF download and the annotation list then
// run in parallel, the list only when annotations are enabled. A failed
// fetch never blocks its sibling. If the session path fails outright, the
// fallback document is loaded exactly once with annotations disabled.
func (l *Loader) Load(ctx context.Context) Bundle {
	if l.client == nil {
		return l.loadFallback(ctx, nil)
	}

	metadata, err := l.client.Metadata(ctx)
	if err != nil {
		l.logger.Warn("session metadata load failed", zap.Error(err))
		return l.loadFallback(ctx, err)
	}

	var (
		group       sync.WaitGroup
		localPath   string
		downloadErr error
		records     []annotation.Annotation
		listErr     error
	)

	group.Add(1)
	go func() {
		defer group.Done()
		localPath, downloadErr = l.client.DownloadDocument(ctx, metadata.PDFDownloadURL, l.directory)
	}()

	if metadata.Annotations.Enabled {
		group.Add(1)
		go func() {
			defer group.Done()
			records, listErr = l.client.ListAnnotations(ctx)
		}()
	}
	group.Wait()

	if downloadErr != nil {
		l.logger.Warn("document download failed", zap.Error(downloadErr))
		return l.loadFallback(ctx, downloadErr)
	}
	if listErr != nil {
		l.logger.Warn("annotation list load failed", zap.Error(listErr))
	}
	if records == nil {
		records = []annotation.Annotation{}
	}

	return Bundle{
		LocalPDFPath: localPath,
		Metadata:     metadata,
		Annotations:  records,
		Err:          listErr,
	}
}

// loadFallback is the one automatic recovery path: fetch the alternate
// document with annotations disabled. primaryErr is what broke the session
// path, surfaced on the bundle either way.
func (l *Loader) loadFallback(ctx context.Context, primaryErr error) Bundle {
	if strings.TrimSpace(l.fallbackURL) == "" {
		if primaryErr == nil {
			primaryErr = ErrNoDocumentSource
		}
		return Bundle{Annotations: []annotation.Annotation{}, Err: primaryErr}
	}

	localPath, err := l.downloadFallback(ctx)
	if err != nil {
		l.logger.Warn("fallback document load failed", zap.Error(err))
		return Bundle{
			Annotations:  []annotation.Annotation{},
			UsedFallback: true,
			Err:          errors.Join(primaryErr, fmt.Errorf("%w: %v", ErrFallbackFailed, err)),
		}
	}

	return Bundle{
		LocalPDFPath: localPath,
		Metadata: canvadocs.SessionMetadata{
			PDFDownloadURL: l.fallbackURL,
			Annotations:    canvadocs.AnnotationSettings{Enabled: false},
		},
		Annotations:  []annotation.Annotation{},
		UsedFallback: true,
		Err:          primaryErr,
	}
}

func (l *Loader) downloadFallback(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, l.fallbackURL, nil)
	if err != nil {
		return "", err
	}
	response, err := l.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("fallback download returned status %d", response.StatusCode)
	}

	localPath := filepath.Join(l.directory, fallbackFilename)
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
