// Package crash keeps crash annotations on disk and ships them to the crash
// collection server on the next start.
package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// annotationsFile is rewritten on every WriteAnnotations call.
	annotationsFile = "annotations.json"

	// pendingSuffix marks reports waiting for upload.
	pendingSuffix = ".pending.json"
)

// Report is the on-disk crash annotation document.
type Report struct {
	Written     time.Time         `json:"written"`
	Annotations map[string]string `json:"annotations"`
}

// Reporter collects annotations for the current process.
type Reporter struct {
	dir        string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	annotations map[string]string
}

// New creates a reporter writing into dir. baseURL may be empty, which
// disables uploads.
func New(dir, baseURL, apiKey string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		dir:         dir,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		annotations: make(map[string]string),
	}
}

// Annotate sets a key on the current crash report.
func (r *Reporter) Annotate(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations[key] = value
}

// Annotations returns a copy of the current annotations.
func (r *Reporter) Annotations() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.annotations)
}

// WriteAnnotations flushes the annotations to the crash directory. The file
// survives the process and is picked up by UploadPending on the next start.
func (r *Reporter) WriteAnnotations() error {
	report := Report{Written: time.Now().UTC(), Annotations: r.Annotations()}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create crash dir: %w", err)
	}

	// write then rename so a crash mid-write never leaves half a file
	tmp := filepath.Join(r.dir, annotationsFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write annotations: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(r.dir, annotationsFile)); err != nil {
		return fmt.Errorf("failed to move annotations: %w", err)
	}
	return nil
}

// Discard removes the annotations file so a clean shutdown is not reported
// as a crash on the next start.
func (r *Reporter) Discard() error {
	err := os.Remove(filepath.Join(r.dir, annotationsFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove annotations: %w", err)
	}
	return nil
}

// MarkPending moves an annotations file left by a previous process into the
// upload queue. Call once at start-up before the watchdog runs.
func (r *Reporter) MarkPending() (bool, error) {
	src := filepath.Join(r.dir, annotationsFile)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	}
	dst := filepath.Join(r.dir, time.Now().UTC().Format("20060102_150405.000000000")+pendingSuffix)
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("failed to queue crash report: %w", err)
	}
	return true, nil
}

// Pending lists queued reports, oldest first.
func (r *Reporter) Pending() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(r.dir, "*"+pendingSuffix))
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Healthcheck checks if the crash server is reachable.
func (r *Reporter) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// UploadPending sends every queued report and removes the ones the server
// accepted. It returns the number uploaded.
func (r *Reporter) UploadPending(ctx context.Context) (int, error) {
	if r.baseURL == "" {
		return 0, nil
	}
	files, err := r.Pending()
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, f := range files {
		if err := r.upload(ctx, f); err != nil {
			return uploaded, err
		}
		if err := os.Remove(f); err != nil {
			r.logger.Warn("Failed to remove uploaded crash report", "file", f, "error", err)
		}
		uploaded++
	}
	return uploaded, nil
}

func (r *Reporter) upload(ctx context.Context, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		defer writer.Close()

		_ = writer.WriteField("secret", r.apiKey)
		_ = writer.WriteField("filename", filepath.Base(filePath))

		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("failed to create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			errCh <- fmt.Errorf("failed to copy file: %w", err)
			return
		}
		errCh <- nil
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/v1/crashes", pr)
	if err != nil {
		pr.CloseWithError(err)
		<-errCh
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if writeErr := <-errCh; writeErr != nil {
		return writeErr
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}
