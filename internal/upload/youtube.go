package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
)

const defaultChunkSize = 8 * 1024 * 1024

// YouTube uploads through the resumable upload protocol: an init request
// returns an upload URI in the Location header, chunks go out as PUTs with
// Content-Range, a 308 means "send more", and a status probe with
// "bytes */total" reports the acknowledged offset for resumption.
type YouTube struct {
	cfg    config.YouTubeConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewYouTube creates the YouTube platform adapter.
func NewYouTube(cfg config.YouTubeConfig, logger *zap.Logger) *YouTube {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YouTube{cfg: cfg, client: http.DefaultClient, logger: logger}
}

// Name returns the platform identifier.
func (y *YouTube) Name() string { return "youtube" }

// Configured reports whether credentials are present.
func (y *YouTube) Configured() bool {
	return y.cfg.ClientID != "" && y.cfg.ClientSecret != "" && y.cfg.RefreshToken != ""
}

// token returns a valid access token, refreshing through the OAuth
// refresh-token grant when the cached one is stale.
func (y *YouTube) token(ctx context.Context) (string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.accessToken != "" && time.Now().Before(y.tokenExpiry) {
		return y.accessToken, nil
	}

	form := url.Values{
		"client_id":     {y.cfg.ClientID},
		"client_secret": {y.cfg.ClientSecret},
		"refresh_token": {y.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.cfg.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := y.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token refresh status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("token refresh decode: %w", err)
	}
	y.accessToken = tok.AccessToken
	// renew a minute early
	y.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return y.accessToken, nil
}

// Begin initializes a resumable upload session and returns the upload URI.
func (y *YouTube) Begin(ctx context.Context, filePath string, fileSize int64, meta Metadata) (string, error) {
	token, err := y.token(ctx)
	if err != nil {
		return "", err
	}

	snippet := map[string]any{
		"title":       meta.Title,
		"description": meta.Description,
		"categoryId":  y.cfg.CategoryID,
	}
	if len(meta.Tags) > 0 {
		snippet["tags"] = meta.Tags
	}
	body, err := json.Marshal(map[string]any{
		"snippet": snippet,
		"status": map[string]any{
			// Uploads start private; Finalize flips to the target visibility
			// once processing starts, so a half-transferred file never shows.
			"privacyStatus":           "private",
			"selfDeclaredMadeForKids": false,
		},
	})
	if err != nil {
		return "", err
	}

	initURL := y.cfg.UploadURL + "?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(fileSize, 10))
	req.Header.Set("X-Upload-Content-Type", contentTypeFor(filePath))

	resp, err := y.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("init upload status %d: %s", resp.StatusCode, string(text))
	}

	uploadURI := resp.Header.Get("Location")
	if uploadURI == "" {
		return "", fmt.Errorf("init upload: no upload URI in response")
	}
	y.logger.Info("youtube upload initialized", zap.String("file", filePath))
	return uploadURI, nil
}

// RemoteOffset probes the upload URI for how many bytes were acknowledged.
func (y *YouTube) RemoteOffset(ctx context.Context, handle string, fileSize int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, handle, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))

	resp, err := y.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload status probe: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 308:
		// Range: bytes=0-12345 (absent when nothing landed yet)
		r := resp.Header.Get("Range")
		if end, ok := strings.CutPrefix(r, "bytes=0-"); ok {
			if n, perr := strconv.ParseInt(end, 10, 64); perr == nil {
				return n + 1, nil
			}
		}
		return 0, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return fileSize, nil
	default:
		return 0, fmt.Errorf("upload status probe: status %d", resp.StatusCode)
	}
}

// Upload transfers the file in chunks starting at offset.
func (y *YouTube) Upload(ctx context.Context, handle, filePath string, fileSize, offset int64, progress ProgressFunc) (Result, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	chunkSize := int64(y.cfg.ChunkSizeMB) * 1024 * 1024
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	contentType := contentTypeFor(filePath)

	for offset < fileSize {
		n := chunkSize
		if rem := fileSize - offset; rem < n {
			n = rem
		}
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return Result{}, fmt.Errorf("read chunk at %d: %w", offset, err)
		}

		end := offset + n - 1
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, handle, bytes.NewReader(buf))
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, fileSize))

		resp, err := y.client.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("upload chunk at %d: %w", offset, err)
		}

		switch {
		case resp.StatusCode == 308:
			resp.Body.Close()
			offset = end + 1
			if progress != nil {
				progress(offset, fileSize)
			}
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			text, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if progress != nil {
				progress(fileSize, fileSize)
			}
			videoID := extractVideoID(text)
			if videoID == "" {
				return Result{}, fmt.Errorf("upload complete but no video id in response")
			}
			y.logger.Info("youtube upload complete", zap.String("video_id", videoID))
			return Result{
				VideoID:  videoID,
				VideoURL: "https://www.youtube.com/watch?v=" + videoID,
			}, nil
		default:
			text, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return Result{}, fmt.Errorf("upload chunk status %d: %s", resp.StatusCode, string(text))
		}
	}
	return Result{}, fmt.Errorf("upload ended at offset %d without completion", offset)
}

// Finalize flips the video to the target visibility.
func (y *YouTube) Finalize(ctx context.Context, res Result, meta Metadata) error {
	token, err := y.token(ctx)
	if err != nil {
		return err
	}
	visibility := meta.Visibility
	if visibility == "" {
		visibility = "unlisted"
	}
	body, _ := json.Marshal(map[string]any{
		"id": res.VideoID,
		"status": map[string]any{
			"privacyStatus":           visibility,
			"selfDeclaredMadeForKids": false,
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		y.cfg.APIURL+"/videos?part=status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("publish video status %d: %s", resp.StatusCode, string(text))
	}
	return nil
}

// EndBroadcast transitions a live broadcast to complete.
func (y *YouTube) EndBroadcast(ctx context.Context, broadcastID string) error {
	if broadcastID == "" {
		return nil
	}
	token, err := y.token(ctx)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/liveBroadcasts/transition?broadcastStatus=complete&id=%s&part=status",
		y.cfg.APIURL, url.QueryEscape(broadcastID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("end broadcast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("end broadcast status %d: %s", resp.StatusCode, string(text))
	}
	return nil
}

// Cancel abandons the upload URI.
func (y *YouTube) Cancel(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, handle, nil)
	if err != nil {
		return err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel upload: %w", err)
	}
	defer resp.Body.Close()
	// 499 is the documented "already cancelled" answer; treat it as done.
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 || resp.StatusCode == 499 {
		return nil
	}
	y.logger.Warn("cancel upload unexpected status", zap.Int("status", resp.StatusCode))
	return nil
}

func contentTypeFor(filePath string) string {
	dot := strings.LastIndex(filePath, ".")
	if dot < 0 {
		return "video/mp4"
	}
	switch strings.ToLower(filePath[dot:]) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".flv":
		return "video/x-flv"
	case ".ts":
		return "video/mp2t"
	default:
		return "video/mp4"
	}
}

func extractVideoID(response []byte) string {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(response, &parsed); err != nil {
		return ""
	}
	return parsed.ID
}
