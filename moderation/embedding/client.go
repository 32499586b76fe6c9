package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mediaguard/mediaguard/util"

	"github.com/carlmjohnson/versioninfo"
)

// Client for a CLIP-style embedding service.
//
// API:
//
//	GET  /health                                      -> 200 when the model is loaded
//	POST /v1/embed/image  (multipart field "media")   -> {"embedding": [...]}
//	POST /v1/embed/text   {"texts": [...]}            -> {"embeddings": [[...], ...]}
type HTTPEmbedder struct {
	Client   *http.Client
	Host     string
	ApiToken string
	Logger   *slog.Logger
}

var _ Embedder = (*HTTPEmbedder)(nil)

type embedImageResp struct {
	Embedding []float32 `json:"embedding"`
}

type embedTextReq struct {
	Texts []string `json:"texts"`
}

type embedTextResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Creates a client and verifies that the service has a model loaded.
//
// Returns an error wrapping ErrModelUnavailable if the host is empty or the
// health check fails. Callers decide whether to run without scoring.
func NewHTTPEmbedder(ctx context.Context, host, token string) (*HTTPEmbedder, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: no embedding host configured", ErrModelUnavailable)
	}
	e := &HTTPEmbedder{
		Client:   util.RobustHTTPClient(),
		Host:     strings.TrimSuffix(host, "/"),
		ApiToken: token,
		Logger:   slog.Default().With("component", "embedding"),
	}
	if err := e.Health(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *HTTPEmbedder) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Host+"/health", nil)
	if err != nil {
		return err
	}
	e.setHeaders(req)
	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check failed: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check statusCode=%d", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

func (e *HTTPEmbedder) setHeaders(req *http.Request) {
	if e.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.ApiToken)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mediaguard/"+versioninfo.Short())
}

func (e *HTTPEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {

	// generic HTTP form file upload, then parse the response JSON
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("media", "image")
	if err != nil {
		return nil, err
	}
	if _, err = part.Write(image); err != nil {
		return nil, err
	}
	if err = writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Host+"/v1/embed/image", body)
	if err != nil {
		return nil, err
	}
	e.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out embedImageResp
	if err := e.do(req, "image", &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty image embedding", ErrInvalidResponse)
	}
	return out.Embedding, nil
}

func (e *HTTPEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	b, err := json.Marshal(embedTextReq{Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Host+"/v1/embed/text", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	e.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	var out embedTextResp
	if err := e.do(req, "text", &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d text embeddings, got %d", ErrInvalidResponse, len(texts), len(out.Embeddings))
	}
	return out.Embeddings, nil
}

func (e *HTTPEmbedder) do(req *http.Request, kind string, out any) error {
	start := time.Now()
	defer func() {
		embedAPIDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	res, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: embedding request failed: %v", ErrModelUnavailable, err)
	}
	defer res.Body.Close()

	embedAPICount.WithLabelValues(kind, fmt.Sprint(res.StatusCode)).Inc()
	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode >= 400 && res.StatusCode < 500:
		io.Copy(io.Discard, res.Body)
		return fmt.Errorf("%w: statusCode=%d", ErrEmbeddingRejected, res.StatusCode)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: embedding request failed statusCode=%d", ErrModelUnavailable, res.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected statusCode=%d", ErrInvalidResponse, res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read embedding resp body: %v", ErrModelUnavailable, err)
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("%w: failed to parse embedding resp JSON: %v", ErrInvalidResponse, err)
	}
	e.Logger.Debug("embedding response", "kind", kind, "bytes", len(respBytes))
	return nil
}
