package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
)

// maxErrorBody bounds how much of an error response is read to find the
// provider status enum.
const maxErrorBody = 64 << 10

// FileSearchClient implements Client against the file-search REST API.
type FileSearchClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFileSearchClient creates a REST client from provider configuration.
func NewFileSearchClient(cfg config.ProviderConfig, logger *zap.Logger) *FileSearchClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FileSearchClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		// no client-wide Timeout so streams can run long; unary calls use callContext
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   16,
			},
		},
		logger: logger.Named("provider"),
	}
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents          []requestContent `json:"contents"`
	SystemInstruction *requestContent  `json:"systemInstruction,omitempty"`
	Tools             []requestTool    `json:"tools,omitempty"`
}

type requestContent struct {
	Role  string        `json:"role,omitempty"`
	Parts []requestPart `json:"parts"`
}

type requestPart struct {
	Text string `json:"text"`
}

type requestTool struct {
	FileSearch *fileSearchTool `json:"fileSearch,omitempty"`
}

type fileSearchTool struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
	MetadataFilter       string   `json:"metadataFilter,omitempty"`
}

func buildGenerateBody(req *GenerateRequest) ([]byte, error) {
	body := generateRequest{}
	for _, c := range req.Contents {
		role := c.Role
		if role == "" {
			role = "user"
		}
		body.Contents = append(body.Contents, requestContent{Role: role, Parts: []requestPart{{Text: c.Text}}})
	}
	if req.System != "" {
		body.SystemInstruction = &requestContent{Parts: []requestPart{{Text: req.System}}}
	}
	if len(req.StoreNames) > 0 {
		body.Tools = []requestTool{{FileSearch: &fileSearchTool{
			FileSearchStoreNames: req.StoreNames,
			MetadataFilter:       req.MetadataFilter,
		}}}
	}
	return json.Marshal(body)
}

func modelPath(model string) string {
	return "models/" + strings.TrimPrefix(model, "models/")
}

// callContext bounds a unary call. Transport errors are still classified
// against the caller's ctx so a local timeout counts as transient.
func (c *FileSearchClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *FileSearchClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	return req, nil
}

// do sends req and returns the body of a 2xx response. Non-2xx responses are
// classified; their bodies are read only for the status enum.
func (c *FileSearchClient) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, op)
	}
	return body, nil
}

func (c *FileSearchClient) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     statusEnum(body),
		Kind:       kindForStatus(resp.StatusCode),
	}
}

// Upload implements Client.
func (c *FileSearchClient) Upload(ctx context.Context, storeName, localPath, displayName string) (*UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	if displayName == "" {
		displayName = filepath.Base(localPath)
	}
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadBody(mw, f, displayName, contentType))
	}()
	defer pr.Close()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/upload/v1beta/%s:uploadToFileSearchStore?uploadType=multipart", c.baseURL, storeName)
	req, err := c.newRequest(callCtx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	req.Header.Set("X-Goog-Upload-Protocol", "multipart")

	body, err := c.do(ctx, "upload", req)
	if err != nil {
		return nil, err
	}

	ref, err := ParseOperationRef(body)
	if err != nil {
		return nil, err
	}
	return &UploadResult{Operation: ref, FileID: fileIDFrom(gjson.ParseBytes(body))}, nil
}

func writeUploadBody(mw *multipart.Writer, src io.Reader, displayName, contentType string) error {
	meta, err := json.Marshal(map[string]string{"displayName": displayName})
	if err != nil {
		return err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(meta); err != nil {
		return err
	}

	h = textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	part, err = mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// Poll implements Client.
func (c *FileSearchClient) Poll(ctx context.Context, ref OperationRef) (*OperationStatus, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: empty operation reference", ErrRejected)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := c.newRequest(callCtx, http.MethodGet, fmt.Sprintf("%s/v1beta/%s", c.baseURL, ref.Name), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, "poll", req)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			pe.Kind = ErrOperationNotFound
		}
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, &Error{Op: "poll", Kind: ErrRejected}
	}
	op := gjson.ParseBytes(body)
	if !op.IsObject() {
		c.logger.Error("operation status has unexpected shape", zap.String("operation", ref.Name))
		return nil, &Error{Op: "poll", Kind: ErrRejected}
	}

	return &OperationStatus{
		Done:   op.Get("done").Bool(),
		Error:  operationError(op),
		FileID: fileIDFrom(op),
	}, nil
}

// Generate implements Client.
func (c *FileSearchClient) Generate(ctx context.Context, greq *GenerateRequest) (*Response, error) {
	payload, err := buildGenerateBody(greq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/%s:generateContent", c.baseURL, modelPath(greq.Model))
	req, err := c.newRequest(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(ctx, "generate", req)
	if err != nil {
		return nil, err
	}

	chunk, err := parseResponse(body)
	if err != nil {
		return nil, err
	}
	resp := &Response{Text: chunk.Text, Citations: chunk.Citations, FinishReason: chunk.FinishReason}
	if chunk.Usage != nil {
		resp.Usage = *chunk.Usage
	}
	return resp, nil
}

// GenerateStream implements Client.
func (c *FileSearchClient) GenerateStream(ctx context.Context, greq *GenerateRequest) (Stream, error) {
	payload, err := buildGenerateBody(greq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/%s:streamGenerateContent?alt=sse", c.baseURL, modelPath(greq.Model))
	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "generate_stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError("generate_stream", resp)
	}

	return &sseStream{ctx: ctx, body: resp.Body, events: newEventReader(resp.Body)}, nil
}

// DeleteFile implements Client.
func (c *FileSearchClient) DeleteFile(ctx context.Context, fileID string) error {
	if fileID == "" {
		return nil
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := c.newRequest(callCtx, http.MethodDelete, fmt.Sprintf("%s/v1beta/%s?force=true", c.baseURL, fileID), nil)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "delete_file", req)
	return err
}
