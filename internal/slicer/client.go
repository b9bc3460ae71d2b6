// Package slicer is the HTTP client for the external slicing service.
package slicer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Simplici0/printflow/internal/pricing"
)

var (
	// ErrTimeout means the service did not answer before the deadline.
	ErrTimeout = errors.New("slicing service timed out")
	// ErrRejected means the service refused the model as unprintable.
	ErrRejected = errors.New("slicing service rejected the model")
	// ErrUnavailable covers transport errors, 5xx answers and unusable bodies.
	ErrUnavailable = errors.New("slicing service unavailable")
)

// maxToolpathBytes bounds downloaded toolpaths.
const maxToolpathBytes = 512 << 20

// Request describes one slicing or estimate call.
type Request struct {
	SourceReference string  `json:"source_reference"`
	LayerHeight     float64 `json:"layer_height"`
	InfillPercent   int     `json:"infill_percent"`
	Supports        bool    `json:"supports"`
	PrinterConfig   string  `json:"printer_config,omitempty"`
	MaterialConfig  string  `json:"material_config,omitempty"`
}

// Result is a sliced model: the toolpath and the slicer's refined estimate.
type Result struct {
	Toolpath []byte
	Estimate pricing.Estimate
}

// estimateFields is the estimate as the service reports it. Print time comes
// in seconds; print_time_hours is read when seconds are absent.
type estimateFields struct {
	GramsUsed        float64 `json:"grams_used"`
	PrintTimeSeconds float64 `json:"print_time_seconds"`
	PrintTimeHours   float64 `json:"print_time_hours"`
}

func (f estimateFields) estimate() pricing.Estimate {
	hours := f.PrintTimeHours
	if f.PrintTimeSeconds != 0 {
		hours = f.PrintTimeSeconds / 3600
	}
	return pricing.Estimate{GramsUsed: f.GramsUsed, PrintTimeHours: hours}
}

type sliceResponse struct {
	ToolpathReference string `json:"toolpath_reference"`
	ToolpathBytes     string `json:"toolpath_bytes"`
	estimateFields
}

type errorResponse struct {
	Error string `json:"error"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the service at baseURL. Deadlines come from the
// caller's context; the http.Client timeout is only a backstop.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Minute},
	}
}

// Slice converts the model into a toolpath.
func (c *Client) Slice(ctx context.Context, req Request) (Result, error) {
	var resp sliceResponse
	if err := c.post(ctx, "/slice", req, &resp); err != nil {
		return Result{}, err
	}

	var toolpath []byte
	switch {
	case resp.ToolpathBytes != "":
		b, err := base64.StdEncoding.DecodeString(resp.ToolpathBytes)
		if err != nil {
			return Result{}, errors.Wrap(ErrUnavailable, "toolpath_bytes is not valid base64")
		}
		toolpath = b
	case resp.ToolpathReference != "":
		b, err := c.download(ctx, resp.ToolpathReference)
		if err != nil {
			return Result{}, err
		}
		toolpath = b
	}
	if len(toolpath) == 0 {
		return Result{}, errors.Wrap(ErrUnavailable, "response carried no toolpath")
	}

	return Result{
		Toolpath: toolpath,
		Estimate: resp.estimate(),
	}, nil
}

// Estimate asks for material use and print time without producing a toolpath.
func (c *Client) Estimate(ctx context.Context, req Request) (pricing.Estimate, error) {
	var resp estimateFields
	if err := c.post(ctx, "/estimate", req, &resp); err != nil {
		return pricing.Estimate{}, err
	}
	return resp.estimate(), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode slicer request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build slicer request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyTransport(ctx, err)
		}
		return errors.Wrapf(ErrUnavailable, "decode %s response: %v", path, err)
	}
	return nil
}

func (c *Client) download(ctx context.Context, ref string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "bad toolpath_reference %q", ref)
	}
	if c.token != "" && strings.HasPrefix(ref, c.baseURL) {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrUnavailable, "toolpath download returned %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxToolpathBytes+1))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if len(b) > maxToolpathBytes {
		return nil, errors.Wrap(ErrUnavailable, "toolpath exceeds size limit")
	}
	return b, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := http.StatusText(resp.StatusCode)
	var e errorResponse
	if b, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			detail = e.Error
		} else if s := strings.TrimSpace(string(b)); s != "" {
			detail = s
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.Wrap(ErrRejected, detail)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return errors.Wrap(ErrTimeout, detail)
	default:
		return errors.Wrap(ErrUnavailable, fmt.Sprintf("status %d: %s", resp.StatusCode, detail))
	}
}

func classifyTransport(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return errors.Wrap(ErrUnavailable, err.Error())
}
