package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

// DefaultHTTPTimeout applies when the call context has no deadline
const DefaultHTTPTimeout = 30 * time.Second

// HTTPExecutor sends one request over the pooled keep-alive client of the
// node's target host.
//
// Config: method (default GET), url (required), headers (map of strings) and
// body (a string is sent as is, anything else as JSON). When no body is
// configured the node input is sent as JSON for POST, PUT and PATCH.
type HTTPExecutor struct{}

// NewHTTPExecutor creates the http executor
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{}
}

// HTTPResponse is the result of a successful call
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       interface{}       `json:"body"`
}

// Execute implements task.Executor
func (e *HTTPExecutor) Execute(ctx context.Context, input map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
	if ec == nil || ec.Conn == nil || ec.Conn.HTTP() == nil {
		return nil, configError("http executor needs an http connection")
	}

	url, err := requiredString(ec.Config, "url")
	if err != nil {
		return nil, err
	}
	method, err := stringOption(ec.Config, "method")
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = fasthttp.MethodGet
	}
	method = strings.ToUpper(method)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if err := setHeaders(req, ec.Config["headers"]); err != nil {
		return nil, err
	}
	if err := setBody(req, method, ec.Config["body"], input); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHTTPTimeout)
	}
	if err := ec.Conn.HTTP().DoDeadline(req, resp, deadline); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}

	return e.result(method, url, resp)
}

func (e *HTTPExecutor) result(method, url string, resp *fasthttp.Response) (interface{}, error) {
	code := resp.StatusCode()
	switch {
	case code == fasthttp.StatusRequestTimeout, code == fasthttp.StatusTooManyRequests, code >= 500:
		return nil, talerrors.Newf(talerrors.KindExecutorError, "%s %s returned %d", method, url, code)
	case code >= 400:
		return nil, talerrors.Permanent(talerrors.Newf(talerrors.KindExecutorError, "%s %s returned %d: %s",
			method, url, code, truncate(string(resp.Body()), 256)))
	}

	out := &HTTPResponse{StatusCode: code, Headers: make(map[string]string)}
	resp.Header.VisitAll(func(k, v []byte) {
		out.Headers[string(k)] = string(v)
	})

	body := resp.Body()
	if len(body) == 0 {
		return out, nil
	}
	if strings.Contains(string(resp.Header.ContentType()), "json") {
		var decoded interface{}
		if err := sonic.Unmarshal(body, &decoded); err != nil {
			return nil, talerrors.Permanent(talerrors.New(talerrors.KindExecutorError,
				fmt.Sprintf("%s %s returned malformed JSON", method, url), err))
		}
		out.Body = decoded
		return out, nil
	}
	out.Body = string(body)
	return out, nil
}

func setHeaders(req *fasthttp.Request, raw interface{}) error {
	if raw == nil {
		return nil
	}
	switch headers := raw.(type) {
	case map[string]interface{}:
		for k, v := range headers {
			s, ok := v.(string)
			if !ok {
				return configError("header %q must be a string, got %T", k, v)
			}
			req.Header.Set(k, s)
		}
	case map[string]string:
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	default:
		return configError("config \"headers\" must be a map, got %T", raw)
	}
	return nil
}

func setBody(req *fasthttp.Request, method string, body interface{}, input map[string]interface{}) error {
	if body == nil {
		switch method {
		case fasthttp.MethodPost, fasthttp.MethodPut, fasthttp.MethodPatch:
			body = input
		default:
			return nil
		}
	}
	if s, ok := body.(string); ok {
		req.SetBodyString(s)
		return nil
	}
	data, err := sonic.Marshal(body)
	if err != nil {
		return configError("request body is not JSON encodable: %v", err)
	}
	req.SetBody(data)
	if len(req.Header.ContentType()) == 0 || string(req.Header.ContentType()) == "text/plain; charset=utf-8" {
		req.Header.SetContentType("application/json")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
