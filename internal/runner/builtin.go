package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// RegisterBuiltins installs the node types every runner binary ships with.
// Deployments register their own handlers next to these at startup.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", HandlerFunc(noopHandler), Manifest{})
	r.Register("delay", HandlerFunc(delayHandler), Manifest{})
	r.Register("merge", HandlerFunc(mergeHandler), Manifest{})
	r.Register("http.request", HandlerFunc(httpRequestHandler), Manifest{
		Timeout:      60 * time.Second,
		AllowNetwork: true,
	})
}

// noopHandler passes its input through unchanged.
func noopHandler(ctx context.Context, req *Invocation) (json.RawMessage, error) {
	if len(req.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return req.Input, nil
}

// delayHandler sleeps for the configured number of milliseconds, bounded by
// the sandbox deadline, then echoes its input.
func delayHandler(ctx context.Context, req *Invocation) (json.RawMessage, error) {
	var params struct {
		Millis int `json:"millis"`
	}
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return nil, fmt.Errorf("invalid delay parameters: %w", err)
		}
	}

	select {
	case <-time.After(time.Duration(params.Millis) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return noopHandler(ctx, req)
}

// mergeHandler flattens the slots of its assembled input into one object.
// Slots are visited in lexicographic slot-name order and later slots do
// not overwrite earlier ones, so the result is deterministic.
func mergeHandler(ctx context.Context, req *Invocation) (json.RawMessage, error) {
	var slots map[string]json.RawMessage
	if err := json.Unmarshal(req.Input, &slots); err != nil {
		return nil, fmt.Errorf("merge input is not an object: %w", err)
	}

	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(map[string]json.RawMessage)
	for _, name := range names {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(slots[name], &obj); err != nil {
			continue
		}
		for k, v := range obj {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return json.Marshal(merged)
}

// httpRequestHandler performs one HTTP request described by the node's
// parameters. Network access comes from the type's manifest grant.
func httpRequestHandler(ctx context.Context, req *Invocation) (json.RawMessage, error) {
	var params struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid http.request parameters: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("http.request requires a url parameter")
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}

	var body io.Reader
	if len(params.Body) > 0 {
		body = bytes.NewReader(params.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, params.Method, params.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range params.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := map[string]interface{}{
		"status": resp.StatusCode,
	}
	if json.Valid(respBody) {
		out["body"] = json.RawMessage(respBody)
	} else {
		out["body"] = string(respBody)
	}
	return json.Marshal(out)
}
