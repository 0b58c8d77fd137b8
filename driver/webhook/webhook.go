// Package webhook implements a generic HTTP driver. Inbound requests to /events/{source}/{type}
// are emitted as raw events, the "request" action performs an outbound HTTP call.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/log"
	"github.com/go-chi/chi/v5"
)

const (
	DefaultName = "webhook"

	ActionRequest = "request"

	maxBody = 1 << 20
)

type Options struct {
	Name string

	// Addr is the listen address of the receiver. When empty, Start does not listen and the
	// receiver has to be mounted using Handler.
	Addr string

	Logger *slog.Logger

	Client *http.Client
}

type Driver struct {
	name   string
	addr   string
	logger *slog.Logger
	client *http.Client
}

var _ driver.Source = (*Driver)(nil)

func New(opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	return &Driver{
		name:   opts.Name,
		addr:   opts.Addr,
		logger: opts.Logger.With(slog.String(log.DriverNameKey, opts.Name)),
		client: opts.Client,
	}
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) Start(ctx context.Context, e driver.Emitter) error {
	if d.addr == "" {
		<-ctx.Done()
		return nil
	}

	server := &http.Server{
		Addr:              d.addr,
		Handler:           d.Handler(e),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.logger.Info("Webhook receiver starting", "addr", d.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Handler returns the receiver routes, emitting events to e.
func (d *Driver) Handler(e driver.Emitter) http.Handler {
	r := chi.NewRouter()
	r.Post("/events/{source}/{type}", func(w http.ResponseWriter, r *http.Request) {
		d.receive(w, r, e)
	})

	return r
}

func (d *Driver) receive(w http.ResponseWriter, r *http.Request, e driver.Emitter) {
	payload, err := decodeBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw := map[string]any{
		"source":  chi.URLParam(r, "source"),
		"type":    chi.URLParam(r, "type"),
		"payload": payload,
	}

	if err := e.Emit(r.Context(), raw); err != nil {
		d.logger.Warn("Rejected inbound event", "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}

func decodeBody(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return payload, nil
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form: %w", err)
		}

		for k, v := range values {
			if len(v) == 1 {
				payload[k] = v[0]
			} else {
				payload[k] = toAny(v)
			}
		}

		return payload, nil
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}

	return payload, nil
}

func toAny(v []string) []any {
	r := make([]any, len(v))
	for i, s := range v {
		r[i] = s
	}

	return r
}

// Invoke supports the "request" action with parameters url, method (default POST), headers and
// body. Responses with status >= 400 are failures.
func (d *Driver) Invoke(ctx context.Context, action string, params map[string]any) (*driver.Result, error) {
	if action != ActionRequest {
		return nil, fmt.Errorf("%s: unknown action %q", d.name, action)
	}

	target, _ := params["url"].(string)
	if target == "" {
		return driver.Failure("parameter url is required"), nil
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if b, ok := params["body"]; ok && b != nil {
		switch t := b.(type) {
		case string:
			body = strings.NewReader(t)
		default:
			buf, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encoding body: %w", err)
			}
			body = bytes.NewReader(buf)
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		return driver.Failure(err.Error()), nil
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		output["body"] = decoded
	} else {
		output["body"] = string(respBody)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &driver.Result{
			Status: driver.StatusFailure,
			Output: output,
			Error:  resp.Status,
		}, nil
	}

	return driver.Success(output), nil
}
