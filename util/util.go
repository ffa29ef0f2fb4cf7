package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
)

const (
	DefaultHTTPTimeout = 20 * time.Second

	// Response bodies are read up to this many bytes
	MaxResponseBytes = 16 << 20
)

type ctxKey string

const LoggerKey ctxKey = "logger"

// ContextWithLogger attaches log to ctx for MethodSetup.
func ContextWithLogger(ctx context.Context, log clog.ICustomLog) context.Context {
	return context.WithValue(ctx, LoggerKey, log)
}

// Error is a helper log func that will log an error to NewRelic and to a custom
// logger. All fields can be nil.
//
// Examples:
//
// Log(nil, nil, "foo", nil) -- will return errors.New("missing message")
// Log(txn, nil, "foo", nil) -- will notice Error
// Log(txn, logger, "foo", nil) -- will return errors.New("missing message") and log to logger
// Log(txn, logger, "foo", errors.New("bar")) -- will log "Foo: bar" to logger and NR + return errors.New("foo: bar")
// Log(nil, nil, nil, nil) -- will return nil
func Error(txn *newrelic.Transaction, log clog.ICustomLog, msg string, err error, fields ...zap.Field) error {
	if err == nil && msg == "" {
		// Nothing to do if neither error or msg is present
		return nil
	} else if err != nil && msg != "" {
		// If both err and msg are present, wrap err with msg
		err = errors.Wrap(err, msg)
	} else if err == nil && msg != "" {
		// If only msg is present, use msg for err
		err = errors.New(msg)
	} else if err != nil && msg == "" {
		// If err is provided but no msg, leave err as-is
	}

	if txn != nil {
		txn.NoticeError(err)
	}

	if log != nil {
		log.Error(CapitalizeFirstChar(err.Error()), fields...)
	}

	return err
}

func CapitalizeFirstChar(s string) string {
	if len(s) == 0 {
		return s
	}

	return strings.ToUpper(string(s[0])) + s[1:]
}

// MethodSetup extracts a NewRelic txn and a logger from ctx. Jobs put a logger
// carrying job and runID into the context, so everything below them logs with
// those fields.
//
// If the context doesn't contain a txn, NewRelic lib will continue to be able
// to handle calls o nil transactions.
//
// If the context does not contain a logger, it will try to use a fallback
// logger. If no fallback logger is provided, a Basic logger will be created and
// a noisy error will be printed.
func MethodSetup(ctx context.Context, fallbackLogger clog.ICustomLog, fields ...zap.Field) (*newrelic.Transaction, clog.ICustomLog) {
	// If ctx is nil, returned txn will be nil of *Transaction type and NewRelic
	// lib is able to handle calls on nil transactions.
	txn := newrelic.FromContext(ctx)

	// If there is no context, we should use the fallback logger
	if ctx == nil {
		// But if there is no fallback logger, we should print a noisy message + use Basic logger
		if fallbackLogger == nil {
			fmt.Println("WARNING: CTX IS NIL AND NO FALLBACK LOGGER PROVIDED, RETURNING BASIC LOGGER")
			return txn, clog.NewBasic(fields...)
		}

		fmt.Println("WARNING: CTX IS NIL, USING FALLBACK LOGGER")
		return txn, fallbackLogger.With(fields...)
	}

	// Context is non-nil, check if it has a logger
	logger, ok := ctx.Value(LoggerKey).(clog.ICustomLog)
	if !ok {
		if fallbackLogger != nil {
			logger = fallbackLogger
		} else {
			fmt.Println("WARNING: NO LOGGER FOUND IN CTX AND NO FALLBACK LOGGER PROVIDED")
			logger = clog.NewBasic()
		}
	}

	// Attach fields to logger
	for _, f := range fields {
		logger = logger.With(f)
	}

	return txn, logger
}

// DoHTTPWithClient performs a request and, when target is non-nil, decodes the
// JSON response into it.
// Non-2xx responses are errors.
func DoHTTPWithClient(
	ctx context.Context,
	client *http.Client,
	endpoint,
	method string,
	requestBody []byte,
	target any,
	header ...http.Header,
) (*http.Response, error) {
	txn, logger := MethodSetup(ctx, &clog.CustomLogNoop{}, zap.String("method", "DoHTTPWithClient"))
	segment := txn.StartSegment("util.DoHTTPWithClient")
	defer segment.End()

	if ctx == nil {
		ctx = context.Background()
	}

	if client == nil {
		return nil, errors.New("client cannot be nil")
	}

	if target != nil {
		if reflect.ValueOf(target).Kind() != reflect.Ptr {
			return nil, errors.New("target must be a pointer")
		}
	}

	logger = logger.With(
		zap.String("httpEndpoint", endpoint),
		zap.String("httpMethod", method),
	)

	logger.Debug("Performing HTTP request")

	txn.AddAttribute("httpEndpoint", endpoint)
	txn.AddAttribute("httpMethod", method)

	// Automatically handles nil requestBody
	bodyBuffer := bytes.NewBuffer(requestBody)

	request, err := http.NewRequestWithContext(ctx, method, endpoint, bodyBuffer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create http request")
	}

	for _, h := range header {
		for k, values := range h {
			for _, v := range values {
				request.Header.Add(k, v)
			}
		}
	}

	resp, err := client.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to perform http request")
	}

	defer resp.Body.Close()

	body, err := GetResponseBody(resp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	if target == nil {
		return resp, nil
	}

	logger.Debug("Unmarshalling response body")

	if err := json.Unmarshal(body, target); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response body")
	}

	return resp, nil
}

// StatusError is returned by DoHTTPWithClient for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("received non-2xx status code: %d; resp body: %s", s.StatusCode, s.Body)
}

// Download streams the body of a GET request into w and returns the number of
// bytes written.
func Download(ctx context.Context, client *http.Client, endpoint string, w io.Writer) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create http request")
	}

	resp, err := client.Do(request)
	if err != nil {
		return 0, errors.Wrap(err, "failed to perform http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return n, errors.Wrap(err, "failed to read response body")
	}

	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}

func GetResponseBody(resp *http.Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("response cannot be nil")
	}

	if resp.Body == nil {
		return nil, errors.New("response body cannot be nil")
	}

	defer resp.Body.Close()

	// Read the response body into a buffer so we can re-add the body back into
	// the response for others to use
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read response body")
	}

	// Re-create body so it can be read again
	resp.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))

	return buf.Bytes(), nil
}
