package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/profilebot/cmd/mainconfig"
	"github.com/wolfman30/profilebot/internal/app/bootstrap"
	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// webhook-lambda serves the gateway router behind API Gateway HTTP APIs.
// Replies go to SQS for the messaging worker; sessions and dedupe need a
// shared backend (Redis or Postgres) because Lambda instances come and go.
func main() {
	ctx := context.Background()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Warn("USE_MEMORY_QUEUE is set; replies will not survive the invocation")
	}
	if cfg.SessionBackend != bootstrap.BackendRedis {
		logger.Warn("session backend is not shared across lambda instances", "backend", cfg.SessionBackend)
	}

	gateway, err := bootstrap.BuildGateway(ctx, cfg, logger, nil, bootstrap.AWSClients{
		Dynamo: func() (bootstrap.DynamoClient, error) {
			awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return mainconfig.NewDynamoClient(awsCfg, cfg), nil
		},
		SQS: func() (bootstrap.SQSClient, error) {
			awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return mainconfig.NewSQSClient(awsCfg, cfg), nil
		},
	})
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		return handle(ctx, gateway.Handler, evt), nil
	})
}

func handle(ctx context.Context, h http.Handler, evt events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}
	if qs := strings.TrimSpace(evt.RawQueryString); qs != "" {
		path += "?" + qs
	}

	body, err := decodeBody(evt)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid body"}
	}

	req, err := http.NewRequestWithContext(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid request"}
	}
	for k, v := range evt.Headers {
		req.Header.Set(k, v)
	}
	if ip := strings.TrimSpace(evt.RequestContext.HTTP.SourceIP); ip != "" {
		req.RemoteAddr = ip
	}

	rw := newResponseBuffer()
	h.ServeHTTP(rw, req)
	return rw.response()
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

// responseBuffer collects a handler's output for the Lambda response.
type responseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}}
}

func (r *responseBuffer) Header() http.Header { return r.header }

func (r *responseBuffer) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *responseBuffer) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseBuffer) response() events.APIGatewayV2HTTPResponse {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(r.header))
	for k := range r.header {
		headers[strings.ToLower(k)] = r.header.Get(k)
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       r.body.String(),
	}
}
