// Package main is the entrypoint for the webhook sync Lambda function.
//
// API Gateway forwards the provider's webhook delivery unchanged; the
// handler runs it through the same Synchronizer the HTTP server uses and
// maps the result onto the status code the provider acts on.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load configuration, resolving secrets from SSM.
//  3. Wire the engine through internal/app.
//  4. Register handler and call lambda.Start.
//
// Ledger pruning is not run here; the API process owns the janitor.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"subsync/internal/api/handlers"
	"subsync/internal/app"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/types"
)

const maxBodySize = 64 << 10

// Handler adapts API Gateway proxy events to a WebhookProcessor.
type Handler struct {
	processor handlers.WebhookProcessor
	logger    *slog.Logger
}

// Handle never returns an error; every failure is expressed as a status
// code so API Gateway relays it to the provider.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := req.RequestContext.RequestID
	ctx = types.WithRequestID(ctx, requestID)

	payload := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return h.errorResponse(ctx, requestID, types.NewAppError(types.ErrCodeInvalidRequest, "body is not valid base64", err)), nil
		}
		payload = decoded
	}
	if len(payload) > maxBodySize {
		return h.errorResponse(ctx, requestID, types.NewAppError(types.ErrCodeInvalidRequest, "request body too large", nil)), nil
	}

	sig := header(req.Headers, "Stripe-Signature")
	res, err := h.processor.Process(ctx, payload, sig)
	if err != nil {
		if types.IsCode(err, types.ErrCodeAuthenticationFailed) {
			h.logger.WarnContext(ctx, "webhook authentication failed",
				"source_ip", req.RequestContext.Identity.SourceIP,
				"signature_present", sig != "",
				"body_bytes", len(payload),
			)
		}
		return h.errorResponse(ctx, requestID, err), nil
	}

	return jsonResponse(http.StatusOK, handlers.WebhookResponse{
		Received: true,
		Outcome:  string(res.Outcome),
		EventID:  res.EventID,
		Reason:   res.Reason,
	}), nil
}

func (h *Handler) errorResponse(ctx context.Context, requestID string, err error) events.APIGatewayProxyResponse {
	detail := core.ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "webhook processing failed", "error", err, "status", status)
	}
	return jsonResponse(status, core.APIErrorResponse{Error: detail})
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":{"code":"internal_unexpected_error","message":"encoding failed"}}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

// header looks up name case-insensitively; API Gateway preserves the
// client's casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	engine, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	h := &Handler{processor: engine.Synchronizer, logger: logger}
	logger.Info("sync lambda initialized", "version", cfg.Build.Version)
	lambda.Start(h.Handle)
}
