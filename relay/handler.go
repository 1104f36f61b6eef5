/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/marketo"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

// Multipart form fields of the upload request.
const (
	FormFieldEmail = "email"
	FormFieldFiles = "files"
)

// Error codes of the upload API.
const (
	ErrCodeNoFiles          = "noFiles"
	ErrCodeTooManyFiles     = "tooManyFiles"
	ErrCodeInvalidFileType  = "invalidFileType"
	ErrCodeDuplicateFile    = "duplicateFile"
	ErrCodeInvalidEmail     = "invalidEmail"
	ErrCodeMalformedRequest = "malformedRequest"
	ErrCodeGatewayTimeout   = "gatewayTimeout"
	ErrCodeUploadError      = "UPLOAD_ERROR"
)

const (
	// multipartOverhead is added to the body limit for part headers and the non-file fields.
	multipartOverhead = 1 << 20
	maxEmailSize      = 1024
)

// StatusResponse is the body of GET /.
type StatusResponse struct {
	Status string `json:"status"`
}

// TokenResponse is the body of GET /api/test-token.
type TokenResponse struct {
	Success bool      `json:"success"`
	Data    TokenData `json:"data"`
}

// TokenData describes the current Marketo access token.
type TokenData struct {
	AccessToken string `json:"access_token"`
	// ExpiresIn is the expiration time in Unix milliseconds.
	ExpiresIn int64 `json:"expires_in"`
}

// HandlerOpts represents options for Handler.
type HandlerOpts struct {
	ErrorDomain string
	Logger      log.FieldLogger
	// DisableTestToken removes GET /api/test-token.
	DisableTestToken bool
}

// Handler serves the relay API.
type Handler struct {
	svc         *Service
	queue       *admission.Queue
	validator   *Validator
	maxBodySize uint64
	rateLimit   func(http.Handler) http.Handler
	opts        HandlerOpts
}

// NewHandler creates a new Handler. Uploads run as tasks of the queue.
func NewHandler(cfg *Config, svc *Service, queue *admission.Queue, opts HandlerOpts) (*Handler, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	h := &Handler{
		svc:         svc,
		queue:       queue,
		validator:   svc.validator,
		maxBodySize: uint64(cfg.MaxFiles)*uint64(cfg.MaxFileSize) + multipartOverhead,
		opts:        opts,
	}
	if cfg.RateLimit.Enabled {
		alg := middleware.RateLimitAlgLeakyBucket
		if cfg.RateLimit.Alg == RateLimitAlgSlidingWindow {
			alg = middleware.RateLimitAlgSlidingWindow
		}
		rateLimit, err := middleware.RateLimitWithOpts(
			middleware.Rate{Count: cfg.RateLimit.Count, Duration: cfg.RateLimit.Period},
			opts.ErrorDomain,
			middleware.RateLimitOpts{
				Alg:          alg,
				MaxBurst:     cfg.RateLimit.Burst,
				GetKey:       middleware.GetClientIPKey,
				ExcludedKeys: cfg.RateLimit.ExcludedIPs,
				DryRun:       cfg.RateLimit.DryRun,
			})
		if err != nil {
			return nil, fmt.Errorf("create upload rate limiter: %w", err)
		}
		h.rateLimit = rateLimit
	}
	return h, nil
}

// Routes registers the relay endpoints.
func (h *Handler) Routes(router chi.Router) {
	router.Get("/", h.status)
	router.Route("/api", func(r chi.Router) {
		if !h.opts.DisableTestToken {
			r.Get("/test-token", h.testToken)
		}
		if h.rateLimit != nil {
			r.With(h.rateLimit).Post("/upload", h.upload)
		} else {
			r.Post("/upload", h.upload)
		}
	})
}

func (h *Handler) status(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, StatusResponse{Status: "Server is running"}, h.logger(r))
}

func (h *Handler) testToken(rw http.ResponseWriter, r *http.Request) {
	logger := h.logger(r)
	token, err := h.svc.Token(r.Context())
	if err != nil {
		logger.Error("failed to get marketo token", log.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			&restapi.ErrorResponseData{Message: err.Error()}, logger)
		return
	}
	restapi.RespondJSON(rw, TokenResponse{
		Success: true,
		Data:    TokenData{AccessToken: token.AccessToken, ExpiresIn: token.ExpiresAt.UnixMilli()},
	}, logger)
}

func (h *Handler) upload(rw http.ResponseWriter, r *http.Request) {
	logger := h.logger(r)

	// The form is buffered in memory, so it is not read when the queue would reject the upload anyway.
	if err := h.queue.Ready(); err != nil {
		h.respondUploadError(rw, r, logger, err)
		return
	}

	restapi.SetRequestMaxBodySize(rw, r, h.maxBodySize)
	sub, err := h.readSubmission(r)
	if err != nil {
		if reqErr, ok := restapi.AsRequestTooLarge(err); ok {
			restapi.RespondMalformedRequestError(rw, h.opts.ErrorDomain, reqErr, logger)
			return
		}
		logger.Warn("failed to read upload form", log.Error(err))
		h.respondError(rw, logger, http.StatusBadRequest, ErrCodeMalformedRequest, "Malformed multipart form.")
		return
	}

	if err = h.validator.Validate(sub.Files); err != nil {
		h.respondValidationError(rw, logger, err)
		return
	}
	if sub.Email, err = parseEmail(sub.Email); err != nil {
		h.respondError(rw, logger, http.StatusBadRequest, ErrCodeInvalidEmail, err.Error())
		return
	}

	logger.Info("upload received", log.Int("files", len(sub.Files)))
	result, err := admission.Do(r.Context(), h.queue, func(ctx context.Context) (*Result, error) {
		return h.svc.Upload(ctx, sub)
	})
	if err != nil {
		h.respondUploadError(rw, r, logger, err)
		return
	}
	logger.Info("upload processed", log.Bool("success", result.Success))
	restapi.RespondJSON(rw, result, logger)
}

func (h *Handler) respondUploadError(rw http.ResponseWriter, r *http.Request, logger log.FieldLogger, err error) {
	switch {
	case errors.Is(err, admission.ErrQueueFull), errors.Is(err, admission.ErrShuttingDown), errors.Is(err, marketo.ErrCircuitOpen):
		h.respondError(rw, logger, http.StatusServiceUnavailable, restapi.ErrCodeServiceUnavailable,
			"Service is temporarily unavailable, please try again later.")
	case errors.Is(err, admission.ErrTimeout):
		h.respondError(rw, logger, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, "Upload took too long.")
	case r.Context().Err() != nil:
		logger.Warn("client went away before upload completed", log.Error(err))
	default:
		logger.Error("upload failed", log.Error(err))
		h.respondError(rw, logger, http.StatusInternalServerError, ErrCodeUploadError, err.Error())
	}
}

func (h *Handler) respondValidationError(rw http.ResponseWriter, logger log.FieldLogger, err error) {
	code := ErrCodeMalformedRequest
	switch {
	case errors.Is(err, ErrNoFiles):
		code = ErrCodeNoFiles
	case errors.Is(err, ErrTooManyFiles):
		code = ErrCodeTooManyFiles
	case errors.Is(err, ErrInvalidFileType):
		code = ErrCodeInvalidFileType
	case errors.Is(err, ErrDuplicateFile):
		code = ErrCodeDuplicateFile
	}
	h.respondError(rw, logger, http.StatusBadRequest, code, err.Error())
}

func (h *Handler) respondError(rw http.ResponseWriter, logger log.FieldLogger, status int, code, message string) {
	restapi.RespondError(rw, status, restapi.NewError(h.opts.ErrorDomain, code, message), logger)
}

// readSubmission streams the multipart form. Only the first bytes of an oversized file are read into memory.
func (h *Handler) readSubmission(r *http.Request) (Submission, error) {
	var sub Submission
	mr, err := r.MultipartReader()
	if err != nil {
		return sub, err
	}
	maxFileSize := int64(h.validator.MaxFileSize())
	for {
		part, partErr := mr.NextPart()
		if errors.Is(partErr, io.EOF) {
			return sub, nil
		}
		if partErr != nil {
			return sub, partErr
		}
		switch {
		case part.FormName() == FormFieldEmail:
			buf, readErr := io.ReadAll(io.LimitReader(part, maxEmailSize))
			if readErr != nil {
				return sub, readErr
			}
			sub.Email = strings.TrimSpace(string(buf))
		case part.FormName() == FormFieldFiles && part.FileName() != "":
			f := File{Name: part.FileName(), ContentType: part.Header.Get("Content-Type")}
			limit := maxFileSize + 1
			if len(sub.Files) >= h.validator.maxFiles {
				limit = 0 // rejected anyway, only counted
			}
			if f.Content, err = io.ReadAll(io.LimitReader(part, limit)); err != nil {
				return sub, err
			}
			f.Size = int64(len(f.Content))
			if f.Size == limit {
				rest, copyErr := io.Copy(io.Discard, part)
				if copyErr != nil {
					return sub, copyErr
				}
				f.Size += rest
				f.Content = nil
			}
			sub.Files = append(sub.Files, f)
		}
		if err = part.Close(); err != nil {
			return sub, err
		}
	}
}

func (h *Handler) logger(r *http.Request) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.opts.Logger
}

func parseEmail(email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidEmail)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidEmail, email)
	}
	return addr.Address, nil
}
