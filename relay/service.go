/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/marketo"
)

// Messages of the overall upload result.
const (
	MessageAllUploaded  = "All files uploaded successfully"
	MessageSomeFailed   = "Some files failed to upload"
	leadFileNamesJoiner = ", "
)

// TokenSource provides Marketo access tokens.
type TokenSource interface {
	Token(ctx context.Context) (*marketo.Token, error)
}

// MarketoClient stores files and updates leads in Marketo.
type MarketoClient interface {
	UploadFile(ctx context.Context, file marketo.File) (*marketo.AssetResponse, error)
	UpdateLeadField(ctx context.Context, email, value string) (*marketo.LeadUpdateResult, error)
}

// Submission is a validated form submission.
type Submission struct {
	Email string
	Files []File
}

// FileResult is the outcome of a single file.
type FileResult struct {
	OriginalName    string          `json:"originalName"`
	UploadedName    string          `json:"uploadedName,omitempty"`
	Success         bool            `json:"success"`
	MarketoResponse json.RawMessage `json:"marketoResponse,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Result is the outcome of a submission.
type Result struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Files   []FileResult `json:"files"`
}

// Service forwards submissions to Marketo.
type Service struct {
	tokens    TokenSource
	client    MarketoClient
	validator *Validator
	logger    log.FieldLogger
}

// NewService creates a new Service.
func NewService(tokens TokenSource, client MarketoClient, validator *Validator, logger log.FieldLogger) *Service {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Service{tokens: tokens, client: client, validator: validator, logger: logger}
}

// Token returns the current Marketo access token.
func (s *Service) Token(ctx context.Context) (*marketo.Token, error) {
	return s.tokens.Token(ctx)
}

// Upload stores the files in Marketo one after another. When all of them are stored,
// their names are written to the lead field of the submitting lead.
// A failed lead update does not fail the submission.
// An error is returned only when nothing could be attempted.
func (s *Service) Upload(ctx context.Context, sub Submission) (*Result, error) {
	logger := s.loggerFor(ctx)

	if _, err := s.tokens.Token(ctx); err != nil {
		return nil, fmt.Errorf("get marketo token: %w", err)
	}

	results := make([]FileResult, 0, len(sub.Files))
	for _, f := range sub.Files {
		results = append(results, s.uploadFile(ctx, logger, f))
	}

	allSucceeded := true
	for _, res := range results {
		allSucceeded = allSucceeded && res.Success
	}

	if allSucceeded {
		names := make([]string, 0, len(results))
		for _, res := range results {
			names = append(names, res.UploadedName)
		}
		if _, err := s.client.UpdateLeadField(ctx, sub.Email, strings.Join(names, leadFileNamesJoiner)); err != nil {
			logger.Error("failed to update lead field", log.Error(err))
		} else {
			logger.Info("lead field updated", log.Int("files", len(names)))
		}
	}

	result := &Result{Success: allSucceeded, Message: MessageSomeFailed, Files: results}
	if allSucceeded {
		result.Message = MessageAllUploaded
	}
	return result, nil
}

func (s *Service) uploadFile(ctx context.Context, logger log.FieldLogger, f File) FileResult {
	res := FileResult{OriginalName: f.Name, UploadedName: s.validator.UploadName(f.Name)}
	if s.validator.TooLarge(f) {
		res.Error = fmt.Sprintf("file too large, maximum size allowed is %s", s.validator.MaxFileSize())
		logger.Warn("file skipped", log.String("file", f.Name), log.Int64("size", f.Size))
		return res
	}
	resp, err := s.client.UploadFile(ctx, marketo.File{Name: res.UploadedName, ContentType: f.ContentType, Content: f.Content})
	if err != nil {
		res.Error = err.Error()
		logger.Error("failed to upload file to marketo", log.String("file", f.Name), log.Error(err))
		return res
	}
	res.Success = resp.OK()
	res.MarketoResponse = resp.Body
	if !res.Success {
		logger.Warn("marketo rejected file",
			log.String("file", f.Name), log.Int("status", resp.StatusCode))
	}
	return res
}

func (s *Service) loggerFor(ctx context.Context) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}
