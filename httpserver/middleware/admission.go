/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

// AdmissionErrCode is the error code of requests rejected by the admission gate.
var AdmissionErrCode = restapi.ErrCodeServiceUnavailable

type admissionHandler struct {
	next      http.Handler
	queue     *admission.Queue
	errDomain string
}

// Admission serves requests through the queue: a request holds one of its slots while the
// handler runs and waits in FIFO order while all slots are busy.
// Requests are rejected with 503 when the pending sequence is full or the queue is shutting down.
func Admission(queue *admission.Queue, errDomain string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &admissionHandler{next: next, queue: queue, errDomain: errDomain}
	}
}

func (h *admissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	acquired := make(chan struct{})
	released := make(chan struct{})
	defer close(released)

	future, err := h.queue.Admit(r.Context(), func(ctx context.Context) (interface{}, error) {
		close(acquired)
		<-released
		return nil, nil
	})
	if err != nil {
		h.reject(rw, r, err)
		return
	}

	select {
	case <-acquired:
		h.next.ServeHTTP(rw, r)
	case <-future.Done():
		_, err = future.Result()
		h.reject(rw, r, err)
	}
}

func (h *admissionHandler) reject(rw http.ResponseWriter, r *http.Request, err error) {
	logger := GetLoggerFromContext(r.Context())
	switch {
	case errors.Is(err, admission.ErrQueueFull), errors.Is(err, admission.ErrShuttingDown):
		if logger != nil {
			logger.Warn("request is not admitted", log.Error(err))
		}
		restapi.RespondError(rw, http.StatusServiceUnavailable,
			restapi.NewError(h.errDomain, AdmissionErrCode, "Service is busy, try again later."), logger)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if logger != nil {
			logger.Info("request is canceled while waiting for admission", log.Error(err))
		}
	default:
		if logger != nil {
			logger.Error("admission failed", log.Error(err))
		}
		restapi.RespondInternalError(rw, h.errDomain, logger)
	}
}
