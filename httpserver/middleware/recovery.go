/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

// RecoveryDefaultStackSize is the number of stack bytes logged on panic.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents options for Recovery middleware.
type RecoveryOpts struct {
	StackSize int
}

type recoveryHandler struct {
	next      http.Handler
	errDomain string
	opts      RecoveryOpts
}

// Recovery turns a handler panic into a logged 500 response.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is Recovery with options.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &recoveryHandler{next: next, errDomain: errDomain, opts: opts}
	}
}

func (h *recoveryHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		logger := GetLoggerFromContext(r.Context())
		if p == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity per net/http
			if logger != nil {
				logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
			}
			panic(p)
		}
		if logger != nil {
			var fields []log.Field
			if h.opts.StackSize > 0 {
				stack := make([]byte, h.opts.StackSize)
				fields = append(fields, log.Bytes("stack", stack[:runtime.Stack(stack, false)]))
			}
			logger.Error(fmt.Sprintf("Panic: %+v", p), fields...)
		}
		restapi.RespondError(rw, http.StatusInternalServerError, restapi.NewInternalError(h.errDomain), logger)
	}()
	h.next.ServeHTTP(rw, r)
}
