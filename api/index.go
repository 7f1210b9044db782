package api

import (
	"net/http"
	"sync"

	"backoffice-api/app"
	"backoffice-api/internal/apperror"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. The runtime is built on first use
// and reused for the lifetime of the function instance.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		apperror.Write(w, apperror.NewInternal(initErr), false, nil)
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
