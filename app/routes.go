package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/auth"
	"backoffice-api/internal/blog"
	"backoffice-api/internal/maintenance"
	"backoffice-api/internal/media"
	"backoffice-api/internal/middleware"
	"backoffice-api/internal/ratelimit"
)

// uploadBodyBytes leaves room for multipart framing around the largest image.
const uploadBodyBytes = media.MaxUploadSizeBytes + 1<<20

type handlers struct {
	auth    *auth.Handler
	blog    *blog.Handler
	uploads *media.UploadHandler
	cleanup *maintenance.CleanupHandler
	health  []healthCheck
}

func newRouter(p *middleware.Pipeline, h handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperror.Write(w, apperror.NewNotFound("Not found."), false, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperror.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"success": false,
			"message": "Method not allowed.",
			"error":   "method_not_allowed",
		})
	})

	r.Get("/health", healthHandler(h.health))

	r.Route("/api/auth", func(r chi.Router) {
		r.Method(http.MethodPost, "/login", p.Wrap(middleware.Route{
			Action: "auth.login", Resource: "session", Class: ratelimit.ClassLogin,
		}, h.auth.Login))
		r.Method(http.MethodPost, "/refresh", p.Wrap(middleware.Route{
			Action: "auth.refresh", Resource: "session", Class: ratelimit.ClassLogin,
		}, h.auth.Refresh))
		r.Method(http.MethodPost, "/logout", p.Wrap(middleware.Route{
			Action: "auth.logout", Resource: "session", Class: ratelimit.ClassAdmin, Auth: middleware.AuthAuthenticated,
		}, h.auth.Logout))
		r.Method(http.MethodGet, "/me", p.Wrap(middleware.Route{
			Action: "auth.me", Resource: "user", Class: ratelimit.ClassAdmin, Auth: middleware.AuthAuthenticated,
		}, h.auth.Me))
		r.Method(http.MethodGet, "/sessions", p.Wrap(middleware.Route{
			Action: "auth.sessions", Resource: "session", Class: ratelimit.ClassAdmin, Auth: middleware.AuthAuthenticated,
		}, h.auth.Sessions))
	})

	r.Route("/api/posts", func(r chi.Router) {
		r.Method(http.MethodGet, "/", p.Wrap(middleware.Route{
			Action: "posts.list", Resource: "post",
		}, h.blog.ListPublished))
		r.Method(http.MethodGet, "/{slug}", p.Wrap(middleware.Route{
			Action: "posts.get", Resource: "post",
		}, h.blog.GetPublished))
	})

	r.Route("/api/admin", func(r chi.Router) {
		admin := func(action, resource string) middleware.Route {
			return middleware.Route{Action: action, Resource: resource, Class: ratelimit.ClassAdmin, Auth: middleware.AuthAdmin}
		}
		upload := func(action, resource string) middleware.Route {
			return middleware.Route{
				Action: action, Resource: resource, Class: ratelimit.ClassUpload, Auth: middleware.AuthAdmin,
				AllowMultipart: true, MaxBodyBytes: uploadBodyBytes,
			}
		}

		r.Method(http.MethodPost, "/users/{id}/unlock", p.Wrap(admin("users.unlock", "user"), h.auth.Unlock))

		r.Method(http.MethodGet, "/posts", p.Wrap(admin("posts.list_all", "post"), h.blog.ListAll))
		r.Method(http.MethodPost, "/posts", p.Wrap(admin("posts.create", "post"), h.blog.Create))
		r.Method(http.MethodPut, "/posts/{id}", p.Wrap(admin("posts.update", "post"), h.blog.Update))
		r.Method(http.MethodDelete, "/posts/{id}", p.Wrap(admin("posts.delete", "post"), h.blog.Delete))
		r.Method(http.MethodPost, "/posts/{id}/cover", p.Wrap(upload("posts.cover", "post"), h.blog.UploadCover))
		r.Method(http.MethodPost, "/uploads", p.Wrap(upload("media.upload", "image"), h.uploads.Upload))
	})

	cleanup := p.Wrap(middleware.Route{Action: "maintenance.cleanup", Resource: "maintenance", Class: ratelimit.ClassAdmin}, h.cleanup.Handle)
	r.Method(http.MethodGet, "/api/internal/maintenance/cleanup", cleanup)
	r.Method(http.MethodPost, "/api/internal/maintenance/cleanup", cleanup)

	return r
}

type healthCheck struct {
	name string
	ping func(ctx context.Context) error
}

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		failing := make([]string, 0)
		for _, check := range checks {
			if err := check.ping(ctx); err != nil {
				failing = append(failing, check.name)
			}
		}
		if len(failing) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["failing"] = failing
		}

		apperror.WriteJSON(w, status, body)
	}
}
