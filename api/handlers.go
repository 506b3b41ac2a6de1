package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/annotate"
	"taskboard/completion"
	"taskboard/domain"
	"taskboard/upload"
)

const (
	idempotencyHeader = "Idempotency-Key"
	completionTimeout = 60 * time.Second
)

// Options carries the optional collaborators of the HTTP surface.
type Options struct {
	Deduper   Deduper
	Uploader  Uploader
	Completer completion.Completer
	// Blobs serves attachments under /blobs/ when set (local mode).
	Blobs BlobReader
	// AllowSharedEdits lets any signed-in user modify any task.
	AllowSharedEdits bool
	Logger           *log.Logger
}

type handlers struct {
	tasks Tasks
	auth  Authenticator
	Options
	logger *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks Tasks, auth Authenticator, opts Options) {
	h := &handlers{tasks: tasks, auth: auth, Options: opts, logger: opts.Logger}
	if h.logger == nil {
		h.logger = log.StandardLogger()
	}
	e.JSONSerializer = sonicSerializer{}

	e.GET("/healthz", healthz)
	e.GET("/api/tasks", h.listTasks, h.observe("/api/tasks"))
	e.POST("/api/tasks", h.createTask, h.observe("/api/tasks"))
	e.PATCH("/api/tasks/:id", h.updateTask, h.observe("/api/tasks/:id"))
	e.POST("/api/tasks/:id/toggle", h.toggleTask, h.observe("/api/tasks/:id/toggle"))
	e.DELETE("/api/tasks/:id", h.deleteTask, h.observe("/api/tasks/:id"))
	e.GET("/api/tasks/stream", h.streamTasks)
	if opts.Uploader != nil {
		e.POST("/api/tasks/:id/image", h.attachImage, h.observe("/api/tasks/:id/image"))
	}
	if opts.Completer != nil {
		e.POST("/api/annotate", h.annotateTask, h.observe("/api/annotate"))
	}
	if opts.Blobs != nil {
		e.GET("/blobs/*", h.serveBlob)
	}
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// observe records request metrics for the route.
func (h *handlers) observe(route string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m, ctx := newRequestMetrics(c.Request().Context(), h.logger, route)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(metricsContextKey, m)
			defer func() {
				m.Log(c.Response().Status, err)
			}()
			return next(c)
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}

func (h *handlers) userID(c echo.Context) (string, error) {
	uid, err := h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", &domain.AuthError{Reason: "invalid bearer token", Err: err}
	}
	metricsFrom(c).SetUser(uid)
	return uid, nil
}

// owned loads the task and checks the caller may modify it.
func (h *handlers) owned(ctx context.Context, uid, id string) (domain.Task, error) {
	t, err := h.tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !h.AllowSharedEdits && t.OwnerID != uid {
		return domain.Task{}, errForbidden
	}
	return t, nil
}

func filterFor(c echo.Context, uid string) domain.Filter {
	if all, _ := strconv.ParseBool(c.QueryParam("all")); all {
		return domain.AllTasks()
	}
	return domain.OwnedBy(uid)
}

func (h *handlers) listTasks(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	tasks, err := h.tasks.List(c.Request().Context(), filterFor(c, uid))
	if err != nil {
		return h.fail(c, "storage", err)
	}
	metricsFrom(c).SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Counts: domain.CountTasks(tasks)})
}

func (h *handlers) createTask(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	var req createTaskRequest
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		return h.fail(c, "decode", errBadBody)
	}
	ctx := c.Request().Context()

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	if key != "" && h.Deduper != nil {
		added, err := h.Deduper.Add(ctx, uid, key)
		if err != nil {
			return h.fail(c, "deduper", err)
		}
		if !added {
			id, err := h.Deduper.Lookup(ctx, uid, key)
			if err != nil {
				return h.fail(c, "deduper", err)
			}
			if id == "" {
				return h.fail(c, "deduper", errInProgress)
			}
			return c.JSON(http.StatusOK, createTaskResponse{ID: id})
		}
	}

	id, err := h.tasks.Create(ctx, uid, req.Title, req.Description)
	if err != nil {
		if key != "" && h.Deduper != nil {
			if rerr := h.Deduper.Remove(context.WithoutCancel(ctx), uid, key); rerr != nil {
				h.logger.WithError(rerr).Warn("unable to release idempotency key")
			}
		}
		return h.fail(c, "create", err)
	}
	if key != "" && h.Deduper != nil {
		if err := h.Deduper.Complete(ctx, uid, key, id); err != nil {
			h.logger.WithError(err).Warn("unable to record idempotency result")
		}
	}
	return c.JSON(http.StatusCreated, createTaskResponse{ID: id})
}

func (h *handlers) updateTask(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	var req updateTaskRequest
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		return h.fail(c, "decode", errBadBody)
	}
	patch := domain.Patch{Title: req.Title, Description: req.Description, Completed: req.Completed}
	if patch.Empty() {
		return h.fail(c, "decode", &domain.ValidationError{Field: "body", Reason: "no fields to update"})
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.owned(ctx, uid, id); err != nil {
		return h.fail(c, "lookup", err)
	}
	if err := h.tasks.Update(ctx, id, patch); err != nil {
		return h.fail(c, "update", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) toggleTask(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.owned(ctx, uid, id); err != nil {
		return h.fail(c, "lookup", err)
	}
	if err := h.tasks.Toggle(ctx, id); err != nil {
		return h.fail(c, "toggle", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// deleteTask treats a missing task as already deleted.
func (h *handlers) deleteTask(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.owned(ctx, uid, id); err != nil {
		if domain.IsNotFound(err) {
			return c.NoContent(http.StatusNoContent)
		}
		return h.fail(c, "lookup", err)
	}
	if err := h.tasks.Delete(ctx, id); err != nil && !domain.IsNotFound(err) {
		return h.fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) attachImage(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.owned(ctx, uid, id); err != nil {
		return h.fail(c, "lookup", err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return h.fail(c, "decode", &domain.ValidationError{Field: "file", Reason: "multipart field missing"})
	}
	f := upload.File{Name: fh.Filename, ContentType: fh.Header.Get(echo.HeaderContentType), Size: fh.Size}
	if err := upload.Validate(upload.File{Name: f.Name, ContentType: f.ContentType, Size: f.Size, Body: http.NoBody}); err != nil {
		return h.fail(c, "validate", err)
	}
	src, err := fh.Open()
	if err != nil {
		return h.fail(c, "decode", err)
	}
	defer src.Close()
	f.Body = src

	res, err := h.Uploader.Upload(ctx, f, uid, nil)
	if err != nil {
		return h.fail(c, "upload", err)
	}
	if err := h.tasks.AttachImage(ctx, id, res.URL, res.Path); err != nil {
		h.Uploader.Remove(context.WithoutCancel(ctx), res.Path)
		return h.fail(c, "attach", err)
	}
	return c.JSON(http.StatusOK, res)
}

// annotateTask is the compute endpoint: it produces an annotation for the
// caller's task and writes it back, so subscribers see it arrive.
func (h *handlers) annotateTask(c echo.Context) error {
	uid, err := h.userID(c)
	if err != nil {
		return h.fail(c, "auth", err)
	}
	var req annotate.Request
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		return h.fail(c, "decode", errBadBody)
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return h.fail(c, "decode", &domain.ValidationError{Field: "taskId", Reason: "must not be empty"})
	}
	ctx := c.Request().Context()
	task, err := h.owned(ctx, uid, req.TaskID)
	if err != nil {
		return h.fail(c, "lookup", err)
	}
	title, description := req.TaskTitle, req.TaskDescription
	if strings.TrimSpace(title) == "" {
		title, description = task.Title, task.Description
	}

	cctx, cancel := context.WithTimeout(ctx, completionTimeout)
	text, err := h.Completer.Complete(cctx, title, description)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithField("task", task.ID).Error("completion failed")
		return h.fail(c, "completion", &domain.RemoteError{Message: "annotation generation failed", Err: err})
	}
	if strings.TrimSpace(text) == "" {
		return h.fail(c, "completion", &domain.RemoteError{Message: "empty annotation"})
	}
	if err := h.tasks.AttachAIResponse(ctx, task.ID, text); err != nil {
		return h.fail(c, "attach", err)
	}
	return c.JSON(http.StatusOK, annotate.Response{Response: text})
}

func (h *handlers) serveBlob(c echo.Context) error {
	obj, ok := h.Blobs.Open(c.Param("*"))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, obj.ContentType, obj.Data)
}
