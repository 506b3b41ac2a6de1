package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/repository"
)

const heartbeatInterval = 25 * time.Second

type streamEvent struct {
	Tasks  []domain.Task `json:"tasks"`
	Counts domain.Counts `json:"counts"`
}

// streamTasks pushes a full snapshot as an SSE frame on every change.
func (h *handlers) streamTasks(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	uid, err := h.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	// Only the latest snapshot matters to a slow reader.
	latest := make(chan []domain.Task, 1)
	failed := make(chan error, 1)
	sub, err := h.tasks.Subscribe(filterFor(c, uid), func(tasks []domain.Task) {
		select {
		case <-latest:
		default:
		}
		latest <- tasks
	}, repository.WithErrorHandler(func(err error) {
		select {
		case failed <- err:
		default:
		}
	}))
	if err != nil {
		return h.fail(c, "subscribe", err)
	}
	defer sub.Unsubscribe()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.WithFields(log.Fields{"user": uid})
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			// Reload errors keep the stream open; the client keeps its last snapshot.
			logger.WithError(err).Warn("snapshot reload failed")
		case <-heartbeat.C:
			if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case tasks := <-latest:
			data, err := sonic.Marshal(streamEvent{Tasks: tasks, Counts: domain.CountTasks(tasks)})
			if err != nil {
				logger.WithError(err).Error("unable to encode snapshot")
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-sub.Done():
			return nil
		}
	}
}
