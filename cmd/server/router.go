package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/feed"
	"github.com/sf7293/task-relay/internal/relay"
)

var storageIsReady, rabbitIsReady bool

func setupHTTPServer(service *relay.Service, hub *feed.Hub, rabbitClient domain.Queue, redisClient domain.DistributedLock) *gin.Engine {
	r := gin.Default()
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation("validate_task_type", validateTaskType)
		if err != nil {
			slog.Error("failed to bind validation rule of validate_task_type", "error", err)
		}

		err = v.RegisterValidation("validate_priority", validatePriority)
		if err != nil {
			slog.Error("failed to bind validation rule of validate_priority", "error", err)
		}
	}

	api := r.Group("/api")
	tasks := api.Group("/tasks")

	tasks.POST("", func(c *gin.Context) {
		req := domain.RouterRequestAddTask{}
		// Request binding and validation
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		in := relay.CreateTaskInput{
			ID:         req.TaskID,
			Content:    req.Content,
			SessionID:  req.SessionID,
			MaxRetries: req.MaxRetries,
		}
		if req.Priority != nil {
			in.Priority = *req.Priority
		}
		if req.TaskType != nil {
			in.TaskType = *req.TaskType
		}

		task, err := service.CreateTask(c, in)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, domain.RouterResponseAddTask{
			TaskID:   task.ID,
			Status:   task.Status,
			TaskType: task.TaskType,
		})
	})

	tasks.GET("", func(c *gin.Context) {
		filter := domain.TaskFilter{
			SessionID: c.Query("sessionId"),
			Search:    c.Query("search"),
		}
		if status := c.Query("status"); status != "" {
			parsed, ok := domain.ParseTaskStatus(status)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
				return
			}
			filter.Status = parsed
		}
		var ok bool
		if filter.Limit, ok = queryInt(c, "limit"); !ok {
			return
		}
		if filter.Offset, ok = queryInt(c, "offset"); !ok {
			return
		}

		filter = relay.NormalizeTaskFilter(filter)
		items, total, err := service.ListTasks(c, filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": items, "total": total, "limit": filter.Limit, "offset": filter.Offset})
	})

	tasks.GET("/pending", func(c *gin.Context) {
		limit, ok := queryInt(c, "limit")
		if !ok {
			return
		}

		items, err := service.ListPendingTasks(c, limit)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"tasks": items, "count": len(items)})
	})

	tasks.GET("/next", func(c *gin.Context) {
		preferReadOnly := false
		if v := c.Query("preferReadOnly"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid preferReadOnly"})
				return
			}
			preferReadOnly = parsed
		}

		result, err := service.ClaimNext(c, c.Query("consumerId"), preferReadOnly)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	tasks.GET("/stats", func(c *gin.Context) {
		stats, err := service.Stats(c)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, stats)
	})

	tasks.POST("/cleanup", func(c *gin.Context) {
		deleted, err := service.Cleanup(c)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	tasks.POST("/reset-processing", func(c *gin.Context) {
		req := domain.RouterRequestResetProcessing{}
		if !bindOptionalJSON(c, &req) {
			return
		}

		result, err := service.ResetProcessing(c, relay.ResetMode(req.Mode))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	tasks.GET("/:id", func(c *gin.Context) {
		task, err := service.GetTask(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	tasks.GET("/:id/history", func(c *gin.Context) {
		taskHistory, err := service.GetTaskStatusHistory(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": taskHistory})
	})

	tasks.POST("/:id/complete", func(c *gin.Context) {
		req := domain.RouterRequestComplete{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.Error != nil {
			task, outcome, err := service.Fail(c, c.Param("id"), req.ConsumerID, *req.Error)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"task": task, "outcome": outcome})
			return
		}

		response := ""
		if req.Response != nil {
			response = *req.Response
		}
		task, err := service.Complete(c, c.Param("id"), req.ConsumerID, response)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task": task})
	})

	tasks.POST("/:id/release", func(c *gin.Context) {
		req := domain.RouterRequestRelease{}
		if !bindOptionalJSON(c, &req) {
			return
		}

		task, err := service.Release(c, c.Param("id"), req.ConsumerID)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	tasks.POST("/:id/cross", func(c *gin.Context) {
		req := domain.RouterRequestCross{}
		if !bindOptionalJSON(c, &req) {
			return
		}

		task, err := service.SetCrossed(c, c.Param("id"), req.Crossed)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	tasks.PUT("/:id/notes", func(c *gin.Context) {
		req := domain.RouterRequestNotes{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		task, err := service.SetNotes(c, c.Param("id"), req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	tasks.DELETE("/:id", func(c *gin.Context) {
		force := false
		if v := c.Query("force"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid force"})
				return
			}
			force = parsed
		}

		if err := service.DeleteTask(c, c.Param("id"), force); err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	api.GET("/lock", func(c *gin.Context) {
		status, err := service.LockStatus(c)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, status)
	})

	api.DELETE("/lock", func(c *gin.Context) {
		req := domain.RouterRequestLockRelease{}
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !bindOptionalJSON(c, &req) {
			return
		}

		if req.Force {
			previous, err := service.ForceReleaseLock(c)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"released": previous.Held, "previous": previous})
			return
		}

		status, err := service.ReleaseLock(c, req.ConsumerID)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"released": true, "lock": status})
	})

	consumers := api.Group("/consumers")

	consumers.GET("", func(c *gin.Context) {
		items, err := service.ListConsumers(c)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"consumers": items})
	})

	consumers.POST("/heartbeat", func(c *gin.Context) {
		req := domain.RouterRequestHeartbeat{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		consumer, err := service.Heartbeat(c, req.ConsumerID, req.TaskID, req.Name)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, consumer)
	})

	consumers.POST("/register", func(c *gin.Context) {
		req := domain.RouterRequestRegister{}
		if !bindOptionalJSON(c, &req) {
			return
		}

		consumer, err := service.Register(c, req.ConsumerID, req.Name)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, consumer)
	})

	consumers.POST("/unregister", func(c *gin.Context) {
		req := domain.RouterRequestUnregister{}
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		released, err := service.Unregister(c, req.ConsumerID)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"releasedTaskIds": released})
	})

	deadLetters := api.Group("/dead-letters")

	deadLetters.GET("", func(c *gin.Context) {
		limit, ok := queryInt(c, "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(c, "offset")
		if !ok {
			return
		}

		items, total, err := service.ListDeadLetters(c, limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"deadLetters": items, "total": total})
	})

	deadLetters.POST("/:id/retry", func(c *gin.Context) {
		task, err := service.RetryDeadLetter(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	api.GET("/ws", hub.ServeWS)
	api.GET("/events", hub.ServeSSE)

	api.GET("/health", func(c *gin.Context) {
		if err := service.Ping(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if storageIsReady && (rabbitClient == nil || rabbitIsReady) {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := service.Ping(c)
		if err != nil {
			slog.Error("Storage seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if rabbitClient != nil && !rabbitClient.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if redisClient != nil {
			if err := redisClient.Ping(c); err != nil {
				slog.Error("Redis seems not to be pingable in liveness API", "error", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r
}

// writeError maps the errval taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errval.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errval.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errval.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errval.ErrLockHeld):
		status = http.StatusLocked
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": errval.ErrInternal.Error()})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindOptionalJSON binds the body when there is one. An empty body leaves req untouched.
func bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindBodyWith(req, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key})
		return 0, false
	}
	return n, true
}

var validateTaskType validator.Func = func(fl validator.FieldLevel) bool {
	_, ok := domain.ParseTaskType(fl.Field().String())
	return ok
}

var validatePriority validator.Func = func(fl validator.FieldLevel) bool {
	_, ok := domain.ParsePriority(fl.Field().String())
	return ok
}
