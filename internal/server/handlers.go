package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"otto/internal/activity"
	"otto/internal/task"
)

func (s *Server) handleListTasks(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	tasks, err := s.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancelTask is idempotent: cancelling a finished or already-cancelled
// task reports cancelled=false with 200, not an error.
func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := s.store.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "cancelled": cancelled})
}

func (s *Server) handleCancelAll(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	count, err := s.store.CancelAll(c.Request.Context(), userID, task.CancellableStatuses())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "cancelled": count})
}

func (s *Server) handleTaskActivity(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logs, err := s.store.Logs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries := activity.Collapse(logs)
	c.JSON(http.StatusOK, gin.H{"task_id": id, "entries": entries})
}

// handleActivityFeed renders one user's combined activity stream: all their
// tasks' logs in chronological order, collapsed, with session dividers
// between tasks.
func (s *Server) handleActivityFeed(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	tasks, err := s.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var logs []task.LogEntry
	for _, t := range tasks {
		entries, err := s.store.Logs(c.Request.Context(), t.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		logs = append(logs, entries...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})

	rows := activity.WithDividers(activity.Collapse(logs))
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "rows": rows})
}
