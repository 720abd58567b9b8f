// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/skylign/skylign/internal/job"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressInterval is the websocket push cadence while a job runs
const progressInterval = 500 * time.Millisecond

// postJob decodes {"type": ..., ...} into the matching job type and
// starts it. Parameter validation happens inside the job run, so a
// successful submit only means the job was accepted
func (s *Server) postJob(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	j, err := job.New(head.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := json.Unmarshal(body, j); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// jobs outlive the submitting request
	id := s.runner.Submit(context.Background(), j)
	st, err := s.runner.Status(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) getJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.List())
}

func (s *Server) getJob(c *gin.Context) {
	st, err := s.runner.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// getJobResult returns the full job object once it has finished, for
// result fields beyond the produced file IDs, such as extracted sources
func (s *Server) getJobResult(c *gin.Context) {
	id := c.Param("id")
	st, err := s.runner.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if st.State != job.StateCompleted && st.State != job.StateCanceled {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Job %s is still %s", id, st.State)})
		return
	}
	j, err := s.runner.Job(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     st.ID,
		"state":  st.State,
		"result": st.Result,
		"errors": st.Errors,
		"error":  st.Error,
		"job":    j,
	})
}

func (s *Server) postJobCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.runner.Cancel(id); err != nil {
		status := http.StatusConflict
		if strings.HasPrefix(err.Error(), "Unknown job") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	// cancellation is cooperative, the job stops at its next boundary
	st, err := s.runner.Status(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, st)
}

// getJobProgress upgrades to a websocket and pushes status snapshots
// until the job reaches a terminal state. The final snapshot is always
// sent before the connection closes
func (s *Server) getJobProgress(c *gin.Context) {
	id := c.Param("id")
	done, err := s.runner.Done(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		st, err := s.runner.Status(id)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(st); err != nil {
			return
		}
		if st.State == job.StateCompleted || st.State == job.StateCanceled {
			return
		}
		select {
		case <-done:
			// loop once more to push the terminal snapshot
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}
