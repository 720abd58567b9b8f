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

// Package rest exposes the data file store and the job runner over
// HTTP: job submission, polling and cancellation, a live progress
// websocket, data file listing, import and preview, and Prometheus
// metrics, all under /api/v1
package rest

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skylign/skylign/internal/job"
	"github.com/skylign/skylign/internal/store"
	"github.com/skylign/skylign/web"
)

// Server wires the HTTP API to a data file store and a job runner
type Server struct {
	store  *store.DataStore
	runner *job.Runner
	log    io.Writer
}

// NewServer returns a server over the given store and runner. log
// receives request independent messages and may be nil
func NewServer(st *store.DataStore, runner *job.Runner, logWriter io.Writer) *Server {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &Server{store: st, runner: runner, log: logWriter}
}

// Router builds the gin engine with all routes attached
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.GET("/", getIndex)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/jobs", s.postJob)
			v1.GET("/jobs", s.getJobs)
			v1.GET("/jobs/:id", s.getJob)
			v1.GET("/jobs/:id/result", s.getJobResult)
			v1.POST("/jobs/:id/cancel", s.postJobCancel)
			v1.GET("/jobs/:id/progress", s.getJobProgress)
			v1.GET("/files", s.getFiles)
			v1.POST("/files", s.postFile)
			v1.GET("/files/:id", s.getFile)
			v1.GET("/files/:id/preview", s.getFilePreview)
		}
	}
	return r
}

// Serve listens on the given address and blocks
func (s *Server) Serve(addr string) error {
	return s.Router().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}
