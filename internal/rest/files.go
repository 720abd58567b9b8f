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
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) getFiles(c *gin.Context) {
	files, err := s.store.List(c.Query("user"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, files)
}

// postFile imports an uploaded FITS or TIFF file as a new data file.
// Multipart fields: file (required), user and session (optional)
func (s *Server) postFile(c *gin.Context) {
	upload, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dir, err := os.MkdirTemp("", "skylign-import-")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer os.RemoveAll(dir)

	// the upload keeps its original name so the data file does too
	tmp := filepath.Join(dir, filepath.Base(upload.Filename))
	if err := c.SaveUploadedFile(upload, tmp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	st := s.store.WithSession(c.PostForm("user"), c.PostForm("session"))
	id, err := st.Import(tmp)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	df, err := s.store.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, df)
}

func (s *Server) getFile(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	df, err := s.store.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, df)
}

// getFilePreview renders a data file for display. Query parameters:
// format (jpeg, png or tiff), colormap (empty for grayscale), gamma,
// quality, and either explicit min and max display bounds or low and
// high auto stretch percentiles
func (s *Server) getFilePreview(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := s.store.ReadImage(id)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "Unknown data file") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	format := c.DefaultQuery("format", "jpeg")
	colormap := c.Query("colormap")
	gamma := queryFloat(c, "gamma", 1)
	quality := queryInt(c, "quality", 90)

	min, haveMin := queryFloatOK(c, "min")
	max, haveMax := queryFloatOK(c, "max")
	if !haveMin || !haveMax {
		min, max = img.AutoStretchBounds(queryFloat(c, "low", 1), queryFloat(c, "high", 99))
	}

	// render into memory first so encoder errors still yield a clean
	// JSON error instead of a truncated image body
	buf := bytes.Buffer{}
	if err := img.ExportPreview(&buf, format, colormap, min, max, gamma, quality); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, previewContentType(format), buf.Bytes())
}

func previewContentType(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "tif", "tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

func queryFloat(c *gin.Context, name string, def float32) float32 {
	if v, ok := queryFloatOK(c, name); ok {
		return v
	}
	return def
}

func queryFloatOK(c *gin.Context, name string) (float32, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, false
	}
	return float32(f), true
}

func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
