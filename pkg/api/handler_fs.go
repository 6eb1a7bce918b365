package api

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// maxUploadBytes bounds PUT /fs bodies.
const maxUploadBytes = 64 << 20

func fsPath(c *echo.Context) string {
	return "/" + c.Param("*")
}

func fsError(err error) *echo.HTTPError {
	if os.IsNotExist(err) {
		return echo.NewHTTPError(http.StatusNotFound, "no such file or directory")
	}
	return mapKernelError(err)
}

// fsGetHandler handles GET /fs/*. Directories return a JSON listing; files
// return raw bytes, honouring a single `bytes=start-end` Range header.
func (s *Server) fsGetHandler(c *echo.Context) error {
	path := fsPath(c)

	info, err := s.fs.Stat(path)
	if err != nil {
		return fsError(err)
	}
	if info.IsDir {
		entries, err := s.fs.List(path)
		if err != nil {
			return fsError(err)
		}
		return respond(c, http.StatusOK, entries)
	}

	if rng := c.Request().Header.Get("Range"); rng != "" {
		start, end, ok := parseRange(rng, info.Size)
		if !ok {
			return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, "invalid range")
		}
		stream, err := s.fs.CreateReadStream(path, start, end)
		if err != nil {
			return fsError(err)
		}
		defer stream.Close()
		c.Response().Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(info.Size, 10))
		return c.Stream(http.StatusPartialContent, "application/octet-stream", stream)
	}

	data, err := s.fs.ReadFileRaw(path)
	if err != nil {
		return fsError(err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// parseRange parses a single-range `bytes=start-end` header. An omitted end
// means "to EOF".
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found || first == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if last == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// fsPutHandler handles PUT /fs/*. `?dir=true` creates a directory instead
// of writing a file.
func (s *Server) fsPutHandler(c *echo.Context) error {
	path := fsPath(c)

	if c.QueryParam("dir") == "true" {
		if err := s.fs.Mkdir(path, true); err != nil {
			return fsError(err)
		}
		return respond(c, http.StatusCreated, map[string]any{"path": path, "dir": true})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds upload limit")
	}
	if err := s.fs.WriteFile(path, body); err != nil {
		return fsError(err)
	}
	return respond(c, http.StatusCreated, map[string]any{"path": path, "size": len(body)})
}

// fsDeleteHandler handles DELETE /fs/*. `?recursive=true` removes
// non-empty directories.
func (s *Server) fsDeleteHandler(c *echo.Context) error {
	path := fsPath(c)
	if err := s.fs.Remove(path, c.QueryParam("recursive") == "true"); err != nil {
		return fsError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
