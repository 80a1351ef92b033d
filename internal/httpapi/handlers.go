package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
)

type changeQueriesRequest struct {
	ClientID string             `json:"clientID" binding:"required"`
	Put      map[string]ast.AST `json:"put"`
	Del      []string           `json:"del"`
}

type patchesResponse struct {
	Cookie  *cvr.Version         `json:"cookie,omitempty"`
	Patches []cvr.PatchToVersion `json:"patches"`
}

type applyRequest struct {
	Version cvr.LexiVersion      `json:"version"`
	Changes []upstream.RowChange `json:"changes" binding:"required"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrUnknownClientGroup):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrReservedQueryID),
		errors.Is(err, errors.ErrInvalidVersion),
		errors.Is(err, errors.ErrUnsupportedQuery):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrStorageClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", c.GetString(requestIDKey), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) changeQueries(c *gin.Context) {
	var req changeQueriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for id, q := range req.Put {
		if want := cvr.QueryID(q); id != want {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query id " + id + " does not match its ast hash " + want})
			return
		}
	}

	vs, err := s.svc.ViewSyncer(c.Param("group"))
	if err != nil {
		s.fail(c, err)
		return
	}
	patches, err := vs.ChangeDesiredQueries(c.Request.Context(), req.ClientID, req.Put, req.Del)
	if err != nil {
		s.fail(c, err)
		return
	}
	if patches == nil {
		patches = []cvr.PatchToVersion{}
	}
	c.JSON(http.StatusOK, patchesResponse{Patches: patches})
}

func (s *Server) catchup(c *gin.Context) {
	clientID := c.Query("clientID")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientID is required"})
		return
	}
	var from *cvr.Version
	if raw := c.Query("cookie"); raw != "" {
		v, err := cvr.VersionFromString(raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		from = &v
	}

	vs, err := s.svc.ViewSyncer(c.Param("group"))
	if err != nil {
		s.fail(c, err)
		return
	}
	patches, cookie, err := vs.Catchup(c.Request.Context(), clientID, from)
	if err != nil {
		s.fail(c, err)
		return
	}
	if patches == nil {
		patches = []cvr.PatchToVersion{}
	}
	c.JSON(http.StatusOK, patchesResponse{Cookie: &cookie, Patches: patches})
}

func (s *Server) inspect(c *gin.Context) {
	vs, err := s.svc.ViewSyncer(c.Param("group"))
	if err != nil {
		s.fail(c, err)
		return
	}
	snapshot, err := vs.CVR(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) applyReplica(c *gin.Context) {
	if s.replica == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replica writes need the memory upstream"})
		return
	}
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.replica.Apply(req.Version, req.Changes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v})
}
