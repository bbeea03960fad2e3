// Package api exposes loaded quantized conv modules over HTTP: upload a
// serialized module, run forwards against it, inspect or export its state,
// and remove it.
package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/pkg/qcf"
	"github.com/samcharles93/qconv/pkg/qconv"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// maxUploadBytes bounds module uploads; a conv checkpoint is small.
const maxUploadBytes = 256 << 20

type Server struct {
	store *ModuleStore
	be    backend.Backend
	log   logger.Logger
	clock func() time.Time
}

func NewServer(store *ModuleStore, be backend.Backend, log logger.Logger) *Server {
	if store == nil {
		store = NewModuleStore()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store: store,
		be:    be,
		log:   log,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/modules", s.handleCreateModule)
	e.GET("/v1/modules", s.handleListModules)
	e.GET("/v1/modules/:id", s.handleGetModule)
	e.DELETE("/v1/modules/:id", s.handleDeleteModule)
	e.GET("/v1/modules/:id/state", s.handleModuleState)
	e.POST("/v1/modules/:id/forward", s.handleForward)
	e.GET("/healthz", s.handleHealth)
}

// handleCreateModule accepts either a JSON module state or a raw QCF
// container, keyed on Content-Type.
func (s *Server) handleCreateModule(c *echo.Context) error {
	var st qconv.State
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
		decoded, err := decodeJSON[qconv.State](c.Request().Body)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		st = decoded
	} else {
		raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		if len(raw) > maxUploadBytes {
			return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "module upload too large", "", "")
		}
		decoded, err := qcf.ReadModuleFrom(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		st = decoded
	}

	m, err := qconv.NewFromState(st, s.be)
	if err != nil {
		return writeModuleError(c, err)
	}

	rec := s.store.Create(m, s.clock())
	s.log.Info("module loaded",
		"id", rec.ID,
		"in_channels", st.InChannels,
		"out_channels", st.OutChannels,
		"backend", s.be.Name(),
	)
	return c.JSON(http.StatusOK, s.moduleResponse(rec))
}

func (s *Server) handleListModules(c *echo.Context) error {
	recs := s.store.List()
	out := ModuleList{Object: "list", Data: make([]ModuleResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Data = append(out.Data, s.moduleResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetModule(c *echo.Context) error {
	rec, ok := s.lookup(c)
	if !ok {
		return writeNotFound(c, "module not found")
	}
	return c.JSON(http.StatusOK, s.moduleResponse(rec))
}

func (s *Server) handleDeleteModule(c *echo.Context) error {
	rec, ok := s.lookup(c)
	if !ok {
		return writeNotFound(c, "module not found")
	}
	if !s.store.Delete(rec.ID) {
		return writeNotFound(c, "module not found")
	}
	s.log.Info("module deleted", "id", rec.ID)
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      rec.ID,
		Object:  "module",
		Deleted: true,
	})
}

func (s *Server) handleModuleState(c *echo.Context) error {
	rec, ok := s.lookup(c)
	if !ok {
		return writeNotFound(c, "module not found")
	}
	st, err := rec.Module.State()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleForward(c *echo.Context) error {
	rec, ok := s.lookup(c)
	if !ok {
		return writeNotFound(c, "module not found")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	input, err := payloadToTensor(req.Input)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	out, err := rec.Module.Forward(input)
	if err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, ForwardResponse{
		ID:     rec.ID,
		Object: "module.forward",
		Output: tensorToPayload(out),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.be.Name(),
	})
}

func (s *Server) lookup(c *echo.Context) (*moduleRecord, bool) {
	id := c.Param("id")
	if id == "" {
		return nil, false
	}
	return s.store.Get(id)
}

func (s *Server) moduleResponse(rec *moduleRecord) ModuleResponse {
	out := rec.Module.OutputQParams()
	return ModuleResponse{
		ID:        rec.ID,
		Object:    "module",
		CreatedAt: rec.CreatedAt.Unix(),
		Backend:   s.be.Name(),
		Config:    rec.Module.Config(),
		Scale:     out.Scale,
		ZeroPoint: out.ZeroPoint,
	}
}

func payloadToTensor(p TensorPayload) (qtensor.Tensor, error) {
	dt, ok := qtensor.ParseDType(p.DType)
	if !ok {
		return qtensor.Tensor{}, errors.New("unknown dtype " + p.DType)
	}
	params, err := qtensor.NewQuantParams(p.Scale, p.ZeroPoint, dt)
	if err != nil {
		return qtensor.Tensor{}, err
	}
	return qtensor.New(p.Shape, dt, params, p.Data)
}

func tensorToPayload(t qtensor.Tensor) TensorPayload {
	return TensorPayload{
		Shape:     t.Shape,
		DType:     t.DType.String(),
		Scale:     t.Params.Scale,
		ZeroPoint: t.Params.ZeroPoint,
		Data:      t.Data,
	}
}

// writeModuleError maps the module error taxonomy onto HTTP statuses.
func writeModuleError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, qconv.ErrShape),
		errors.Is(err, qconv.ErrConfig),
		errors.Is(err, qconv.ErrState),
		errors.Is(err, qconv.ErrUnsupportedDType),
		errors.Is(err, qconv.ErrTypeMismatch):
		return writeBadRequest(c, err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
