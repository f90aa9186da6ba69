package draft

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitdoc/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/drafts")
	g.GET("/:formType/:entityId", h.Get)
	g.PUT("/:formType/:entityId", h.Save)
	g.DELETE("/:formType/:entityId", h.Discard)
}

type saveRequest struct {
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"`
}

func (h *Handler) Save(c echo.Context) error {
	key, err := keyFrom(c)
	if err != nil {
		return err
	}
	var req saveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.svc.Save(c.Request().Context(), key, req.Data, req.Version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Get(c echo.Context) error {
	key, err := keyFrom(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.Latest(c.Request().Context(), key)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Discard(c echo.Context) error {
	key, err := keyFrom(c)
	if err != nil {
		return err
	}
	if err := h.svc.Discard(c.Request().Context(), key); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// keyFrom scopes the draft to the authenticated user.
func keyFrom(c echo.Context) (Key, error) {
	userID, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return Key{}, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user id must be a UUID")
	}
	entityID, err := uuid.Parse(c.Param("entityId"))
	if err != nil {
		return Key{}, echo.NewHTTPError(http.StatusBadRequest, "invalid entity id")
	}
	return Key{FormType: c.Param("formType"), EntityID: entityID, UserID: userID}, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
