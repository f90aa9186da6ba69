package visit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitdoc/internal/platform/auth"
	"github.com/ehr/visitdoc/internal/platform/versioning"
	"github.com/ehr/visitdoc/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(RoleClinician, RoleAdmin))
	g.POST("/visits", h.CreateVisit)
	g.GET("/visits", h.ListVisits)
	g.GET("/visits/:id", h.GetVisit)
	g.GET("/visits/:id/history", h.GetVisitHistory)
	g.POST("/visits/:id/ready", h.MarkReady)
	g.POST("/visits/:id/signatures/provider", h.SignProvider)
	g.POST("/visits/:id/signatures/patient", h.SignPatient)
	g.POST("/visits/:id/submit", h.Submit)
	g.POST("/visits/:id/corrections", h.RequestCorrection)
	g.POST("/visits/:id/corrected", h.MarkCorrected)
	g.POST("/visits/:id/void", h.VoidVisit)
	g.POST("/visits/:id/addenda", h.AddAddendum)
	g.GET("/signature-attestations/:role", h.GetAttestation)
}

// createRequest takes visit_date as either a calendar date or an RFC 3339
// timestamp.
type createRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	ClinicianID uuid.UUID `json:"clinician_id"`
	FacilityID  uuid.UUID `json:"facility_id"`
	VisitDate   string    `json:"visit_date"`
}

func parseVisitDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

type versionRequest struct {
	Version int `json:"version"`
}

type signatureRequest struct {
	Version int `json:"version"`
	SignatureInput
}

type correctionRequest struct {
	Version int    `json:"version"`
	Note    string `json:"note"`
}

type voidRequest struct {
	Version int    `json:"version"`
	Reason  string `json:"reason"`
}

type addendumRequest struct {
	Note string `json:"note"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := parseVisitDate(req.VisitDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_date must be YYYY-MM-DD or an RFC 3339 timestamp")
	}
	in := CreateInput{PatientID: req.PatientID, ClinicianID: req.ClinicianID, FacilityID: req.FacilityID, VisitDate: date}
	v, err := h.svc.CreateVisit(c.Request().Context(), in, actor)
	if err != nil {
		return httpError(err)
	}
	versioning.SetVersionHeaders(c, v, v.UpdatedAt)
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if versioning.CheckIfNoneMatch(c, v.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	versioning.SetVersionHeaders(c, v, v.UpdatedAt)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetVisitHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetVisitWithHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	versioning.SetVersionHeaders(c, snap.Visit, snap.Visit.UpdatedAt)
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{Status: Status(c.QueryParam("status"))}
	for param, dst := range map[string]*uuid.UUID{
		"clinician_id": &f.ClinicianID,
		"patient_id":   &f.PatientID,
		"facility_id":  &f.FacilityID,
	} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
		}
		*dst = id
	}

	visits, total, err := h.svc.ListVisits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	pagination.SetLinkHeader(c, pg, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(visits, total, pg.Limit, pg.Offset))
}

func (h *Handler) MarkReady(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.MarkReady(c.Request().Context(), id, ev, actor))
}

func (h *Handler) SignProvider(c echo.Context) error {
	return h.sign(c, SignerProvider)
}

func (h *Handler) SignPatient(c echo.Context) error {
	return h.sign(c, SignerPatient)
}

func (h *Handler) sign(c echo.Context, role SignerRole) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req signatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.SubmitSignature(c.Request().Context(), id, role, req.SignatureInput, ev, actor))
}

func (h *Handler) Submit(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.Submit(c.Request().Context(), id, ev, actor))
}

func (h *Handler) RequestCorrection(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.RequestCorrection(c.Request().Context(), id, ev, req.Note, actor))
}

func (h *Handler) MarkCorrected(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.MarkCorrected(c.Request().Context(), id, ev, actor))
}

func (h *Handler) VoidVisit(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req voidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	return h.respond(c)(h.svc.VoidVisit(c.Request().Context(), id, ev, req.Reason, actor))
}

func (h *Handler) AddAddendum(c echo.Context) error {
	id, actor, err := commandTarget(c)
	if err != nil {
		return err
	}
	var req addendumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.AddAddendum(c.Request().Context(), id, req.Note, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

// GetAttestation returns the text a signer of the given role is shown.
func (h *Handler) GetAttestation(c echo.Context) error {
	role := SignerRole(c.Param("role"))
	text := h.svc.Policy().Attestation(role)
	if text == "" {
		return echo.NewHTTPError(http.StatusNotFound, "unknown signer role")
	}
	return c.JSON(http.StatusOK, map[string]string{"signer_role": string(role), "certification_text": text})
}

func (h *Handler) respond(c echo.Context) func(*Visit, error) error {
	return func(v *Visit, err error) error {
		if err != nil {
			return httpError(err)
		}
		versioning.SetVersionHeaders(c, v, v.UpdatedAt)
		return c.JSON(http.StatusOK, v)
	}
}

func commandTarget(c echo.Context) (uuid.UUID, Actor, error) {
	id, err := parseID(c)
	if err != nil {
		return uuid.Nil, Actor{}, err
	}
	actor, err := actorFrom(c)
	return id, actor, err
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// bindOptional binds a JSON body when one was sent. Transitions without a
// payload may carry the version in If-Match alone.
func bindOptional(c echo.Context, dst any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// actorFrom builds the acting user from the authenticated request context.
func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user id must be a UUID")
	}
	role := ""
	switch {
	case auth.HasRole(ctx, RoleAdmin):
		role = RoleAdmin
	case auth.HasRole(ctx, RoleClinician):
		role = RoleClinician
	}
	return Actor{ID: id, Role: role, Credential: auth.CredentialFromContext(ctx)}, nil
}

// httpError maps lifecycle error kinds onto HTTP status codes.
func httpError(err error) error {
	var ve *Error
	if !errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	status := http.StatusInternalServerError
	switch KindOf(err) {
	case ErrValidation:
		status = http.StatusBadRequest
	case ErrUnauthorized:
		status = http.StatusForbidden
	case ErrNotFound:
		status = http.StatusNotFound
	case ErrConflict:
		status = http.StatusConflict
	case ErrInvalidTransition:
		status = http.StatusUnprocessableEntity
	}
	return echo.NewHTTPError(status, ve.Message)
}
