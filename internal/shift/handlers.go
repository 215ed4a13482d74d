package shift

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-booking/internal/common"
	"github.com/noah-isme/backend-booking/internal/lock"
	"github.com/noah-isme/backend-booking/internal/settlement"
)

// Handler exposes the shift and settlement REST endpoints.
type Handler struct {
	Service         *Service
	Currency        string
	DefaultPageSize int
	MaxPageSize     int
	// CloseGuard wraps the close endpoint, typically with idempotency.
	CloseGuard func(http.Handler) http.Handler
	// MutationGuard wraps endpoints that change a shift, typically with a rate limit.
	MutationGuard func(http.Handler) http.Handler
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	mutate := chi.Chain(passthrough(h.MutationGuard))
	closeChain := chi.Chain(passthrough(h.MutationGuard), passthrough(h.CloseGuard))

	r.Post("/staff", h.CreateStaff)
	r.Route("/staff/{staffID}", func(s chi.Router) {
		s.Get("/", h.GetStaff)
		s.Put("/compensation", h.UpdateCompensation)
		s.With(mutate...).Post("/shifts", h.Open)
		s.Get("/shifts", h.List)
	})
	r.Route("/shifts/{shiftID}", func(s chi.Router) {
		s.Get("/", h.Get)
		s.With(mutate...).Post("/items", h.AddLineItem)
		s.With(mutate...).Post("/adjustments", h.AddAdjustment)
		s.Get("/settlement/preview", h.Preview)
		s.With(closeChain...).Post("/close", h.Close)
		s.Get("/slip.pdf", h.Slip)
	})
	r.Post("/settlements/calculate", h.Calculate)
}

func passthrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

type staffRequest struct {
	BusinessID    string   `json:"businessId" validate:"required,uuid"`
	Name          string   `json:"name" validate:"required,max=200"`
	PercentMaster *float64 `json:"percentMaster" validate:"omitnil,gte=0,lte=1000000"`
	PercentSalon  *float64 `json:"percentSalon" validate:"omitnil,gte=0,lte=1000000"`
	HourlyRate    *float64 `json:"hourlyRate" validate:"omitnil,gt=0,lte=1000000000000"`
}

type compensationRequest struct {
	PercentMaster *float64 `json:"percentMaster" validate:"required,gte=0,lte=1000000"`
	PercentSalon  *float64 `json:"percentSalon" validate:"required,gte=0,lte=1000000"`
	HourlyRate    *float64 `json:"hourlyRate" validate:"omitnil,gt=0,lte=1000000000000"`
}

type lineItemRequest struct {
	ClientName        string   `json:"clientName" validate:"max=200"`
	ServiceAmount     *float64 `json:"serviceAmount" validate:"omitnil,gte=0,lte=1000000000000000"`
	ConsumablesAmount *float64 `json:"consumablesAmount" validate:"omitnil,gte=0,lte=1000000000000000"`
}

type adjustmentRequest struct {
	Reason           string   `json:"reason" validate:"required,max=500"`
	ServiceDelta     *float64 `json:"serviceDelta" validate:"omitnil,gte=-1000000000000000,lte=1000000000000000"`
	ConsumablesDelta *float64 `json:"consumablesDelta" validate:"omitnil,gte=-1000000000000000,lte=1000000000000000"`
}

func (r lineItemRequest) crossCheck() map[string]string {
	if r.ServiceAmount == nil && r.ConsumablesAmount == nil {
		return map[string]string{"serviceAmount": "required_without_consumablesAmount"}
	}
	return nil
}

func (r adjustmentRequest) crossCheck() map[string]string {
	if r.ServiceDelta == nil && r.ConsumablesDelta == nil {
		return map[string]string{"serviceDelta": "required_without_consumablesDelta"}
	}
	return nil
}

type crossChecker interface {
	crossCheck() map[string]string
}

type calculateRequest struct {
	TotalAmount      *float64                `json:"totalAmount" validate:"omitnil,gte=0,lte=1000000000000000"`
	TotalConsumables *float64                `json:"totalConsumables" validate:"omitnil,gte=0,lte=1000000000000000"`
	Items            []settlement.LineItem   `json:"items" validate:"max=10000"`
	Adjustments      []settlement.Adjustment `json:"adjustments" validate:"max=10000"`
	PercentMaster    *float64                `json:"percentMaster" validate:"omitnil,gte=0,lte=1000000"`
	PercentSalon     *float64                `json:"percentSalon" validate:"omitnil,gte=0,lte=1000000"`
	HoursWorked      *float64                `json:"hoursWorked" validate:"omitnil,gt=0,lte=8784"`
	HourlyRate       *float64                `json:"hourlyRate" validate:"omitnil,gt=0,lte=1000000000000"`
}

// crossCheck bounds the magnitude of raw items and adjustments. Negative item
// amounts are left to the aggregation, which ignores them.
func (r calculateRequest) crossCheck() map[string]string {
	for _, it := range r.Items {
		if outOfRange(it.ServiceAmount) || outOfRange(it.ConsumablesAmount) {
			return map[string]string{"items": "lte"}
		}
	}
	for _, adj := range r.Adjustments {
		if outOfRange(adj.ServiceDelta) || outOfRange(adj.ConsumablesDelta) {
			return map[string]string{"adjustments": "lte"}
		}
	}
	return nil
}

// maxAmount caps any single money value accepted over HTTP.
const maxAmount = 1e15

func outOfRange(v *float64) bool {
	return v != nil && math.Abs(*v) > maxAmount
}

type staffView struct {
	Staff
	EffectiveSplit settlement.Split `json:"effectiveSplit"`
}

func viewStaff(s Staff) staffView {
	return staffView{Staff: s, EffectiveSplit: s.EffectiveSplit()}
}

// CreateStaff handles POST /staff.
func (h *Handler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	var req staffRequest
	if !decode(w, r, &req) {
		return
	}
	in := NewStaff{
		BusinessID: uuid.MustParse(req.BusinessID),
		Name:       req.Name,
		Compensation: Compensation{
			HourlyRate: req.HourlyRate,
		},
	}
	in.PercentMaster, in.PercentSalon = completeSplit(req.PercentMaster, req.PercentSalon)
	staff, err := h.Service.CreateStaff(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, viewStaff(staff))
}

// GetStaff handles GET /staff/{staffID}.
func (h *Handler) GetStaff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	staff, err := h.Service.GetStaff(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, viewStaff(staff))
}

// UpdateCompensation handles PUT /staff/{staffID}/compensation.
func (h *Handler) UpdateCompensation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	var req compensationRequest
	if !decode(w, r, &req) {
		return
	}
	staff, err := h.Service.UpdateCompensation(r.Context(), id, Compensation{
		PercentMaster: *req.PercentMaster,
		PercentSalon:  *req.PercentSalon,
		HourlyRate:    req.HourlyRate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, viewStaff(staff))
}

// Open handles POST /staff/{staffID}/shifts.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	sh, err := h.Service.Open(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, sh)
}

// List handles GET /staff/{staffID}/shifts.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "staffID")
	if !ok {
		return
	}
	page, perPage := common.ParsePagination(r, h.defaultPageSize(), h.MaxPageSize)
	shifts, total, err := h.Service.List(r.Context(), id, page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	common.DataWithMeta(w, http.StatusOK, shifts, common.NewPagination(page, perPage, total))
}

// Get handles GET /shifts/{shiftID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	d, err := h.Service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, d)
}

// AddLineItem handles POST /shifts/{shiftID}/items.
func (h *Handler) AddLineItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	var req lineItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Service.AddLineItem(r.Context(), id, NewLineItem(req))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, item)
}

// AddAdjustment handles POST /shifts/{shiftID}/adjustments.
func (h *Handler) AddAdjustment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	var req adjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	adj, err := h.Service.AddAdjustment(r.Context(), id, NewAdjustment(req))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, adj)
}

// Preview handles GET /shifts/{shiftID}/settlement/preview.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	stl, err := h.Service.Preview(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, stl)
}

// Close handles POST /shifts/{shiftID}/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	d, err := h.Service.Close(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, d)
}

// Slip handles GET /shifts/{shiftID}/slip.pdf.
func (h *Handler) Slip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shiftID")
	if !ok {
		return
	}
	d, err := h.Service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := RenderSlip(&buf, d, h.Currency); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+id.String()+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Calculate handles POST /settlements/calculate. Totals come from items when
// items are supplied and from the explicit totals otherwise.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if !decode(w, r, &req) {
		return
	}
	totals := settlement.Totals{Amount: valueOr(req.TotalAmount, 0), Consumables: valueOr(req.TotalConsumables, 0)}
	if req.Items != nil {
		totals = settlement.Aggregate(req.Items)
	}
	totals = settlement.ApplyAdjustments(totals.Amount, totals.Consumables, req.Adjustments)
	master, salon := completeSplit(req.PercentMaster, req.PercentSalon)
	res := settlement.Calculate(settlement.Input{
		TotalAmount:      totals.Amount,
		TotalConsumables: totals.Consumables,
		PercentMaster:    master,
		PercentSalon:     salon,
		HoursWorked:      req.HoursWorked,
		HourlyRate:       req.HourlyRate,
	})
	common.Data(w, http.StatusOK, map[string]any{"totals": totals, "result": res})
}

// completeSplit fills in a missing percentage as the remainder to 100. With
// neither given the default split applies.
func completeSplit(master, salon *float64) (float64, float64) {
	switch {
	case master != nil && salon != nil:
		return *master, *salon
	case master != nil:
		return *master, math.Max(0, 100-*master)
	case salon != nil:
		return math.Max(0, 100-*salon), *salon
	default:
		return settlement.DefaultPercentMaster, settlement.DefaultPercentSalon
	}
}

func (h *Handler) defaultPageSize() int {
	if h.DefaultPageSize <= 0 {
		return 20
	}
	return h.DefaultPageSize
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", nil)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid request", details)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid request", nil)
		return false
	}
	if cc, ok := dst.(crossChecker); ok {
		if details := cc.crossCheck(); len(details) > 0 {
			common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid request", details)
			return false
		}
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid "+param, nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	common.WriteError(w, toAppError(err))
}

func toAppError(err error) error {
	switch {
	case errors.Is(err, ErrStaffNotFound), errors.Is(err, ErrShiftNotFound):
		return common.NewAppError(common.CodeNotFound, err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrShiftClosed):
		return common.NewAppError("SHIFT_CLOSED", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrShiftAlreadyOpen):
		return common.NewAppError("SHIFT_ALREADY_OPEN", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrShiftNotClosed):
		return common.NewAppError("SHIFT_NOT_CLOSED", err.Error(), http.StatusConflict, err)
	case errors.Is(err, lock.ErrNotAcquired):
		return common.NewAppError("SHIFT_BUSY", "shift is being modified, retry later", http.StatusConflict, err)
	}
	return err
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
