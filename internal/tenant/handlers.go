package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runwayly/ledgersync/internal/validation"
)

// Handler provides HTTP endpoints for the tenant registry. Connect,
// disconnect, and sync routes live in the server package because they
// compose credentials and jobs.
type Handler struct {
	svc        *Service
	defaultEnv Environment
}

// NewHandler creates a new tenant handler. defaultEnv is applied when a
// create request does not name an environment.
func NewHandler(svc *Service, defaultEnv Environment) *Handler {
	return &Handler{svc: svc, defaultEnv: defaultEnv}
}

// RegisterAdminRoutes sets up the admin-only tenant creation route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
}

// RegisterRoutes sets up the read-only tenant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
}

// CreateTenant handles POST /api/v1/tenants (admin only).
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		DisplayName string      `json:"displayName" binding:"required"`
		Environment Environment `json:"environment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "displayName required"})
		return
	}

	env := req.Environment
	if env == "" {
		env = h.defaultEnv
	}
	if !ValidEnvironment(env) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_environment", "message": "environment must be mock, sandbox, or production"})
		return
	}

	t, err := h.svc.Create(c.Request.Context(), validation.SanitizeString(req.DisplayName, 200), env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// ListTenants handles GET /api/v1/tenants.
func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.svc.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// GetTenant handles GET /api/v1/tenants/:id.
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
