package httpapi

import (
	"callsy/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the /v1 relay. Caller routes are public: a caller is
// identified only by the attempt id it generated. Dashboard routes require a
// business token for the business in the path.
func RegisterRoutes(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/auth/refresh", h.Refresh)

	businesses := v1.Group("/businesses/:businessId")
	{
		businesses.GET("", h.GetBusiness)
		businesses.GET("/availability", h.Availability)
	}

	signal := v1.Group("/signal/:businessId")
	{
		signal.GET("", h.CallerRecord)
		signal.POST("/offer", h.PublishOffer)
		signal.POST("/candidates", h.CallerCandidate)
		signal.DELETE("", h.ClearSignal)
		signal.GET("/stream", h.CallerStream)
	}

	dashboard := v1.Group("/dashboard/:businessId")
	dashboard.Use(
		authMW,
		rbac.RequireBusiness(),
		rbac.RequireAnyRole(rbac.RoleBusiness, rbac.RoleAgent),
		rbac.RequireBusinessParam("businessId"),
	)
	{
		dashboard.POST("/heartbeat", h.Heartbeat)
		dashboard.DELETE("/heartbeat", h.GoOffline)
		dashboard.GET("/signal", h.DashboardRecord)
		dashboard.DELETE("/signal", h.ClearSignal)
		dashboard.GET("/stream", h.DashboardStream)
		dashboard.POST("/answer", h.PublishAnswer)
		dashboard.POST("/candidates", h.CalleeCandidate)
	}
}
