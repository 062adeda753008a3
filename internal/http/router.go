// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rideshare/internal/http/handlers"
	"rideshare/internal/http/middleware"
	"rideshare/internal/infra"
	"rideshare/internal/modules/chat"
	"rideshare/internal/modules/ride"
	"rideshare/internal/modules/sos"
	"rideshare/internal/modules/user"
)

type RouterDeps struct {
	Rides    *ride.Service
	Users    *user.Service
	SOS      *sos.Service
	Gate     *chat.Gate
	Hub      *chat.Hub
	Places   handlers.PlaceSearcher
	Verifier infra.TokenVerifier
	Logger   *slog.Logger

	CORSOrigins []string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(log),
		middleware.Recovery(log),
		cors.New(corsConfig(deps.CORSOrigins)),
	)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	authHandler := handlers.NewAuthHandler(deps.Users)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/forgot-password", authHandler.ForgotPassword)
	api.POST("/auth/reset-password", authHandler.ResetPassword)

	authed := api.Group("", middleware.Auth(deps.Verifier))
	authed.GET("/users/me", authHandler.Me)

	rideHandler := handlers.NewRideHandler(deps.Rides)
	authed.POST("/rides", rideHandler.Post)
	authed.GET("/rides/search", rideHandler.Search)
	authed.GET("/rides/mine", rideHandler.Mine)
	authed.GET("/rides/:id", rideHandler.Get)
	authed.PATCH("/rides/:id", rideHandler.Update)
	authed.DELETE("/rides/:id", rideHandler.Delete)
	authed.POST("/rides/:id/otp", rideHandler.IssueOTP)
	authed.POST("/rides/:id/start", rideHandler.Start)
	authed.POST("/rides/:id/complete", rideHandler.Complete)
	authed.POST("/rides/:id/cancel", rideHandler.Cancel)
	authed.GET("/rides/:id/bookings", rideHandler.Bookings)

	bookingHandler := handlers.NewBookingHandler(deps.Rides)
	authed.POST("/bookings", bookingHandler.Create)
	authed.GET("/bookings/mine", bookingHandler.Mine)
	authed.GET("/bookings/:id", bookingHandler.Get)
	authed.DELETE("/bookings/:id", bookingHandler.Cancel)

	chatHandler := handlers.NewChatHandler(deps.Gate, deps.Hub, log)
	authed.GET("/chats/:rideId", chatHandler.History)
	authed.POST("/chats/:rideId", chatHandler.Send)
	authed.GET("/chats/:rideId/ws", chatHandler.Connect)

	sosHandler := handlers.NewSOSHandler(deps.SOS)
	authed.GET("/sos/me", sosHandler.GetProfile)
	authed.PUT("/sos/me", sosHandler.SaveProfile)
	authed.POST("/sos/trigger", sosHandler.Trigger)
	authed.GET("/sos/alerts", sosHandler.Alerts)

	if deps.Places != nil {
		placesHandler := handlers.NewPlacesHandler(deps.Places)
		authed.GET("/places/autocomplete", placesHandler.Autocomplete)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", middleware.HeaderRequestID)
	cfg.ExposeHeaders = []string{middleware.HeaderRequestID, "Retry-After"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
