// README: Account handlers; registration, login, password reset and the caller's profile.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rideshare/internal/modules/user"
)

type AuthHandler struct {
	users *user.Service
}

func NewAuthHandler(svc *user.Service) *AuthHandler {
	return &AuthHandler{users: svc}
}

type registerReq struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Phone    string `json:"phone"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerReq
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.users.Register(c.Request.Context(), user.RegisterCommand{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sess)
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginReq
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sess)
}

type forgotPasswordReq struct {
	Email string `json:"email" binding:"required"`
}

// ForgotPassword answers 202 whether or not the email exists.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.users.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"message": "if the account exists, a reset link has been sent"})
}

type resetPasswordReq struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.users.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "password updated"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	u, err := h.users.Me(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, u)
}
