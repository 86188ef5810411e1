// Authentication and user administration handlers.
//
//   - POST   /auth/login                   (public)
//   - GET    /auth/me
//   - GET    /users                        (admin)
//   - POST   /users                        (admin)
//   - PUT    /users/{id}                   (admin)
//   - POST   /users/{id}/reset-password    (admin)
//   - DELETE /users/{id}                   (admin)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" example:"clerk1"`
	Password string `json:"password" example:"s3cret-pass"`
}

// LoginResponse carries the bearer token and the account it belongs to.
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *domain.User `json:"user"`
}

// ListUsersResponse wraps a page of users.
type ListUsersResponse struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// Login godoc
// @ID          login
// @Summary     Log in
// @Description Verifies the password and returns a bearer token. Five consecutive failures lock the account for ten minutes.
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.LoginRequest  true  "Credentials"
// @Success     200   {object}  handlers.LoginResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     401   {object}  handlers.ErrorResponse
// @Failure     423   {object}  handlers.ErrorResponse "Account locked"
// @Router      /auth/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "username and password are required")
		return
	}
	u, err := h.Users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		failErr(c, err)
		return
	}
	tok, exp, err := h.Tokens.Issue(u)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, LoginResponse{Token: tok, ExpiresAt: exp.UTC(), User: u})
}

// Me godoc
// @ID          me
// @Summary     Current user
// @Tags        Auth
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  domain.User
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /auth/me [get]
func (h *Handlers) Me(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	u, err := h.Users.Get(c.Request.Context(), a.UserID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// ListUsers godoc
// @ID          listUsers
// @Summary     List users
// @Tags        Users
// @Produce     json
// @Security    BearerAuth
// @Param       search     query  string  false "Username or name fragment"
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListUsersResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /users [get]
func (h *Handlers) ListUsers(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.Users.ListPage(c.Request.Context(), strings.TrimSpace(c.Query("search")), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListUsersResponse{Users: items, Pagination: newPagination(page, pageSize, total)})
}

// CreateUser godoc
// @ID          createUser
// @Summary     Create a user
// @Tags        Users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body      services.CreateUserInput  true  "User"
// @Success     201   {object}  domain.User
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse "Username taken"
// @Router      /users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	var in services.CreateUserInput
	if !bindJSON(c, &in) {
		return
	}
	u, err := h.Users.Create(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, u)
}

// UpdateUser godoc
// @ID          updateUser
// @Summary     Update a user
// @Description Only the fields present in the body change.
// @Tags        Users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path      int                       true  "User ID"
// @Param       body  body      services.UpdateUserInput  true  "Changes"
// @Success     200   {object}  domain.User
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Router      /users/{id} [put]
func (h *Handlers) UpdateUser(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var in services.UpdateUserInput
	if !bindJSON(c, &in) {
		return
	}
	u, err := h.Users.Update(c.Request.Context(), id, in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// ResetPassword godoc
// @ID          resetPassword
// @Summary     Set a new password
// @Description Also clears any login lockout.
// @Tags        Users
// @Accept      json
// @Security    BearerAuth
// @Param       id    path  int                          true  "User ID"
// @Param       body  body  services.ResetPasswordInput  true  "New password"
// @Success     204   {string}  string "No Content"
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Router      /users/{id}/reset-password [post]
func (h *Handlers) ResetPassword(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var in services.ResetPasswordInput
	if !bindJSON(c, &in) {
		return
	}
	if err := h.Users.ResetPassword(c.Request.Context(), id, in); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Delete a user
// @Description Admins cannot delete their own account.
// @Tags        Users
// @Security    BearerAuth
// @Param       id   path  int  true  "User ID"
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /users/{id} [delete]
func (h *Handlers) DeleteUser(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := h.Users.Delete(c.Request.Context(), a, id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
