package api

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"s7link/config"
	"s7link/logging"
)

// basicAuth checks HTTP basic credentials against the configured users.
// With no users configured every request is allowed.
type basicAuth struct {
	users map[string]config.WebUser
}

func newBasicAuth(users []config.WebUser) *basicAuth {
	a := &basicAuth{users: make(map[string]config.WebUser, len(users))}
	for _, u := range users {
		a.users[u.Username] = u
	}
	return a
}

// authenticate returns the user for the request credentials.
func (a *basicAuth) authenticate(r *http.Request) (config.WebUser, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return config.WebUser{}, false
	}
	user, exists := a.users[username]
	if !exists || !checkPassword(password, user.PasswordHash) {
		return config.WebUser{}, false
	}
	return user, true
}

// requireWriter allows admins through and rejects viewers with 403.
func (a *basicAuth) requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.users) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := a.authenticate(r)
		if !ok {
			logging.DebugLog("api", "rejected credentials from %s for %s", r.RemoteAddr, r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Basic realm="s7link"`)
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		if !isAdmin(user.Role) {
			writeError(w, http.StatusForbidden, errors.New("write access requires the admin role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// HashPassword generates a bcrypt hash of the password for the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isAdmin returns true if the role is admin. An empty role counts as admin.
func isAdmin(role string) bool {
	return role == config.RoleAdmin || role == ""
}
