package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

const botToken = "123456:TEST-TOKEN"

func signedInitData(userJSON string) string {
	hash := SignInitData("auth_date=1700000000\nuser="+userJSON, botToken)
	v := url.Values{}
	v.Set("auth_date", "1700000000")
	v.Set("user", userJSON)
	v.Set("hash", hash)
	return v.Encode()
}

func newAuth() AdminAuth {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return AdminAuth{Password: "s3cret", BotToken: botToken, AdminIDs: []int64{42}, Log: log}
}

func serve(a AdminAuth, r *http.Request) int {
	h := a.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec.Code
}

func TestAdminAuthBasic(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/admin/raffles", nil)
	r.SetBasicAuth("admin", "s3cret")
	assert.Equal(t, http.StatusNoContent, serve(newAuth(), r))

	r = httptest.NewRequest(http.MethodGet, "/admin/raffles", nil)
	r.SetBasicAuth("admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(newAuth(), r))
}

func TestAdminAuthEmptyPasswordDisablesBasic(t *testing.T) {
	a := newAuth()
	a.Password = ""
	r := httptest.NewRequest(http.MethodGet, "/admin/raffles", nil)
	r.SetBasicAuth("admin", "")
	assert.Equal(t, http.StatusUnauthorized, serve(a, r))
}

func TestAdminAuthTelegram(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/admin/raffles", nil)
	r.Header.Set("X-Telegram-Init-Data", signedInitData(`{"id":42,"first_name":"Ana"}`))
	assert.Equal(t, http.StatusNoContent, serve(newAuth(), r))

	r = httptest.NewRequest(http.MethodGet, "/admin/raffles?tg_init_data="+url.QueryEscape(signedInitData(`{"id":7}`)), nil)
	assert.Equal(t, http.StatusUnauthorized, serve(newAuth(), r), "valid signature, not an admin")

	tampered := signedInitData(`{"id":42}`) + "&extra=1"
	r = httptest.NewRequest(http.MethodGet, "/admin/raffles", nil)
	r.Header.Set("X-Telegram-Init-Data", tampered)
	assert.Equal(t, http.StatusUnauthorized, serve(newAuth(), r))
}

func TestValidateInitData(t *testing.T) {
	user, ok := ValidateInitData(signedInitData(`{"id":42,"username":"ana"}`), botToken)
	assert.True(t, ok)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "ana", user.Username)

	_, ok = ValidateInitData(signedInitData(`{"id":42}`), "other-token")
	assert.False(t, ok)
}
