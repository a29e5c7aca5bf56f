package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// AdminAuth guards admin routes. A request passes with Basic auth as
// "admin" and the configured password, or with Telegram WebApp initData
// signed by the bot and sent by a listed admin.
type AdminAuth struct {
	Password string
	BotToken string
	AdminIDs []int64
	Log      logrus.FieldLogger
}

// Handler wraps next with the admin check.
func (a AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.checkBasicAuth(r) {
			next.ServeHTTP(w, r)
			return
		}

		if initData := initDataFrom(r); initData != "" {
			user, valid := ValidateInitData(initData, a.BotToken)
			switch {
			case !valid:
				a.Log.Warn("invalid telegram initData")
			case slices.Contains(a.AdminIDs, user.ID):
				a.Log.WithFields(logrus.Fields{"telegram_id": user.ID, "name": user.FirstName}).Debug("telegram admin authenticated")
				next.ServeHTTP(w, r)
				return
			default:
				a.Log.WithField("telegram_id", user.ID).Warn("telegram user is not an admin")
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="Raffle Admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func initDataFrom(r *http.Request) string {
	if v := r.Header.Get("X-Telegram-Init-Data"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tg_init_data"); v != "" {
		return v
	}
	if cookie, err := r.Cookie("tg_init_data"); err == nil {
		if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
			return decoded
		}
	}
	return ""
}

func (a AdminAuth) checkBasicAuth(r *http.Request) bool {
	if a.Password == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte("admin")) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
	return userOK && passOK
}

// ValidateInitData checks the hash of Telegram WebApp initData against
// botToken and returns the user it carries.
func ValidateInitData(initData, botToken string) (*TelegramUser, bool) {
	if botToken == "" {
		return nil, false
	}
	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, false
	}
	hash := params.Get("hash")
	if hash == "" {
		return nil, false
	}

	// data-check-string: sorted key=value pairs without hash, newline separated
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}

	if !hmac.Equal([]byte(SignInitData(strings.Join(parts, "\n"), botToken)), []byte(hash)) {
		return nil, false
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(params.Get("user")), &user); err != nil {
		return nil, false
	}
	return &user, true
}

// SignInitData returns the hex hash Telegram attaches to a data-check-string.
func SignInitData(dataCheckString, botToken string) string {
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(dataCheckString))
	return hex.EncodeToString(h.Sum(nil))
}
