// Package i18n translates the UI strings of the self-service pages.
package i18n

import (
	"net/http"
	"strings"
)

// Language is a supported UI language.
type Language string

const (
	English  Language = "en"
	Japanese Language = "ja"
)

// DefaultLanguage is the fallback language.
const DefaultLanguage = English

// Translation maps keys to text in one language.
type Translation map[string]string

// Translations holds every language.
type Translations map[Language]Translation

// Translator looks up UI strings.
type Translator struct {
	translations Translations
}

// NewTranslator creates a translator with the built-in strings.
func NewTranslator() *Translator {
	return &Translator{translations: defaultTranslations}
}

// T translates key, falling back to English and then to the key itself.
func (t *Translator) T(lang Language, key string) string {
	if trans, ok := t.translations[lang]; ok {
		if text, ok := trans[key]; ok {
			return text
		}
	}
	if trans, ok := t.translations[DefaultLanguage]; ok {
		if text, ok := trans[key]; ok {
			return text
		}
	}
	return key
}

// DetectLanguage picks the language from ?lang=, the lang cookie, or
// Accept-Language, in that order.
func DetectLanguage(r *http.Request) Language {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return normalizeLanguage(lang)
	}
	if cookie, err := r.Cookie("lang"); err == nil {
		return normalizeLanguage(cookie.Value)
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		first := strings.TrimSpace(strings.Split(strings.Split(accept, ",")[0], ";")[0])
		return normalizeLanguage(first)
	}
	return DefaultLanguage
}

func normalizeLanguage(lang string) Language {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) > 2 {
		lang = lang[:2]
	}
	switch lang {
	case "ja":
		return Japanese
	default:
		return DefaultLanguage
	}
}

var defaultTranslations = Translations{
	English: {
		"registration.title":        "Create an account",
		"registration.submit":       "Sign up",
		"registration.to_login":     "Already have an account? Sign in",
		"login.title":               "Sign in",
		"login.submit":              "Sign in",
		"login.with":                "Sign in with",
		"login.to_registration":     "Don't have an account? Sign up",
		"field.email":               "Email",
		"field.password":            "Password",
		"field.identifier":          "Email",
		"welcome.title":             "Welcome",
		"welcome.signed_in":         "You are signed in as",
		"welcome.anonymous":         "You are not signed in.",
		"welcome.logout":            "Log out",
		"welcome.sessions":          "Session information",
		"sessions.title":            "Your session",
		"consent.title":             "Authorize command line access",
		"consent.message":           "The command line client is requesting access to your account.",
		"consent.allow":             "Allow",
		"consent.deny":              "Deny",
		"error.title":               "Error",
		"error.duplicate_email":     "An account with the same identifier (email) exists already.",
		"error.weak_password":       "The password is too short.",
		"error.invalid_email":       "Please enter a valid email address.",
		"error.invalid_credentials": "The provided credentials are invalid, check for spelling mistakes in your password or email address.",
		"error.rate_limited":        "Too many sign-in attempts. Please wait a moment and try again.",
		"error.social_failed":       "Signing in with the selected provider failed.",
		"error.bad_request":         "The request is invalid.",
		"error.server":              "Something went wrong. Please try again.",
	},
	Japanese: {
		"registration.title":        "アカウント作成",
		"registration.submit":       "登録",
		"registration.to_login":     "アカウントをお持ちの方はログイン",
		"login.title":               "ログイン",
		"login.submit":              "ログイン",
		"login.with":                "次でログイン:",
		"login.to_registration":     "アカウントをお持ちでない方は登録",
		"field.email":               "メールアドレス",
		"field.password":            "パスワード",
		"field.identifier":          "メールアドレス",
		"welcome.title":             "ようこそ",
		"welcome.signed_in":         "ログイン中のユーザー:",
		"welcome.anonymous":         "ログインしていません。",
		"welcome.logout":            "ログアウト",
		"welcome.sessions":          "セッション情報",
		"sessions.title":            "セッション",
		"consent.title":             "コマンドラインからのアクセスを許可",
		"consent.message":           "コマンドラインクライアントがあなたのアカウントへのアクセスを求めています。",
		"consent.allow":             "許可",
		"consent.deny":              "拒否",
		"error.title":               "エラー",
		"error.duplicate_email":     "このメールアドレスのアカウントは既に存在します。",
		"error.weak_password":       "パスワードが短すぎます。",
		"error.invalid_email":       "有効なメールアドレスを入力してください。",
		"error.invalid_credentials": "認証情報が正しくありません。メールアドレスとパスワードを確認してください。",
		"error.rate_limited":        "ログインの試行回数が多すぎます。しばらくしてから再度お試しください。",
		"error.social_failed":       "選択したプロバイダーでのログインに失敗しました。",
		"error.bad_request":         "リクエストが不正です。",
		"error.server":              "エラーが発生しました。もう一度お試しください。",
	},
}
