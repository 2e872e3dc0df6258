package i18n

import "strings"

// Locale identifies a notification language. Only "en" and "fa" exist;
// English is the identity translation.
type Locale string

const (
	English Locale = "en"
	Persian Locale = "fa"
)

var translations = map[string]string{
	"connection lost":                 "اتصال قطع شد",
	"connected":                       "متصل شد",
	"failed to connect":               "خطا در برقراری اتصال",
	"failed to load profile":          "خطا در دریافت پروفایل",
	"session expired":                 "نشست منقضی شده است",
	"failed to load messages":         "خطا در دریافت پیام ها",
	"failed to load older messages":   "خطا در دریافت پیام های قدیمی تر",
	"failed to send message":          "خطا در ارسال پیام",
	"failed to create conversation":   "خطا در ایجاد مکالمه",
	"failed to delete conversation":   "خطا در حذف مکالمه",
	"failed to update message":        "خطا در به روزرسانی پیام",
	"failed to delete message":        "خطا در حذف پیام",
	"failed to mark messages as read": "خطا در علامت گذاری پیام ها به عنوان خوانده شده",
	"message sent":                    "پیام ارسال شد",
	"conversation created":            "مکالمه ایجاد شد",
	"conversation deleted":            "مکالمه حذف شد",
	"rate limit exceeded":             "تعداد درخواست ها بیش از حد مجاز است",
	"rate limiter error":              "خطا در محدودسازی درخواست ها",
	"not found":                       "یافت نشد",
	"chat":                            "گفتگو",
}

var prefixTranslations = map[string]string{
	"server rejected request:": "سرور درخواست را رد کرد",
	"request timed out:":       "مهلت درخواست به پایان رسید",
	"socket disconnected:":     "اتصال سوکت قطع شد",
}

// ParseLocale maps a config value to a supported locale.
func ParseLocale(value string) Locale {
	if strings.EqualFold(strings.TrimSpace(value), string(Persian)) {
		return Persian
	}
	return English
}

// Translate returns the message in the given locale, falling back to the
// input when no translation exists.
func Translate(locale Locale, message string) string {
	if locale != Persian {
		return message
	}
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
