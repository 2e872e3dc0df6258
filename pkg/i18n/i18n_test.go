package i18n

import "testing"

func TestTranslate(t *testing.T) {
	tests := []struct {
		name    string
		locale  Locale
		message string
		want    string
	}{
		{name: "english passthrough", locale: English, message: "failed to send message", want: "failed to send message"},
		{name: "persian exact", locale: Persian, message: "failed to send message", want: "خطا در ارسال پیام"},
		{name: "persian prefix", locale: Persian, message: "server rejected request: nope", want: "سرور درخواست را رد کرد"},
		{name: "persian unknown", locale: Persian, message: "something else", want: "something else"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Translate(tt.locale, tt.message); got != tt.want {
				t.Errorf("Translate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLocale(t *testing.T) {
	if ParseLocale(" FA ") != Persian {
		t.Fatal("expected Persian for FA")
	}
	if ParseLocale("de") != English {
		t.Fatal("expected English fallback")
	}
}
