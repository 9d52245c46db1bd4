package bot

import (
	"strings"
	"unicode/utf8"

	"s21-notifier/pkg/notifier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Button labels.
const (
	btnStatus       = "📊 Статус"
	btnStart        = "▶️ Запуск"
	btnStop         = "⏹️ Остановка"
	btnTestAuth     = "🔐 Тест авторизации"
	btnReset        = "🔄 Сброс настроек"
	btnSettings     = "⚙️ Настройки"
	btnLast         = "🔔 Последнее уведомление"
	btnSetLogin     = "👤 Установить логин"
	btnSetPassword  = "🔑 Установить пароль"
	btnCampus       = "🏫 Выбрать кампус"
	btnTimezone     = "⏰ Часовой пояс"
	btnShowSettings = "✅ Проверить настройки"
	btnMainMenu     = "🔙 Главное меню"
	btnBack         = "🔙 Назад к настройкам"
	btnCancel       = "🔙 Отмена"
)

const maxCampusLabel = 30

func mainMenu() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStatus)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnStart), tgbotapi.NewKeyboardButton(btnStop)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnTestAuth), tgbotapi.NewKeyboardButton(btnReset)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSettings), tgbotapi.NewKeyboardButton(btnLast)),
	)
}

func settingsMenu() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnSetLogin), tgbotapi.NewKeyboardButton(btnSetPassword)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCampus), tgbotapi.NewKeyboardButton(btnTimezone)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnShowSettings)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnMainMenu)),
	)
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)))
}

// campusLabel truncates long campus names to fit a button.
func campusLabel(c notifier.Campus) string {
	if utf8.RuneCountInString(c.FullName) <= maxCampusLabel {
		return c.FullName
	}
	r := []rune(c.FullName)
	return string(r[:maxCampusLabel-3]) + "..."
}

// pairRows lays labels out two per row and appends the back button.
func pairRows(labels []string) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	for i := 0; i < len(labels); i += 2 {
		row := tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(labels[i]))
		if i+1 < len(labels) {
			row = append(row, tgbotapi.NewKeyboardButton(labels[i+1]))
		}
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnBack)))
	return tgbotapi.NewReplyKeyboard(rows...)
}

func campusKeyboard(campuses []notifier.Campus) tgbotapi.ReplyKeyboardMarkup {
	labels := make([]string, len(campuses))
	for i, c := range campuses {
		labels[i] = campusLabel(c)
	}
	return pairRows(labels)
}

// findCampus matches a button label or typed text: exact full name, button label,
// substring of the full name, then short name.
func findCampus(text string, campuses []notifier.Campus) (notifier.Campus, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return notifier.Campus{}, false
	}
	for _, c := range campuses {
		if c.FullName == text || campusLabel(c) == text {
			return c, true
		}
	}
	for _, c := range campuses {
		if strings.Contains(c.FullName, text) {
			return c, true
		}
	}
	for _, c := range campuses {
		if c.ShortName == text {
			return c, true
		}
	}
	return notifier.Campus{}, false
}

type timezoneOption struct {
	zone  string
	label string
}

var timezoneOptions = []timezoneOption{
	{"Europe/Kaliningrad", "Калининград (UTC+2)"},
	{"Europe/Moscow", "Москва (UTC+3)"},
	{"Europe/Samara", "Самара (UTC+4)"},
	{"Asia/Yekaterinburg", "Екатеринбург (UTC+5)"},
	{"Asia/Tashkent", "Ташкент (UTC+5)"},
	{"Asia/Omsk", "Омск (UTC+6)"},
	{"Asia/Novosibirsk", "Новосибирск (UTC+7)"},
	{"Asia/Novokuznetsk", "Новокузнецк (UTC+7)"},
	{"Asia/Krasnoyarsk", "Красноярск (UTC+7)"},
	{"Asia/Irkutsk", "Иркутск (UTC+8)"},
	{"Asia/Chita", "Чита (UTC+9)"},
	{"Asia/Vladivostok", "Владивосток (UTC+10)"},
	{"Asia/Magadan", "Магадан (UTC+11)"},
	{"Asia/Sakhalin", "Сахалин (UTC+11)"},
	{"Asia/Kamchatka", "Камчатка (UTC+12)"},
	{"Asia/Anadyr", "Анадырь (UTC+12)"},
	{"UTC", "UTC"},
}

func timezoneLabel(zone string) string {
	for _, o := range timezoneOptions {
		if o.zone == zone {
			return o.label
		}
	}
	return zone
}

// timezoneFromLabel maps a button label, or a raw zone name, to a zone.
func timezoneFromLabel(text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, o := range timezoneOptions {
		if o.label == text || o.zone == text {
			return o.zone, true
		}
	}
	return "", false
}

func timezoneKeyboard() tgbotapi.ReplyKeyboardMarkup {
	labels := make([]string, len(timezoneOptions))
	for i, o := range timezoneOptions {
		labels[i] = o.label
	}
	return pairRows(labels)
}
