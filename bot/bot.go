// Package bot implements the Telegram command surface and notification delivery.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"s21-notifier/auth"
	"s21-notifier/pkg/notifier"
	"s21-notifier/poll"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger is the subset of the Telegram API used by the bot.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Store holds the relay settings.
type Store interface {
	Settings() notifier.Settings
	Credentials() (login, password string)
	AdminChatID() string
	Timezone() string
	Missing() []string
	ClaimAdmin(ctx context.Context, chatID string) (bool, error)
	SetLogin(ctx context.Context, login string) error
	SetPassword(password string)
	SetCampus(ctx context.Context, schoolID, name string) error
	SetTimezone(ctx context.Context, zone string) (bool, error)
	Reset(ctx context.Context) error
}

// Session performs platform logins.
type Session interface {
	Login(ctx context.Context) (auth.Token, error)
	Current() auth.Token
}

// Platform reads platform data with automatic token revalidation.
type Platform interface {
	Campuses(ctx context.Context) ([]notifier.Campus, error)
	Latest(ctx context.Context) (*notifier.Notification, error)
}

// Scheduler controls monitoring.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() bool
	Running() bool
	Interval() time.Duration
	DailyAt() poll.ClockTime
}

// StatsSource reports monitoring counters.
type StatsSource interface {
	Stats() poll.Stats
}

// Resetter forgets delta-tracking state.
type Resetter interface {
	Reset()
}

// Config holds bot dependencies.
type Config struct {
	API       Messenger
	Store     Store
	Session   Session
	Platform  Platform
	Scheduler Scheduler
	Stats     StatsSource
	Tracker   Resetter
	Logger    *slog.Logger
}

type inputState int

const (
	stateIdle inputState = iota
	stateLogin
	statePassword
	stateCampus
	stateTimezone
)

// Bot dispatches chat messages from the administrator.
type Bot struct {
	api       Messenger
	store     Store
	session   Session
	platform  Platform
	scheduler Scheduler
	stats     StatsSource
	tracker   Resetter
	notifier  *Notifier
	logger    *slog.Logger

	mu       sync.Mutex // serializes message handling
	state    inputState
	campuses []notifier.Campus
}

// New creates a bot.
func New(cfg *Config) *Bot {
	return &Bot{
		api:       cfg.API,
		store:     cfg.Store,
		session:   cfg.Session,
		platform:  cfg.Platform,
		scheduler: cfg.Scheduler,
		stats:     cfg.Stats,
		tracker:   cfg.Tracker,
		notifier:  NewNotifier(cfg.API, cfg.Store, cfg.Logger),
		logger:    cfg.Logger,
	}
}

// Run handles updates one at a time until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	b.logger.Info("Bot update loop started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bot update loop stopped", "error", ctx.Err())
			return
		case update, ok := <-updates:
			if !ok {
				b.logger.Info("Update channel closed")
				return
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			b.Handle(ctx, update.Message)
		}
	}
}

// Handle processes a single incoming message.
func (b *Bot) Handle(ctx context.Context, msg *tgbotapi.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chatID := msg.Chat.ID
	chat := strconv.FormatInt(chatID, 10)
	text := strings.TrimSpace(msg.Text)

	if msg.IsCommand() && msg.Command() == "start" {
		b.handleStart(ctx, chatID, chat)
		return
	}

	admin := b.store.AdminChatID()
	if admin == "" {
		b.reply(chatID, "👋 Отправьте /start, чтобы стать администратором бота.", nil)
		return
	}
	if chat != admin {
		b.logger.Warn("Message from unauthorized chat", "chat_id", chat)
		b.reply(chatID, "⛔ У вас нет прав для управления этим ботом", nil)
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "stop":
			b.stopMonitoring(chatID)
		case "status":
			b.status(chatID)
		case "last":
			b.lastNotification(ctx, chatID)
		default:
			b.reply(chatID, "Неизвестная команда. Используйте меню.", mainMenu())
		}
		return
	}

	if b.handleButton(ctx, chatID, text) {
		return
	}

	switch b.state {
	case stateLogin:
		b.inputLogin(ctx, chatID, text)
	case statePassword:
		b.inputPassword(chatID, msg.MessageID, text)
	case stateCampus:
		b.inputCampus(ctx, chatID, text)
	case stateTimezone:
		b.inputTimezone(ctx, chatID, text)
	default:
		b.reply(chatID, "Пожалуйста, используйте команды или выберите действие из меню.", mainMenu())
	}
}

// handleButton runs a menu action. Pressing a menu button abandons pending input.
func (b *Bot) handleButton(ctx context.Context, chatID int64, text string) bool {
	action, ok := map[string]func(){
		btnStatus:       func() { b.status(chatID) },
		btnStart:        func() { b.startMonitoring(ctx, chatID) },
		btnStop:         func() { b.stopMonitoring(chatID) },
		btnTestAuth:     func() { b.testAuth(ctx, chatID) },
		btnReset:        func() { b.resetSettings(ctx, chatID) },
		btnSettings:     func() { b.reply(chatID, "⚙️ Настройки платформы 21-school:", settingsMenu()) },
		btnLast:         func() { b.lastNotification(ctx, chatID) },
		btnSetLogin:     func() { b.requestLogin(chatID) },
		btnSetPassword:  func() { b.requestPassword(chatID) },
		btnCampus:       func() { b.selectCampus(ctx, chatID) },
		btnTimezone:     func() { b.selectTimezone(chatID) },
		btnShowSettings: func() { b.showSettings(chatID) },
		btnMainMenu:     func() { b.reply(chatID, "Главное меню:", mainMenu()) },
	}[text]
	if !ok {
		return false
	}
	b.state = stateIdle
	action()
	return true
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, chat string) {
	hadAdmin := b.store.AdminChatID() != ""
	ok, err := b.store.ClaimAdmin(ctx, chat)
	if err != nil {
		b.logger.Error("Failed to save administrator", "chat_id", chat, "error", err)
	}
	switch {
	case !ok:
		b.logger.Warn("Start from unauthorized chat", "chat_id", chat)
		b.reply(chatID, "⛔ У вас нет прав для управления этим ботом", nil)
	case !hadAdmin:
		b.reply(chatID, "👋 Добро пожаловать! Вы установлены как администратор бота.\n\n"+
			"Пожалуйста, настройте параметры для работы с платформой 21-school.", mainMenu())
	default:
		b.reply(chatID, "🤖 Бот для уведомлений 21-school готов к работе!", mainMenu())
	}
}

func (b *Bot) status(chatID int64) {
	settings := b.store.Settings()
	zone := settings.Timezone

	state := "🔴 Остановлен"
	if b.scheduler.Running() {
		state = "🟢 Запущен"
	}
	config := "✅ Полная"
	if missing := b.store.Missing(); len(missing) > 0 {
		config = "❌ Неполная (отсутствует: " + missingLabels(missing) + ")"
	}
	campus := settings.CampusName
	if campus == "" {
		campus = "Не выбран"
	}

	st := b.stats.Stats()
	tok := b.session.Current()
	token := "❌ Отсутствует"
	if tok.Value != "" {
		token = "✅ Установлен (" + tok.Method + ")"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🤖 Статус бота: %s\n", state)
	fmt.Fprintf(&sb, "⚙️ Конфигурация: %s\n", config)
	fmt.Fprintf(&sb, "🏫 Кампус: %s\n", campus)
	fmt.Fprintf(&sb, "🕐 Часовой пояс: %s\n\n", timezoneLabel(zone))
	sb.WriteString("📊 Статистика:\n")
	fmt.Fprintf(&sb, "• Последняя проверка: %s\n", formatLocal(st.LastCheck, zone, "Никогда"))
	fmt.Fprintf(&sb, "• Всего проверок: %d\n", st.TotalChecks)
	fmt.Fprintf(&sb, "• Отправлено уведомлений: %d\n", st.Notifications)
	fmt.Fprintf(&sb, "• Ошибок: %d\n\n", st.Errors)
	fmt.Fprintf(&sb, "🔐 Токен платформы: %s\n", token)
	fmt.Fprintf(&sb, "📅 Токен действует до: %s", formatLocal(tok.Expiry, zone, "Неизвестно"))

	b.reply(chatID, sb.String(), nil)
}

func (b *Bot) startMonitoring(ctx context.Context, chatID int64) {
	if b.scheduler.Running() {
		b.reply(chatID, "🤖 Мониторинг уже запущен!", nil)
		return
	}
	if missing := b.store.Missing(); len(missing) > 0 {
		b.reply(chatID, "❌ Конфигурация неполная! Отсутствуют: "+missingLabels(missing)+
			"\nПожалуйста, завершите настройку перед запуском.", nil)
		return
	}

	b.reply(chatID, "🔐 Выполняю авторизацию...", nil)
	if err := b.scheduler.Start(ctx); err != nil {
		if errors.Is(err, poll.ErrRunning) {
			b.reply(chatID, "🤖 Мониторинг уже запущен!", nil)
			return
		}
		b.logger.Error("Failed to start monitoring", "error", err)
		b.reply(chatID, b.describeError(err), nil)
		return
	}

	settings := b.store.Settings()
	b.reply(chatID, fmt.Sprintf("🚀 Мониторинг запущен для кампуса: %s!\n\n"+
		"📅 Ежедневная авторизация: %s\n"+
		"🔔 Проверка уведомлений: каждые %s",
		settings.CampusName, b.scheduler.DailyAt(), humanInterval(b.scheduler.Interval())), nil)
}

func (b *Bot) stopMonitoring(chatID int64) {
	if !b.scheduler.Stop() {
		b.reply(chatID, "🤖 Мониторинг уже остановлен!", nil)
		return
	}
	b.reply(chatID, "🛑 Мониторинг остановлен!", nil)
}

func (b *Bot) testAuth(ctx context.Context, chatID int64) {
	if login, password := b.store.Credentials(); login == "" || password == "" {
		b.reply(chatID, "❌ Сначала установите логин и пароль для авторизации.", settingsMenu())
		return
	}
	b.reply(chatID, "🔐 Тестирование авторизации...", nil)

	tok, err := b.session.Login(ctx)
	if err != nil {
		b.logger.Warn("Test authentication failed", "error", err)
		b.reply(chatID, "❌ Ошибка авторизации!\n\nПроверьте:\n"+
			"• Правильность логина и пароля\n"+
			"• Доступ к платформе 21-school\n\n"+b.describeError(err), nil)
		return
	}

	campuses, err := b.platform.Campuses(ctx)
	if err != nil {
		b.logger.Warn("Failed to fetch campuses after test login", "error", err)
	}

	var sb strings.Builder
	sb.WriteString("✅ Авторизация успешна!\n\n")
	fmt.Fprintf(&sb, "Способ входа: %s\n", tok.Method)
	fmt.Fprintf(&sb, "Токен получен: %s\n", tokenPrefix(tok.Value))
	fmt.Fprintf(&sb, "Доступно кампусов: %d", len(campuses))
	if name := b.store.Settings().CampusName; name != "" {
		fmt.Fprintf(&sb, "\n🏫 Текущий кампус: %s", name)
	}
	b.reply(chatID, sb.String(), nil)

	if len(campuses) == 0 {
		return
	}
	var list strings.Builder
	list.WriteString("📋 Доступные кампусы:\n")
	for i, c := range campuses {
		if i == 10 {
			fmt.Fprintf(&list, "... и еще %d кампусов", len(campuses)-10)
			break
		}
		fmt.Fprintf(&list, "%d. %s\n", i+1, c.FullName)
	}
	b.reply(chatID, strings.TrimRight(list.String(), "\n"), nil)
}

func (b *Bot) resetSettings(ctx context.Context, chatID int64) {
	if b.scheduler.Stop() {
		b.logger.Info("Monitoring stopped by settings reset")
	}
	if err := b.store.Reset(ctx); err != nil {
		b.logger.Error("Failed to persist reset settings", "error", err)
	}
	b.tracker.Reset()
	b.campuses = nil
	b.reply(chatID, "🔄 Все настройки сброшены!", mainMenu())
}

func (b *Bot) lastNotification(ctx context.Context, chatID int64) {
	settings := b.store.Settings()
	if settings.SchoolID == "" {
		b.reply(chatID, "❌ Сначала выберите кампус в настройках.", settingsMenu())
		return
	}
	b.reply(chatID, "🔍 Запрашиваю последнее уведомление...", nil)

	if err := b.ensureToken(ctx); err != nil {
		b.reply(chatID, b.describeError(err), nil)
		return
	}
	n, err := b.platform.Latest(ctx)
	if err != nil {
		b.logger.Error("Failed to fetch last notification", "error", err)
		b.reply(chatID, "❌ Ошибка при получении уведомления.\nПроверьте:\n"+
			"• Настройки авторизации\n• Выбор кампуса\n• Интернет-соединение", nil)
		return
	}
	if n == nil {
		b.reply(chatID, "📭 Уведомлений нет.\nКогда появятся новые уведомления, они будут отображаться здесь.", nil)
		return
	}
	if err := b.notifier.send(chatID, *n, settings.Timezone); err != nil {
		b.logger.Error("Failed to send last notification", "id", n.ID, "error", err)
	}
}

// ensureToken logs in when no token was obtained yet.
func (b *Bot) ensureToken(ctx context.Context) error {
	if b.session.Current().Value != "" {
		return nil
	}
	_, err := b.session.Login(ctx)
	return err
}

func (b *Bot) requestLogin(chatID int64) {
	b.state = stateLogin
	b.reply(chatID, "Введите ваш логин от платформы 21-school:", tgbotapi.NewRemoveKeyboard(true))
}

func (b *Bot) requestPassword(chatID int64) {
	b.state = statePassword
	b.reply(chatID, "🔑 Введите пароль для платформы 21-school:", cancelKeyboard())
}

func (b *Bot) selectCampus(ctx context.Context, chatID int64) {
	if login, password := b.store.Credentials(); login == "" || password == "" {
		b.reply(chatID, "❌ Сначала установите логин и пароль для авторизации.", settingsMenu())
		return
	}
	b.reply(chatID, "🔐 Выполняю авторизацию для получения списка кампусов...", nil)

	if _, err := b.session.Login(ctx); err != nil {
		b.logger.Warn("Login for campus list failed", "error", err)
		b.reply(chatID, b.describeError(err), settingsMenu())
		return
	}
	campuses, err := b.platform.Campuses(ctx)
	if err != nil || len(campuses) == 0 {
		b.logger.Warn("Campus list unavailable", "count", len(campuses), "error", err)
		b.reply(chatID, "❌ Не удалось получить список кампусов. Попробуйте позже.", settingsMenu())
		return
	}

	b.campuses = campuses
	b.state = stateCampus
	b.reply(chatID, "🏫 Выберите ваш кампус из списка:", campusKeyboard(campuses))
}

func (b *Bot) selectTimezone(chatID int64) {
	b.state = stateTimezone
	b.reply(chatID, "⏰ Текущий часовой пояс: "+timezoneLabel(b.store.Timezone())+"\nВыберите новый:", timezoneKeyboard())
}

func (b *Bot) showSettings(chatID int64) {
	s := b.store.Settings()
	_, password := b.store.Credentials()

	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	pw := "Не установлен"
	if password != "" {
		pw = "********"
	}
	config := "✅ Полная"
	if missing := b.store.Missing(); len(missing) > 0 {
		config = "❌ Неполная (отсутствует: " + missingLabels(missing) + ")"
	}

	var sb strings.Builder
	sb.WriteString("⚙️ Текущие настройки:\n\n")
	fmt.Fprintf(&sb, "👤 Логин: %s\n", orDefault(s.Login, "Не установлен"))
	fmt.Fprintf(&sb, "🔑 Пароль: %s\n", pw)
	fmt.Fprintf(&sb, "🏫 Кампус: %s\n", orDefault(s.CampusName, "Не выбран"))
	fmt.Fprintf(&sb, "⏰ Часовой пояс: %s\n", timezoneLabel(s.Timezone))
	fmt.Fprintf(&sb, "👑 Admin Chat ID: %s\n\n", orDefault(s.AdminChatID, "Не установлен"))
	fmt.Fprintf(&sb, "📊 Статус конфигурации: %s\n", config)
	fmt.Fprintf(&sb, "🕐 Последнее обновление: %s", formatLocal(s.LastUpdate, s.Timezone, "Никогда"))
	b.reply(chatID, sb.String(), settingsMenu())
}

func (b *Bot) inputLogin(ctx context.Context, chatID int64, text string) {
	b.state = stateIdle
	if text == "" {
		b.reply(chatID, "❌ Логин не может быть пустым.", settingsMenu())
		return
	}
	if err := b.store.SetLogin(ctx, text); err != nil {
		b.logger.Error("Failed to persist login", "error", err)
	}
	b.tracker.Reset()
	b.reply(chatID, "✅ Логин установлен: "+text, settingsMenu())
}

func (b *Bot) inputPassword(chatID int64, messageID int, text string) {
	b.state = stateIdle
	if text == btnCancel {
		b.reply(chatID, "Ввод пароля отменен", settingsMenu())
		return
	}
	if text == "" {
		b.reply(chatID, "❌ Пароль не может быть пустым.", settingsMenu())
		return
	}
	b.store.SetPassword(text)
	b.reply(chatID, "✅ Пароль установлен", settingsMenu())

	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Error("Failed to delete password message", "message_id", messageID, "error", err)
		return
	}
	b.logger.Info("Password message deleted", "message_id", messageID)
}

func (b *Bot) inputCampus(ctx context.Context, chatID int64, text string) {
	if text == btnBack {
		b.state = stateIdle
		b.reply(chatID, "Возвращаюсь к настройкам:", settingsMenu())
		return
	}
	campus, ok := findCampus(text, b.campuses)
	if !ok {
		b.logger.Warn("Campus not found", "input", text)
		b.reply(chatID, "❌ Кампус не найден. Пожалуйста, выберите из списка.", campusKeyboard(b.campuses))
		return
	}

	b.state = stateIdle
	if err := b.store.SetCampus(ctx, campus.ID, campus.FullName); err != nil {
		b.logger.Error("Failed to persist campus", "error", err)
	}
	b.tracker.Reset()
	b.logger.Info("Campus selected", "school_id", campus.ID, "name", campus.FullName)
	b.reply(chatID, fmt.Sprintf("✅ Кампус выбран:\n\n🏫 %s\n🔗 ID: %s", campus.FullName, campus.ID), settingsMenu())
}

func (b *Bot) inputTimezone(ctx context.Context, chatID int64, text string) {
	if text == btnBack {
		b.state = stateIdle
		b.reply(chatID, "Возвращаюсь к настройкам:", settingsMenu())
		return
	}
	zone, ok := timezoneFromLabel(text)
	if !ok {
		zone = text
	}
	applied, err := b.store.SetTimezone(ctx, zone)
	if err != nil {
		b.logger.Error("Failed to persist timezone", "error", err)
	}
	if !applied {
		b.reply(chatID, "❌ Неверный пояс. Выберите из списка.", timezoneKeyboard())
		return
	}
	b.state = stateIdle
	b.reply(chatID, "✅ Часовой пояс установлен: "+timezoneLabel(zone), settingsMenu())
}

func (b *Bot) reply(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message", "chat_id", chatID, "error", err)
	}
}

var missingNames = map[string]string{
	"login":         "логин",
	"password":      "пароль",
	"campus":        "кампус",
	"admin_chat_id": "admin_chat_id",
}

func missingLabels(missing []string) string {
	out := make([]string, len(missing))
	for i, m := range missing {
		if name, ok := missingNames[m]; ok {
			out[i] = name
		} else {
			out[i] = m
		}
	}
	return strings.Join(out, ", ")
}

func humanInterval(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d мин", int(d/time.Minute))
	}
	return d.String()
}

// describeError turns a failure into an actionable chat message.
func (b *Bot) describeError(err error) string {
	switch notifier.KindOf(err) {
	case notifier.KindCredentials:
		return "❌ Ошибка авторизации! Проверьте логин и пароль."
	case notifier.KindConfig:
		if missing := b.store.Missing(); len(missing) > 0 {
			return "❌ Настройки неполные! Не заданы: " + missingLabels(missing)
		}
		return "❌ Настройки неполные! Проверьте их в разделе настроек."
	case notifier.KindAutomation:
		return "❌ Не удалось войти через браузер. Попробуйте позже."
	case notifier.KindTransport, notifier.KindUpstream:
		return "❌ Платформа 21-school недоступна. Попробуйте позже."
	case notifier.KindMalformed, notifier.KindBadRequest:
		return "❌ Платформа вернула неожиданный ответ. Попробуйте позже."
	default:
		return "❌ Произошла ошибка. Попробуйте позже."
	}
}

