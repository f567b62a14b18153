package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plant-treatment-planner/internal/config"
	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/metrics"
	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/users"
	"plant-treatment-planner/internal/wizard"
)

// IntakeSecretHeader carries the shared secret of the diagnosis producer.
const IntakeSecretHeader = "X-Intake-Secret"

// Wizard is the part of the wizard controller the bot drives.
type Wizard interface {
	StartWizard(ctx context.Context, id wizard.Identity, diag diagnosis.Payload) (*wizard.Outcome, error)
	HandleAction(ctx context.Context, id wizard.Identity, action wizard.Action, args wizard.Args, token string) (*wizard.Outcome, error)
	ActivePlan(ctx context.Context, id wizard.Identity) (*int64, error)
	AcceptActivePlan(ctx context.Context, id wizard.Identity) (*planner.Plan, error)
}

// UserResolver maps Telegram identities to users.
type UserResolver interface {
	Resolve(ctx context.Context, handle, username string) (*users.User, error)
}

// ObjectResolver picks the plant an incoming diagnosis is about.
type ObjectResolver interface {
	ResolveForDiagnosis(ctx context.Context, user *users.User, diag diagnosis.Payload, opts objects.ResolveOptions) (*objects.PlanObject, error)
}

// PlanLog stores incoming diagnoses and reads plans back.
type PlanLog interface {
	RecordDiagnosis(ctx context.Context, userID int64, objectID *int64, payload diagnosis.Payload) (int64, error)
	Get(ctx context.Context, id int64) (*planner.Plan, error)
}

// UsageReporter feeds the admin /metrics report.
type UsageReporter interface {
	GetDailyUsage(ctx context.Context, days int) ([]metrics.DailyUsage, error)
}

// Bot routes Telegram updates and diagnosis intake into the plan wizard.
type Bot struct {
	api     Sender
	wizard  Wizard
	users   UserResolver
	objects ObjectResolver
	plans   PlanLog
	usage   UsageReporter
	cfg     *config.Config
	logger  *slog.Logger
	timeout time.Duration
}

// NewBot wires a Bot. api is usually the *tgbotapi.BotAPI returned by NewAPI.
func NewBot(cfg *config.Config, api Sender, w Wizard, u UserResolver, objs ObjectResolver, plans PlanLog, usage UsageReporter, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:     api,
		wizard:  w,
		users:   u,
		objects: objs,
		plans:   plans,
		usage:   usage,
		cfg:     cfg,
		logger:  logger,
		timeout: time.Minute,
	}
}

// RegisterHandlers registers the webhook, intake and health handlers on mux.
func (b *Bot) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", b.handleWebhook)
	mux.HandleFunc("/diagnosis", b.handleDiagnosis)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func (b *Bot) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		b.logger.Warn("error parsing update", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	go b.processUpdate(update)
}

func (b *Bot) processUpdate(update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	switch {
	case update.CallbackQuery != nil:
		if !b.isAllowed(update.CallbackQuery.From) {
			return
		}
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message != nil:
		if !b.isAllowed(update.Message.From) {
			return
		}
		b.processMessage(ctx, update.Message)
	}
}

// isAllowed lets everyone in when no allow-list is configured.
func (b *Bot) isAllowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if len(b.cfg.TelegramAllowedUserIDs) == 0 || slices.Contains(b.cfg.TelegramAllowedUserIDs, from.ID) {
		return true
	}
	b.logger.Warn("unauthorized access attempt", "user_id", from.ID, "username", from.UserName)
	return false
}

func (b *Bot) processMessage(ctx context.Context, msg *tgbotapi.Message) {
	id := identityOf(msg.From)

	switch msg.Command() {
	case "metrics":
		if msg.From.ID != b.cfg.AdminTelegramID {
			b.reply(msg.Chat.ID, "⛔ *Access Denied*: Admin only.")
			return
		}
		b.handleMetricsCommand(ctx, msg.Chat.ID)
	case "plan":
		b.handlePlanCommand(ctx, msg.Chat.ID, id)
	case "accept":
		b.handleAcceptCommand(ctx, msg.Chat.ID, id)
	case "cancel":
		// The controller reports the outcome itself.
		_, _ = b.wizard.HandleAction(ctx, id, wizard.ActionCancel, wizard.Args{}, "")
	default:
		b.reply(msg.Chat.ID, "📷 Send a photo for diagnosis. After that I will help you build a treatment plan.\n\n/plan shows the current plan, /accept accepts it, /cancel stops the wizard.")
	}
}

func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Answer callback to remove spinner
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Debug("failed to answer callback", "error", err)
	}

	cb, ok := ParseCallback(query.Data)
	if !ok {
		b.logger.Warn("unknown callback data", "data", query.Data, "user_id", query.From.ID)
		return
	}
	_, _ = b.wizard.HandleAction(ctx, identityOf(query.From), cb.Action, wizard.Args{ObjectID: cb.ObjectID}, cb.Token)
}

func (b *Bot) handlePlanCommand(ctx context.Context, chatID int64, id wizard.Identity) {
	planID, err := b.wizard.ActivePlan(ctx, id)
	if err != nil {
		b.reply(chatID, errorText(shared.KindOf(err)))
		return
	}
	if planID == nil {
		b.reply(chatID, "No active plan. Send a photo for diagnosis first.")
		return
	}
	plan, err := b.plans.Get(ctx, *planID)
	if err != nil || plan == nil {
		b.logger.Error("failed to load active plan", "plan_id", *planID, "error", err)
		b.reply(chatID, errorText(shared.ErrDataService))
		return
	}
	b.reply(chatID, formatPlan(&planner.Result{Plan: plan}))
}

func (b *Bot) handleAcceptCommand(ctx context.Context, chatID int64, id wizard.Identity) {
	plan, err := b.wizard.AcceptActivePlan(ctx, id)
	if err != nil {
		b.reply(chatID, errorText(shared.KindOf(err)))
		return
	}
	b.reply(chatID, fmt.Sprintf("✅ *Plan accepted*: %s (v%d)", plan.Title, plan.Version))
}

func (b *Bot) handleMetricsCommand(ctx context.Context, chatID int64) {
	usage, err := b.usage.GetDailyUsage(ctx, 7)
	if err != nil {
		b.reply(chatID, "❌ Error fetching metrics.")
		return
	}
	health := metrics.GetSysHealth(filepath.Dir(b.cfg.DatabasePath))
	b.reply(chatID, formatUsageReport(usage, health))
}

func formatUsageReport(usage []metrics.DailyUsage, health metrics.SysHealth) string {
	var sb strings.Builder
	sb.WriteString("📊 *Usage & Health Report*\n\n")

	sb.WriteString("🗓 *Wizard Activity*\n")
	if len(usage) == 0 {
		sb.WriteString("_No data yet_\n")
	}
	for _, d := range usage {
		sb.WriteString(fmt.Sprintf("• *%s*: %d steps (%d ok, %d failed, avg %dms)\n",
			d.Date, d.TotalSteps, d.TotalOK, d.TotalFailed, d.AvgLatencyMS))
	}

	sb.WriteString("\n🧠 *System Health*\n")
	sb.WriteString(fmt.Sprintf("• RAM: %dMB (Alloc) / %dMB (Sys)\n", health.AllocMB, health.SysMB))
	sb.WriteString(fmt.Sprintf("• Goroutines: %d\n", health.Goroutines))
	sb.WriteString(fmt.Sprintf("• Uptime: %s\n", health.Uptime))
	sb.WriteString(fmt.Sprintf("• Disk Data: %s\n", health.DataDiskSize))
	return sb.String()
}

// IntakeRequest is a diagnosis pushed by the photo analysis service.
type IntakeRequest struct {
	TelegramUserID int64             `json:"telegram_user_id"`
	Username       string            `json:"username,omitempty"`
	Diagnosis      diagnosis.Payload `json:"diagnosis"`
}

// IntakeResponse reports what the wizard did with a diagnosis.
type IntakeResponse struct {
	DiagnosisID int64  `json:"diagnosis_id,omitempty"`
	Skipped     bool   `json:"skipped"`
	Step        string `json:"step,omitempty"`
	Token       string `json:"token,omitempty"`
	PlanID      *int64 `json:"plan_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (b *Bot) handleDiagnosis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	secret := r.Header.Get(IntakeSecretHeader)
	if b.cfg.DiagnosisIntakeSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(b.cfg.DiagnosisIntakeSecret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TelegramUserID == 0 {
		writeJSON(w, http.StatusBadRequest, IntakeResponse{Error: "invalid intake request"})
		return
	}

	resp, status := b.intake(r.Context(), req)
	writeJSON(w, status, resp)
}

func (b *Bot) intake(ctx context.Context, req IntakeRequest) (IntakeResponse, int) {
	id := wizard.Identity{Handle: Handle(req.TelegramUserID), Username: req.Username}
	diag := req.Diagnosis

	user, err := b.users.Resolve(ctx, id.Handle, id.Username)
	if err != nil {
		b.logger.Error("failed to resolve intake user", "handle", id.Handle, "error", err)
		return IntakeResponse{Error: string(shared.ErrDataService)}, http.StatusInternalServerError
	}

	objectID := diag.ObjectID
	if objectID == nil && diag.Actionable(b.cfg.ConfidenceThreshold) {
		// Also marks the object as last used, so the wizard suggests it first.
		obj, err := b.objects.ResolveForDiagnosis(ctx, user, diag, objects.ResolveOptions{})
		if err != nil {
			b.logger.Warn("failed to resolve object for diagnosis", "user_id", user.ID, "error", err)
		} else if obj != nil {
			objectID = &obj.ID
		}
	}

	var resp IntakeResponse
	diagID, err := b.plans.RecordDiagnosis(ctx, user.ID, objectID, diag)
	if err != nil {
		// The wizard can still run; only plan linking is lost.
		b.logger.Warn("failed to record diagnosis", "user_id", user.ID, "error", err)
	} else {
		resp.DiagnosisID = diagID
		diag.RecentDiagnosisID = &diagID
	}

	out, err := b.wizard.StartWizard(ctx, id, diag)
	if err != nil {
		kind := shared.KindOf(err)
		if kind == "" {
			kind = shared.ErrDataService
		}
		resp.Error = string(kind)
		if kind == shared.ErrDataService {
			return resp, http.StatusInternalServerError
		}
		return resp, http.StatusUnprocessableEntity
	}

	resp.Skipped = out.Skipped
	resp.Step = string(out.Step)
	resp.Token = out.Token
	if out.Result != nil && out.Result.Plan != nil {
		resp.PlanID = &out.Result.Plan.ID
	}
	return resp, http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func identityOf(u *tgbotapi.User) wizard.Identity {
	if u == nil {
		return wizard.Identity{}
	}
	return wizard.Identity{Handle: Handle(u.ID), Username: u.UserName}
}
