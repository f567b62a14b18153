package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/wizard"
)

const (
	handlePrefix   = "tg:"
	callbackPrefix = "w"
	// Telegram rejects callback data longer than this.
	maxCallbackData = 64
)

// Handle is the user handle for a Telegram user id.
func Handle(userID int64) string {
	return handlePrefix + strconv.FormatInt(userID, 10)
}

// ChatID extracts the Telegram id from a handle built by Handle.
func ChatID(handle string) (int64, error) {
	raw, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram handle: %q", handle)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// CallbackData encodes a button as "w|action|token|objectID".
func CallbackData(token string, c wizard.Choice) string {
	obj := ""
	if c.ObjectID != nil {
		obj = strconv.FormatInt(*c.ObjectID, 10)
	}
	return strings.Join([]string{callbackPrefix, string(c.Action), token, obj}, "|")
}

// Callback is a decoded button press.
type Callback struct {
	Action   wizard.Action
	Token    string
	ObjectID *int64
}

// ParseCallback decodes data produced by CallbackData.
func ParseCallback(data string) (Callback, bool) {
	if len(data) > maxCallbackData {
		return Callback{}, false
	}
	parts := strings.Split(data, "|")
	if len(parts) != 4 || parts[0] != callbackPrefix {
		return Callback{}, false
	}
	action, ok := wizard.ParseAction(parts[1])
	if !ok {
		return Callback{}, false
	}
	cb := Callback{Action: action, Token: parts[2]}
	if parts[3] != "" {
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Callback{}, false
		}
		cb.ObjectID = &id
	}
	return cb, true
}

// RenderPrompt turns a wizard prompt into message text and an optional inline keyboard.
func RenderPrompt(p wizard.Prompt) (string, *tgbotapi.InlineKeyboardMarkup) {
	var sb strings.Builder

	switch p.Kind {
	case wizard.PromptChooseObject:
		sb.WriteString("🌱 *Which plant is this for?*\n")
		if p.Object != nil {
			sb.WriteString(fmt.Sprintf("Suggested: *%s*\n", objectLabel(*p.Object)))
		}
	case wizard.PromptPickObject:
		sb.WriteString("📋 *Pick a plant:*\n")
	case wizard.PromptConfirmObject:
		sb.WriteString("✅ *Confirm the plant*\n")
		if p.Object != nil {
			sb.WriteString(objectLabel(*p.Object) + "\n")
		}
	case wizard.PromptPlanReady:
		sb.WriteString(formatPlan(p.Result))
	case wizard.PromptCancelled:
		sb.WriteString("Cancelled.")
	case wizard.PromptError:
		sb.WriteString(errorText(p.Error))
	}

	if len(p.Choices) == 0 {
		return sb.String(), nil
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, c := range p.Choices {
		label := choiceLabel(c, p.Objects)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, CallbackData(p.Token, c)),
		))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return sb.String(), &markup
}

func choiceLabel(c wizard.Choice, list []objects.PlanObject) string {
	switch c.Action {
	case wizard.ActionConfirm:
		return "✅ Confirm"
	case wizard.ActionChoose:
		return "🔁 Choose another"
	case wizard.ActionCreate:
		return "➕ New plant"
	case wizard.ActionCancel:
		return "✖️ Cancel"
	case wizard.ActionRestart:
		return "↩️ Start over"
	case wizard.ActionPick:
		if c.ObjectID != nil {
			for _, o := range list {
				if o.ID == *c.ObjectID {
					return objectLabel(o)
				}
			}
			return fmt.Sprintf("#%d", *c.ObjectID)
		}
	}
	return string(c.Action)
}

func objectLabel(o objects.PlanObject) string {
	if o.LocationTag != "" {
		return fmt.Sprintf("%s (%s)", o.Name, o.LocationTag)
	}
	return o.Name
}

func formatPlan(res *planner.Result) string {
	if res == nil || res.Plan == nil {
		return "Plan saved."
	}
	plan := res.Plan

	var sb strings.Builder
	if res.Duplicate {
		sb.WriteString("ℹ️ _This plan already exists._\n")
	}
	sb.WriteString(fmt.Sprintf("🧪 *%s* (v%d)\n\n", plan.Title, plan.Version))
	for i, s := range plan.Stages {
		sb.WriteString(fmt.Sprintf("*%d. %s*", i+1, s.Title))
		if s.PHIDays != nil {
			sb.WriteString(fmt.Sprintf(" · PHI %dd", *s.PHIDays))
		}
		sb.WriteString("\n")
		if s.Note != "" {
			sb.WriteString(fmt.Sprintf("_%s_\n", s.Note))
		}
		for _, o := range s.Options {
			sb.WriteString("• " + optionLine(o) + "\n")
		}
	}

	if res.Diff != nil && !res.Diff.Empty() {
		sb.WriteString("\n🔄 *Changes*\n")
		for _, t := range res.Diff.Added {
			sb.WriteString("+ " + t + "\n")
		}
		for _, t := range res.Diff.Removed {
			sb.WriteString("− " + t + "\n")
		}
		for _, t := range res.Diff.Changed {
			sb.WriteString("~ " + t + "\n")
		}
	}

	if len(res.FallbackStages) > 0 {
		sb.WriteString(fmt.Sprintf("\n⚠️ No registered products for: %s. The suggestion comes from the diagnosis and needs review.\n",
			strings.Join(res.FallbackStages, ", ")))
	}
	return sb.String()
}

func optionLine(o planner.OptionDef) string {
	name := o.Product
	if name == "" {
		name = o.ActiveIngredient
	}
	if name == "" {
		name = "see note"
	}
	if o.DoseValue != nil {
		name += fmt.Sprintf(" %g %s", *o.DoseValue, o.DoseUnit)
	}
	if o.Method != "" {
		name += ", " + o.Method
	}
	if o.Meta.NeedsReview {
		name += " ⚠️"
	}
	return name
}

func errorText(kind shared.ErrorKind) string {
	switch kind {
	case shared.ErrNoContext:
		return "I don't know which plant you mean."
	case shared.ErrNoRecentDiagnosis:
		return "Send a photo for diagnosis first."
	case shared.ErrButtonExpired:
		return "This button is no longer active."
	case shared.ErrSessionExpired:
		return "This choice has expired. Please start again."
	case shared.ErrObjectNotOwned:
		return "That plant belongs to someone else."
	case shared.ErrObjectNotFound:
		return "That plant no longer exists."
	case shared.ErrPlanGenerationEmpty:
		return "I couldn't build a plan for this diagnosis."
	}
	return "Something went wrong. Please try again later."
}
