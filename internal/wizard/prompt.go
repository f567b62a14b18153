package wizard

import (
	"context"

	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/shared"
)

// Action is an inbound user action.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionChoose  Action = "choose"
	ActionPick    Action = "pick"
	ActionCreate  Action = "create"
	ActionCancel  Action = "cancel"
	ActionRestart Action = "restart"
)

// ParseAction maps a raw action name to an Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionConfirm, ActionChoose, ActionPick, ActionCreate, ActionCancel, ActionRestart:
		return a, true
	}
	return "", false
}

// Identity is the gateway-specific user reference.
type Identity struct {
	Handle   string
	Username string
}

// Args carries action arguments.
type Args struct {
	ObjectID *int64
	// Name names the object created by ActionCreate. Empty means derive it from the diagnosis.
	Name string
}

// PromptKind tells the gateway which screen to show.
type PromptKind string

const (
	PromptChooseObject  PromptKind = "choose_object"
	PromptPickObject    PromptKind = "pick_object"
	PromptConfirmObject PromptKind = "confirm_object"
	PromptPlanReady     PromptKind = "plan_ready"
	PromptCancelled     PromptKind = "cancelled"
	PromptError         PromptKind = "error"
)

// Choice is one button offered with a prompt.
type Choice struct {
	Action   Action
	ObjectID *int64
}

// Prompt is what the controller asks the gateway to deliver.
type Prompt struct {
	Kind    PromptKind
	Token   string
	Object  *objects.PlanObject
	Objects []objects.PlanObject
	Choices []Choice
	Result  *planner.Result
	Error   shared.ErrorKind
}

// Gateway delivers prompts to the user.
type Gateway interface {
	SendPrompt(ctx context.Context, id Identity, p Prompt) error
}
