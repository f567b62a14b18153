// Package objects stores plant objects and decides which one a diagnosis belongs to.
package objects

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/shared"
	"plant-treatment-planner/internal/users"
)

// DefaultObjectName names an auto-created object when the diagnosis has no crop.
const DefaultObjectName = "My plant"

// minKeywordRunes guards name matching against short crop tokens.
const minKeywordRunes = 3

// Store is the object data service the binder depends on.
type Store interface {
	List(ctx context.Context, userID int64) ([]PlanObject, error)
	GetByID(ctx context.Context, id int64) (*PlanObject, error)
	Create(ctx context.Context, userID int64, in NewObject) (*PlanObject, error)
	MergeMeta(ctx context.Context, id int64, patch map[string]any) (map[string]any, error)
}

// UserStore records the last object a user worked with.
type UserStore interface {
	UpdateLastObject(ctx context.Context, userID, objectID int64) error
}

// Binder resolves or creates the object a diagnosis attaches to.
type Binder struct {
	objects Store
	users   UserStore
	logger  *slog.Logger
}

// NewBinder creates a Binder.
func NewBinder(objects Store, users UserStore, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{objects: objects, users: users, logger: logger}
}

// Primary is the result of EnsurePrimaryObject.
type Primary struct {
	Object  *PlanObject
	Objects []PlanObject
}

// EnsurePrimaryObject picks the user's last-used object, else the first one,
// creating an object from the diagnosis when the user has none.
func (b *Binder) EnsurePrimaryObject(ctx context.Context, user *users.User, diag diagnosis.Payload) (*Primary, error) {
	const op = "objects.EnsurePrimaryObject"

	list, err := b.objects.List(ctx, user.ID)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	var primary *PlanObject
	if user.LastObjectID != nil {
		primary = findByID(list, *user.LastObjectID)
	}
	if primary == nil && len(list) > 0 {
		primary = &list[0]
	}
	if primary == nil {
		created, err := b.createFromDiagnosis(ctx, user.ID, diag)
		if err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		list = append(list, *created)
		primary = &list[len(list)-1]
	}

	b.rememberLast(ctx, user, primary.ID)
	return &Primary{Object: primary, Objects: list}, nil
}

// ResolveOptions tunes ResolveForDiagnosis.
type ResolveOptions struct {
	AllowCreate bool
}

// ResolveForDiagnosis matches a diagnosis against the user's objects.
// Preference: explicit object id, type equal to the crop, name containing the crop,
// a newly created object, the last-used object, the first object.
// Returns nil when nothing matches and creation is not allowed.
func (b *Binder) ResolveForDiagnosis(ctx context.Context, user *users.User, diag diagnosis.Payload, opts ResolveOptions) (*PlanObject, error) {
	const op = "objects.ResolveForDiagnosis"

	if diag.ObjectID != nil {
		obj, err := b.objects.GetByID(ctx, *diag.ObjectID)
		if err != nil {
			return nil, shared.DataServiceError(op, err)
		}
		if obj != nil && obj.UserID == user.ID {
			b.finishResolve(ctx, user, obj, diag)
			return obj, nil
		}
		b.logger.Warn("ignoring object hint", "user_id", user.ID, "object_id", *diag.ObjectID, "found", obj != nil)
	}

	list, err := b.objects.List(ctx, user.ID)
	if err != nil {
		return nil, shared.DataServiceError(op, err)
	}

	obj := matchObject(list, cropKeywords(diag))
	if obj == nil && opts.AllowCreate {
		if obj, err = b.createFromDiagnosis(ctx, user.ID, diag); err != nil {
			return nil, shared.DataServiceError(op, err)
		}
	}
	if obj == nil && user.LastObjectID != nil {
		obj = findByID(list, *user.LastObjectID)
	}
	if obj == nil && len(list) > 0 {
		obj = &list[0]
	}
	if obj == nil {
		return nil, nil
	}

	b.finishResolve(ctx, user, obj, diag)
	return obj, nil
}

// Enrich merges variety, geolocation and crop from the diagnosis into the object's meta.
// Failures are logged and never returned.
func (b *Binder) Enrich(ctx context.Context, obj *PlanObject, diag diagnosis.Payload) {
	patch := map[string]any{}
	if v := strings.TrimSpace(diag.Variety); v != "" {
		patch["variety"] = v
	}
	if diag.Latitude != nil && diag.Longitude != nil {
		patch["geo_lat"] = *diag.Latitude
		patch["geo_lon"] = *diag.Longitude
	}
	if c := strings.TrimSpace(diag.Crop); c != "" {
		patch["last_crop"] = c
	}
	if len(patch) == 0 {
		return
	}

	merged, err := b.objects.MergeMeta(ctx, obj.ID, patch)
	if err != nil {
		b.logger.Warn("object enrichment failed", "user_id", obj.UserID, "object_id", obj.ID, "error", err)
		return
	}
	obj.Meta = merged
}

func (b *Binder) finishResolve(ctx context.Context, user *users.User, obj *PlanObject, diag diagnosis.Payload) {
	b.rememberLast(ctx, user, obj.ID)
	b.Enrich(ctx, obj, diag)
}

func (b *Binder) rememberLast(ctx context.Context, user *users.User, objectID int64) {
	if err := b.users.UpdateLastObject(ctx, user.ID, objectID); err != nil {
		b.logger.Warn("failed to record last object", "user_id", user.ID, "object_id", objectID, "error", err)
		return
	}
	user.LastObjectID = &objectID
}

func (b *Binder) createFromDiagnosis(ctx context.Context, userID int64, diag diagnosis.Payload) (*PlanObject, error) {
	name := diag.CropLabel()
	if name == "" {
		name = DefaultObjectName
	}
	obj, err := b.objects.Create(ctx, userID, NewObject{
		Name:        name,
		Type:        strings.TrimSpace(diag.Crop),
		LocationTag: strings.TrimSpace(diag.Region),
		Meta:        map[string]any{"source": "auto"},
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("created object from diagnosis", "user_id", userID, "object_id", obj.ID, "name", name)
	return obj, nil
}

func cropKeywords(diag diagnosis.Payload) []string {
	var out []string
	for _, k := range []string{diag.Crop, diag.CropRu} {
		if k = fold(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func matchObject(list []PlanObject, keywords []string) *PlanObject {
	if len(keywords) == 0 {
		return nil
	}
	for i := range list {
		t := fold(list[i].Type)
		for _, k := range keywords {
			if t != "" && t == k {
				return &list[i]
			}
		}
	}
	for i := range list {
		name := fold(list[i].Name)
		for _, k := range keywords {
			if utf8.RuneCountInString(k) >= minKeywordRunes && strings.Contains(name, k) {
				return &list[i]
			}
		}
	}
	return nil
}

func findByID(list []PlanObject, id int64) *PlanObject {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// fold lowercases with full Unicode case folding. Accents are kept.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
