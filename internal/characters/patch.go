package characters

import "time"

// UpsertRequest is the partial-update shape accepted by Upsert. Nil pointer
// fields are omitted from the patch; a pointer to an empty string clears the
// field. A nil Greetings slice leaves greetings untouched.
type UpsertRequest struct {
	CharacterID  string
	RemixID      *string
	Name         *string
	Description  *string
	Instructions *string
	Model        *string
	CardImageURL *string
	Greetings    []string
}

// toUpdates renders the set fields as a column update map, always refreshing
// updated_at.
func (r UpsertRequest) toUpdates(now time.Time) map[string]interface{} {
	updates := map[string]interface{}{"updated_at": now}
	if r.RemixID != nil {
		updates["remix_id"] = *r.RemixID
	}
	if r.Name != nil {
		updates["name"] = *r.Name
	}
	if r.Description != nil {
		updates["description"] = *r.Description
	}
	if r.Instructions != nil {
		updates["instructions"] = *r.Instructions
	}
	if r.Model != nil {
		updates["model"] = *r.Model
	}
	if r.CardImageURL != nil {
		updates["card_image_url"] = *r.CardImageURL
	}
	if r.Greetings != nil {
		updates["greetings_json"] = encodeGreetings(r.Greetings)
	}
	return updates
}
