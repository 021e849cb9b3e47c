package users

import "time"

// User is the canonical account record. Balance is the spendable credit
// amount granted by check-ins and payment fulfillment.
type User struct {
	UserID           string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email            string    `gorm:"column:email;size:190;not null;default:''"`
	DisplayName      string    `gorm:"column:display_name;size:190;not null;default:''"`
	Balance          int64     `gorm:"column:balance;not null;default:0"`
	PrimaryPersonaID string    `gorm:"column:primary_persona_id;size:190;not null;default:''"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	LastSeenAt       time.Time `gorm:"column:last_seen_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Persona is a user-owned alternate identity referenced by chat jobs.
type Persona struct {
	PersonaID   string    `gorm:"column:persona_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_personas_user"`
	Name        string    `gorm:"column:name;size:190;not null"`
	Description string    `gorm:"column:description;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Persona) TableName() string {
	return "personas"
}
