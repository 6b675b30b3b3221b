package entity

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Role classifies an actor. Printer is a machine role and never stored on a user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	RolePrinter  Role = "printer"
	RoleSystem   Role = "system"
)

// Kitchen reports whether the role grants kitchen access.
func (r Role) Kitchen() bool {
	return r == RoleStaff || r == RoleAdmin
}

// User is the identity record resolved during authentication.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        string    `bun:"id,pk"`
	Email     string    `bun:"email,notnull,unique"`
	FirstName string    `bun:"first_name,notnull"`
	LastName  string    `bun:"last_name,notnull"`
	Phone     string    `bun:"phone,notnull"`
	Role      Role      `bun:"role,notnull"`
	IsActive  bool      `bun:"is_active,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// DisplayName joins first and last name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// DriverProfile holds the mutable presence and position of a driver.
type DriverProfile struct {
	bun.BaseModel `bun:"table:driver_profiles,alias:dp"`

	UserID      string     `bun:"user_id,pk"`
	Vehicle     string     `bun:"vehicle,notnull"`
	IsOnline    bool       `bun:"is_online,notnull"`
	IsAvailable bool       `bun:"is_available,notnull"`
	CurrentLat  *float64   `bun:"current_lat"`
	CurrentLng  *float64   `bun:"current_lng"`
	LastSeenAt  *time.Time `bun:"last_seen_at"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

// DriverLocation is a recorded position sample taken during a delivery.
type DriverLocation struct {
	bun.BaseModel `bun:"table:driver_location_history,alias:dl"`

	ID         int64     `bun:"id,pk,autoincrement"`
	DriverID   string    `bun:"driver_id,notnull"`
	OrderID    *string   `bun:"order_id"`
	Lat        float64   `bun:"lat,notnull"`
	Lng        float64   `bun:"lng,notnull"`
	Heading    *float64  `bun:"heading"`
	Speed      *float64  `bun:"speed"`
	RecordedAt time.Time `bun:"recorded_at,notnull"`
}
