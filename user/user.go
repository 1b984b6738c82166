package user

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PaymentSystem tags the provider a user's instrument lives on. Gateway
// selection is a pure mapping from this tag.
type PaymentSystem string

// Defining supported payment systems
const (
	SystemCheckout  PaymentSystem = "checkout"
	SystemSolidgate PaymentSystem = "solidgate"
	SystemStripe    PaymentSystem = "stripe"
)

// User describes a funnel user. A user with an empty Password has not
// completed registration yet; billing for such accounts is only valid
// until the dunning engine encounters them.
type User struct {
	ID            string        `json:"id" gorm:"primaryKey"`
	Email         string        `json:"email" gorm:"uniqueIndex"`
	PaymentEmail  string        `json:"paymentEmail" gorm:"index"` // Email used at the provider when it differs from the account email
	FullName      string        `json:"fullName"`
	Password      string        `json:"-"` // bcrypt hash; empty until registration completes
	PaymentSystem PaymentSystem `json:"paymentSystem"`
	GeoCountry    string        `json:"geoCountry"` // ISO country code captured by the funnel
	CreatedAt     time.Time     `json:"createdAt"`
}

// Registered reports whether the user completed registration
func (u *User) Registered() bool {
	return u != nil && len(u.Password) > 0
}

// HashPassword derives the stored password hash
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a login attempt against the stored hash
func (u *User) CheckPassword(plaintext string) bool {
	if !u.Registered() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(plaintext)) == nil
}
